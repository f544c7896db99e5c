package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/api"
	artmemory "github.com/xraph/courier/artifact/memory"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/processor"
	"github.com/xraph/courier/store/memory"
)

type fixture struct {
	eng     *engine.Engine
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	arts := artmemory.New(artmemory.WithBaseURL("http://courier.test/v1/download/artifacts"))
	c, err := courier.New(
		courier.WithStore(memory.New()),
		courier.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("courier.New: %v", err)
	}
	eng, err := engine.Build(c,
		engine.WithArtifactStore(arts),
		engine.WithProcessor(processor.NewArtifact(processor.Simulated{Size: 32}, arts)),
		engine.WithBackoff(backoff.NewConstant(time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	a := api.New(eng,
		api.WithLogger(slog.New(slog.DiscardHandler)),
		api.WithArtifactResolver(arts),
	)
	return &fixture{eng: eng, handler: a.Handler()}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.eng.Stop(ctx)
	})
}

func (f *fixture) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) createJob(t *testing.T, body string) api.CreateJobResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/download/jobs", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[api.CreateJobResponse](t, rec)
}

// waitTerminal polls the job until it settles.
func (f *fixture) waitTerminal(t *testing.T, jobID string) api.JobResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := f.do(t, http.MethodGet, "/v1/download/jobs/"+jobID, "", nil)
		resp := decode[api.JobResponse](t, rec)
		if resp.Status.Terminal() {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not settle before the deadline")
	return api.JobResponse{}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	headers := map[string]string{api.HeaderIdempotencyKey: "batch-7"}
	rec := f.do(t, http.MethodPost, "/v1/download/jobs", `{"file_ids":[10001,10002],"client_reference":"ref-1"}`, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: status %d body %s", rec.Code, rec.Body.String())
	}
	first := decode[api.CreateJobResponse](t, rec)
	if first.Status != job.StatusQueued || first.Total != 2 {
		t.Errorf("first = %+v", first)
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/download/jobs/"+first.JobID {
		t.Errorf("Location = %q", loc)
	}

	rec = f.do(t, http.MethodPost, "/v1/download/jobs", `{"file_ids":[10003]}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status %d body %s", rec.Code, rec.Body.String())
	}
	if replay := decode[api.CreateJobResponse](t, rec); replay.JobID != first.JobID {
		t.Errorf("replay job = %s, want %s", replay.JobID, first.JobID)
	}
}

func TestCreateJob_Rejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"file_ids":[]}`},
		{"out of range", `{"file_ids":[9999]}`},
		{"duplicate", `{"file_ids":[10001,10001]}`},
		{"malformed", `{"file_ids":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/download/jobs", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
			}
			if resp := decode[api.ErrorResponse](t, rec); resp.Error == "" {
				t.Error("empty error message")
			}
		})
	}

	rec := f.do(t, http.MethodPost, "/v1/download/jobs", `{"file_ids":[1]}`, nil)
	if resp := decode[api.ErrorResponse](t, rec); resp.Field != "file_ids" {
		t.Errorf("field = %q, want file_ids", resp.Field)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, target := range []string{
		"/v1/download/jobs/not-an-id",
		"/v1/download/jobs/job_01h455vb4pex5vsknk084sn02q",
		"/v1/download/jobs/job_01h455vb4pex5vsknk084sn02q/events",
	} {
		if rec := f.do(t, http.MethodGet, target, "", nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s: status %d", target, rec.Code)
		}
	}
}

func TestGetItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	created := f.createJob(t, `{"file_ids":[10001]}`)

	rec := f.do(t, http.MethodGet, "/v1/download/jobs/"+created.JobID+"/items/10001", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if it := decode[api.ItemResponse](t, rec); it.FileID != 10_001 || it.Status != job.ItemQueued {
		t.Errorf("item = %+v", it)
	}

	if rec := f.do(t, http.MethodGet, "/v1/download/jobs/"+created.JobID+"/items/abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad file id: status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/download/jobs/"+created.JobID+"/items/20002", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown item: status %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	created := f.createJob(t, `{"file_ids":[10001,10002]}`)

	rec := f.do(t, http.MethodPost, "/v1/download/jobs/"+created.JobID+"/cancel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", rec.Code, rec.Body.String())
	}
	if resp := decode[api.CancelResponse](t, rec); resp.Status != job.StatusCanceled {
		t.Errorf("status = %s, want canceled", resp.Status)
	}

	snap := decode[api.JobResponse](t, f.do(t, http.MethodGet, "/v1/download/jobs/"+created.JobID, "", nil))
	if snap.Counts.Canceled != 2 || !snap.CancelRequested {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	created := f.createJob(t, `{"file_ids":[10001]}`)
	target := "/v1/download/jobs/" + created.JobID + "/items/10001/download"

	if rec := f.do(t, http.MethodGet, target, "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("before completion: status %d", rec.Code)
	}

	f.start(t)
	if final := f.waitTerminal(t, created.JobID); final.Status != job.StatusCompleted {
		t.Fatalf("final status = %s", final.Status)
	}

	rec := f.do(t, http.MethodGet, target, "", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("download: status %d body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}

	rec = f.do(t, http.MethodGet, loc.RequestURI(), "", nil)
	if rec.Code != http.StatusOK || rec.Body.Len() != 32 {
		t.Fatalf("artifact: status %d, %d bytes", rec.Code, rec.Body.Len())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}

	if rec := f.do(t, http.MethodGet, loc.Path+"?token=bogus", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("bogus token: status %d", rec.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	created := f.createJob(t, `{"file_ids":[10001,10002]}`)
	f.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/download/jobs/"+created.JobID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var (
		types []string
		last  api.EventResponse
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
				t.Fatalf("decode data: %v", err)
			}
		}
	}
	if ctx.Err() != nil {
		t.Fatal("stream did not end before the deadline")
	}

	if len(types) == 0 || types[0] != string(job.EventJobStarted) {
		t.Fatalf("types = %v", types)
	}
	if types[len(types)-1] != string(job.EventJobCompleted) {
		t.Errorf("last type = %s", types[len(types)-1])
	}
	if last.Seq != int64(len(types)) || last.Counts.Done != 2 {
		t.Errorf("last event = %+v", last)
	}
}

func TestStreamEvents_Resume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	created := f.createJob(t, `{"file_ids":[10001]}`)
	f.start(t)
	f.waitTerminal(t, created.JobID)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/download/jobs/"+created.JobID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(api.HeaderLastEventID, "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	// job.started, item.started, item.completed, job.completed
	if strings.Join(ids, ",") != "3,4" {
		t.Errorf("ids = %v, want [3 4]", ids)
	}
}

func TestDLQAndStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/download/dlq/count", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("count: status %d", rec.Code)
	}
	if n := decode[api.DLQCountResponse](t, rec); n.Count != 0 {
		t.Errorf("count = %d", n.Count)
	}

	rec = f.do(t, http.MethodGet, "/v1/download/dlq?limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if entries := decode[[]api.DLQEntryResponse](t, rec); len(entries) != 0 {
		t.Errorf("entries = %v", entries)
	}
	if rec := f.do(t, http.MethodGet, "/v1/download/dlq?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/download/dlq?jobId=nope", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad job id: status %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/download/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
}
