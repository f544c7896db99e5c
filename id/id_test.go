package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/courier/id"
)

func TestKinds(t *testing.T) {
	tests := []struct {
		newFn  func() id.ID
		prefix id.Prefix
		parse  func(string) (id.ID, error)
	}{
		{id.NewJobID, id.PrefixJob, id.ParseJobID},
		{id.NewDLQID, id.PrefixDLQ, id.ParseDLQID},
		{id.NewWorkerID, id.PrefixWorker, id.Parse},
		{id.NewSubscriptionID, id.PrefixSubscription, id.Parse},
	}
	for _, tt := range tests {
		t.Run(string(tt.prefix), func(t *testing.T) {
			a, b := tt.newFn(), tt.newFn()
			if a.Prefix() != tt.prefix || !strings.HasPrefix(a.String(), string(tt.prefix)+"_") {
				t.Errorf("got %q", a)
			}
			if a.String() == b.String() {
				t.Errorf("duplicate id %q", a)
			}
			parsed, err := tt.parse(a.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != a.String() {
				t.Errorf("round trip: %q != %q", parsed, a)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "job_", "not an id", "job_!!!"} {
		if _, err := id.Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
	if _, err := id.ParseJobID(id.NewDLQID().String()); err == nil {
		t.Error("ParseJobID accepted a dlq id")
	}
	if _, err := id.ParseDLQID(id.NewJobID().String()); err == nil {
		t.Error("ParseDLQID accepted a job id")
	}
}

func TestNil(t *testing.T) {
	var i id.ID
	if !i.IsNil() || i.String() != "" || i.Prefix() != "" {
		t.Errorf("zero value = %#v", i)
	}
	if v, err := i.Value(); err != nil || v != nil {
		t.Errorf("Value() = %v, %v; want NULL", v, err)
	}
}

func TestJSON(t *testing.T) {
	type record struct {
		Job id.JobID `json:"job"`
		DLQ id.DLQID `json:"dlq"`
	}
	in := record{Job: id.NewJobID()}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"dlq":""`) {
		t.Errorf("nil id encoded as %s", data)
	}

	var out record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Job.String() != in.Job.String() || !out.DLQ.IsNil() {
		t.Errorf("decoded %+v", out)
	}
}

func TestScan(t *testing.T) {
	want := id.NewJobID()
	v, err := want.Value()
	if err != nil {
		t.Fatal(err)
	}

	for _, src := range []any{v, []byte(want.String())} {
		var got id.ID
		if err := got.Scan(src); err != nil {
			t.Fatalf("Scan(%T): %v", src, err)
		}
		if got.String() != want.String() {
			t.Errorf("Scan(%T) = %q", src, got)
		}
	}

	got := want
	if err := got.Scan(nil); err != nil || !got.IsNil() {
		t.Errorf("Scan(nil) = %q, %v", got, err)
	}
	if err := got.Scan(42); err == nil {
		t.Error("expected an error scanning an int")
	}
}
