package processor

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/courier/job"
)

// Source yields the raw bytes of a file.
type Source interface {
	Fetch(ctx context.Context, fileID int64) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, fileID int64) ([]byte, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, fileID int64) ([]byte, error) { return f(ctx, fileID) }

// Simulated stands in for slow upstream work: it waits a random duration
// in [MinDelay, MaxDelay] and returns deterministic content.
type Simulated struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Size     int
}

// Fetch sleeps, honoring ctx, then returns Size bytes derived from fileID.
func (s Simulated) Fetch(ctx context.Context, fileID int64) ([]byte, error) {
	d := s.MinDelay
	if s.MaxDelay > s.MinDelay {
		d += time.Duration(rand.Int64N(int64(s.MaxDelay - s.MinDelay))) //nolint:gosec // simulated latency
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	size := s.Size
	if size <= 0 {
		size = 1024
	}
	line := fmt.Sprintf("file %d\n", fileID)
	return []byte(strings.Repeat(line, size/len(line)+1)[:size]), nil
}

// HTTPSource downloads files from an upstream service at
// {BaseURL}/files/{fileID}.
type HTTPSource struct {
	Client  *http.Client
	BaseURL string
}

// Fetch performs the GET. 404 and 410 are permanent; 429 and 5xx are
// transient.
func (h HTTPSource) Fetch(ctx context.Context, fileID int64) ([]byte, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/files/%d", strings.TrimRight(h.BaseURL, "/"), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(job.CodeInternal, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, Permanent(job.CodeNotFound, fmt.Errorf("upstream returned %d for file %d", resp.StatusCode, fileID))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(job.CodeUnavailable, fmt.Errorf("upstream returned %d", resp.StatusCode))
	default:
		return nil, Permanent(job.CodeInternal, fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(err)
	}
	return data, nil
}
