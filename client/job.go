package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/xraph/courier/api"
)

// CreateJob is a job submission.
type CreateJob struct {
	FileIDs         []int64
	ClientReference string
	MaxConcurrency  int

	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string
}

// CreateJob submits a job. created is false when the idempotency key
// matched an existing job.
func (c *Client) CreateJob(ctx context.Context, in CreateJob) (resp *api.CreateJobResponse, created bool, err error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/jobs", api.CreateJobRequest{
		FileIDs:         in.FileIDs,
		ClientReference: in.ClientReference,
		MaxConcurrency:  in.MaxConcurrency,
	})
	if err != nil {
		return nil, false, err
	}
	if in.IdempotencyKey != "" {
		req.Header.Set(api.HeaderIdempotencyKey, in.IdempotencyKey)
	}
	resp = new(api.CreateJobResponse)
	httpResp, err := c.do(req, resp)
	if err != nil {
		return nil, false, err
	}
	return resp, httpResp.StatusCode == http.StatusCreated, nil
}

// GetJob returns a job snapshot.
func (c *Client) GetJob(ctx context.Context, jobID string) (*api.JobResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	out := new(api.JobResponse)
	if _, err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetItem returns one item of a job.
func (c *Client) GetItem(ctx context.Context, jobID string, fileID int64) (*api.ItemResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, itemPath(jobID, fileID), nil)
	if err != nil {
		return nil, err
	}
	out := new(api.ItemResponse)
	if _, err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, jobID string) (*api.CancelResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	out := new(api.CancelResponse)
	if _, err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadURL returns the signed artifact URL of a completed item without
// following the redirect.
func (c *Client) DownloadURL(ctx context.Context, jobID string, fileID int64) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, itemPath(jobID, fileID)+"/download", nil)
	if err != nil {
		return "", err
	}
	hc := *c.http
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("courier/client: download %s/%d: %w", jobID, fileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", decodeError(resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("courier/client: download reply has no Location")
	}
	return loc, nil
}

// DLQ lists dead letter entries, newest first. An empty jobID lists all.
func (c *Client) DLQ(ctx context.Context, jobID string, limit, offset int) ([]api.DLQEntryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if jobID != "" {
		q.Set("jobId", jobID)
	}
	path := "/dlq"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []api.DLQEntryResponse
	if _, err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats retrieves broker statistics and the dead letter count.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return nil, err
	}
	out := new(api.StatsResponse)
	if _, err := c.do(req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func itemPath(jobID string, fileID int64) string {
	return "/jobs/" + url.PathEscape(jobID) + "/items/" + strconv.FormatInt(fileID, 10)
}
