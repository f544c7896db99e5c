// Package client is a Go client for a remote courier service. It speaks
// the REST API and follows job progress over Server-Sent Events,
// resuming with Last-Event-ID after a dropped connection.
//
//	c := client.New("http://localhost:8080", client.WithReconnect(5, time.Second))
//
//	j, err := c.CreateJob(ctx, client.CreateJob{FileIDs: []int64{10001, 10002}})
//	events, err := c.Watch(ctx, j.JobID, 0)
//	for ev := range events {
//	    fmt.Printf("%d %s\n", ev.Seq, ev.Type)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/api"
)

const apiPrefix = "/v1/download"

// Client talks to one courier service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	header  http.Header

	// Reconnection of event streams.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration
}

// New returns a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{},
		logger:     slog.Default(),
		header:     make(http.Header),
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Error is a non-2xx reply from the service. It matches the courier
// sentinel errors for its status with errors.Is.
type Error struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("courier/client: %d: %s: %s", e.StatusCode, e.Field, e.Message)
	}
	return fmt.Sprintf("courier/client: %d: %s", e.StatusCode, e.Message)
}

// Is maps the HTTP status back onto courier sentinels.
func (e *Error) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return target == courier.ErrValidation
	case http.StatusNotFound:
		return target == courier.ErrJobNotFound ||
			target == courier.ErrItemNotFound ||
			target == courier.ErrDLQNotFound
	case http.StatusConflict:
		return target == courier.ErrItemNotReady
	case http.StatusGone:
		return target == courier.ErrJobExpired
	}
	return false
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("courier/client: marshal request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, r)
	if err != nil {
		return nil, fmt.Errorf("courier/client: new request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a 2xx JSON reply into out.
func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("courier/client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp, decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("courier/client: decode %s: %w", req.URL.Path, err)
		}
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Field = body.Field
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
