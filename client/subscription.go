package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/courier/api"
)

// Watch streams a job's events starting at fromSeq. The channel closes
// once the server ends the stream after a terminal event, when ctx
// ends, or when the stream cannot be resumed. With WithReconnect, a dropped stream is reopened
// from the last received sequence number.
//
// The first request is made before Watch returns, so an unknown job is
// reported as an error rather than a closed channel.
func (c *Client) Watch(ctx context.Context, jobID string, fromSeq int64) (<-chan api.EventResponse, error) {
	body, err := c.openStream(ctx, jobID, fromSeq, 0)
	if err != nil {
		return nil, err
	}

	ch := make(chan api.EventResponse, 64)
	go c.watchLoop(ctx, jobID, fromSeq, body, ch)
	return ch, nil
}

func (c *Client) watchLoop(ctx context.Context, jobID string, fromSeq int64, body io.ReadCloser, ch chan<- api.EventResponse) {
	defer close(ch)

	var st streamState
	for {
		done, err := readStream(ctx, body, ch, &st)
		_ = body.Close()
		if done || ctx.Err() != nil {
			return
		}
		if !c.reconnect {
			if err != nil {
				c.logger.Warn("courier client: event stream ended", slog.String("job_id", jobID), slog.String("error", err.Error()))
			}
			return
		}

		body = c.resume(ctx, jobID, fromSeq, st.last)
		if body == nil {
			return
		}
	}
}

// resume reopens the stream with exponential backoff. It returns nil when
// retries are exhausted or ctx ends.
func (c *Client) resume(ctx context.Context, jobID string, fromSeq, last int64) io.ReadCloser {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("courier client reconnecting",
			slog.String("job_id", jobID),
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		body, err := c.openStream(ctx, jobID, fromSeq, last)
		if err == nil {
			return body
		}
		var apiErr *Error
		if errors.As(err, &apiErr) {
			c.logger.Warn("courier client: stream rejected", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return nil
		}
		c.logger.Warn("courier client reconnect failed", slog.String("error", err.Error()))
		delay = min(delay*2, 30*time.Second)
	}
	c.logger.Error("courier client: max reconnection attempts reached", slog.String("job_id", jobID))
	return nil
}

// openStream issues the SSE request. A positive last resumes after that
// sequence number through Last-Event-ID.
func (c *Client) openStream(ctx context.Context, jobID string, fromSeq, last int64) (io.ReadCloser, error) {
	path := "/jobs/" + url.PathEscape(jobID) + "/events"
	if fromSeq > 0 {
		path += "?from=" + strconv.FormatInt(fromSeq, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if last > 0 {
		req.Header.Set(api.HeaderLastEventID, strconv.FormatInt(last, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("courier/client: open stream %s: %w", jobID, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// streamState survives reconnects.
type streamState struct {
	last     int64
	terminal bool
}

// readStream parses SSE messages from r until EOF. The stream is done
// when the server closed it after a terminal event.
func readStream(ctx context.Context, r io.Reader, ch chan<- api.EventResponse, st *streamState) (done bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev api.EventResponse
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return false, fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if ev.Seq <= st.last {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			st.last = ev.Seq
			st.terminal = ev.Type.Terminal()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}
	if st.terminal {
		return true, nil
	}
	return false, io.ErrUnexpectedEOF
}
