package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xraph/courier"
)

// HeaderLastEventID is sent by reconnecting EventSource clients.
const HeaderLastEventID = "Last-Event-ID"

// resumeFrom returns the first sequence number the client wants.
// Last-Event-ID wins over the ?from= query parameter.
func resumeFrom(c echo.Context) (int64, error) {
	if last := c.Request().Header.Get(HeaderLastEventID); last != "" {
		seq, err := strconv.ParseInt(last, 10, 64)
		if err != nil || seq < 0 {
			return 0, courier.NewValidationError(HeaderLastEventID, "%q is not a sequence number", last)
		}
		return seq + 1, nil
	}
	if from := c.QueryParam("from"); from != "" {
		seq, err := strconv.ParseInt(from, 10, 64)
		if err != nil || seq < 0 {
			return 0, courier.NewValidationError("from", "%q is not a sequence number", from)
		}
		return seq, nil
	}
	return 0, nil
}

func (a *API) streamEvents(c echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	from, err := resumeFrom(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	sub, err := a.eng.Subscribe(ctx, jobID, from)
	if err != nil {
		return err
	}
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(a.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(toEvent(ev))
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
