package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
)

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, courier.NewValidationError(name, "%q is not a non-negative integer", raw)
	}
	return n, nil
}

func (a *API) listDLQ(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultDLQLimit)
	if err != nil {
		return err
	}
	if limit == 0 || limit > maxDLQLimit {
		limit = maxDLQLimit
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}

	opts := dlq.ListOpts{Limit: limit, Offset: offset}
	if raw := c.QueryParam("jobId"); raw != "" {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			return courier.NewValidationError("jobId", "%q is not a job id", raw)
		}
		opts.JobID = jobID
	}

	entries, err := a.eng.DLQ().List(c.Request().Context(), opts)
	if err != nil {
		return err
	}
	resp := make([]DLQEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = toDLQEntry(e)
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *API) dlqCount(c echo.Context) error {
	n, err := a.eng.DLQ().Count(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DLQCountResponse{Count: n})
}
