package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xraph/courier"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/id"
)

// HeaderIdempotencyKey carries the client's deduplication key.
const HeaderIdempotencyKey = "Idempotency-Key"

func parseJobID(c echo.Context) (id.JobID, error) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		// A malformed id cannot name a job.
		return id.Nil, courier.ErrJobNotFound
	}
	return jobID, nil
}

func parseFileID(c echo.Context) (int64, error) {
	fileID, err := strconv.ParseInt(c.Param("fileId"), 10, 64)
	if err != nil {
		return 0, courier.NewValidationError("fileId", "%q is not a file id", c.Param("fileId"))
	}
	return fileID, nil
}

func (a *API) createJob(c echo.Context) error {
	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	j, created, err := a.eng.CreateJob(c.Request().Context(), engine.CreateRequest{
		FileIDs:         req.FileIDs,
		IdempotencyKey:  strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey)),
		ClientReference: req.ClientReference,
		MaxConcurrency:  req.MaxConcurrency,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.Response().Header().Set(echo.HeaderLocation, strings.TrimSuffix(c.Request().URL.Path, "/")+"/"+j.ID.String())
	return c.JSON(status, CreateJobResponse{
		JobID:     j.ID.String(),
		Status:    j.Status,
		Total:     j.Counts.Total,
		CreatedAt: j.CreatedAt,
	})
}

func (a *API) getJob(c echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	snap, err := a.eng.GetStatus(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toJob(snap))
}

func (a *API) cancelJob(c echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	j, err := a.eng.Cancel(c.Request().Context(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CancelResponse{JobID: j.ID.String(), Status: j.Status})
}

func (a *API) getItem(c echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	fileID, err := parseFileID(c)
	if err != nil {
		return err
	}
	it, err := a.eng.GetItem(c.Request().Context(), jobID, fileID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toItem(it))
}

func (a *API) downloadItem(c echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	fileID, err := parseFileID(c)
	if err != nil {
		return err
	}
	url, err := a.eng.DownloadURL(c.Request().Context(), jobID, fileID)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, url)
}
