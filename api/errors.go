package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xraph/courier"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps courier errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, courier.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, courier.ErrJobNotFound),
		errors.Is(err, courier.ErrItemNotFound),
		errors.Is(err, courier.ErrDLQNotFound):
		return http.StatusNotFound
	case errors.Is(err, courier.ErrItemNotReady):
		return http.StatusConflict
	case errors.Is(err, courier.ErrJobExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// handleError renders handler errors as ErrorResponse. Internal errors
// are logged and reported without detail.
func (a *API) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status = statusFor(err)
		body   = ErrorResponse{Error: err.Error()}
		he     *echo.HTTPError
		ve     *courier.ValidationError
	)
	switch {
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(he.Code)
		}
	case errors.As(err, &ve):
		body = ErrorResponse{Error: ve.Reason, Field: ve.Field}
	case status == http.StatusInternalServerError:
		a.logger.Error("request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
		body.Error = http.StatusText(status)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		a.logger.Warn("write error response", slog.String("error", err.Error()))
	}
}
