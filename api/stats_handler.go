package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (a *API) stats(c echo.Context) error {
	s, err := a.eng.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatsResponse{Stream: s.Stream, DLQCount: s.DLQCount})
}
