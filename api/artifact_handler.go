package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const contentTypeZip = "application/zip"

func (a *API) serveArtifact(c echo.Context) error {
	data, ok := a.resolver.Resolve(c.QueryParam("token"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "artifact link is invalid or expired")
	}
	return c.Blob(http.StatusOK, contentTypeZip, data)
}
