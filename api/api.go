// Package api exposes the engine over HTTP with echo.
//
//	a := api.New(eng, api.WithLogger(logger))
//	srv := &http.Server{Addr: ":8080", Handler: a.Handler()}
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xraph/courier/engine"
)

const (
	defaultKeepAlive = 15 * time.Second
	defaultDLQLimit  = 50
	maxDLQLimit      = 500
)

// ArtifactResolver serves artifact bytes for a signed token. The memory
// artifact store implements it.
type ArtifactResolver interface {
	Resolve(token string) ([]byte, bool)
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithKeepAlive sets the interval of SSE keep-alive comments.
func WithKeepAlive(d time.Duration) Option {
	return func(a *API) { a.keepAlive = d }
}

// WithArtifactResolver mounts GET /v1/download/artifacts/* serving the
// bytes behind URLs signed by an in-process artifact store.
func WithArtifactResolver(r ArtifactResolver) Option {
	return func(a *API) { a.resolver = r }
}

// API wires the HTTP handlers to an engine.
type API struct {
	eng       *engine.Engine
	logger    *slog.Logger
	keepAlive time.Duration
	resolver  ArtifactResolver
}

// New creates an API for eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:       eng,
		logger:    slog.Default(),
		keepAlive: defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns an echo instance with middleware and every route.
func (a *API) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			a.logger.LogAttrs(c.Request().Context(), level, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	a.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers every route on e.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.health)

	g := e.Group("/v1/download")
	a.registerJobRoutes(g)
	a.registerDLQRoutes(g)
	g.GET("/stats", a.stats)
	if a.resolver != nil {
		g.GET("/artifacts/*", a.serveArtifact)
	}
}

func (a *API) registerJobRoutes(g *echo.Group) {
	g.POST("/jobs", a.createJob)
	g.GET("/jobs/:jobId", a.getJob)
	g.GET("/jobs/:jobId/events", a.streamEvents)
	g.POST("/jobs/:jobId/cancel", a.cancelJob)
	g.GET("/jobs/:jobId/items/:fileId", a.getItem)
	g.GET("/jobs/:jobId/items/:fileId/download", a.downloadItem)
}

func (a *API) registerDLQRoutes(g *echo.Group) {
	g.GET("/dlq", a.listDLQ)
	g.GET("/dlq/count", a.dlqCount)
}

func (a *API) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := a.eng.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
