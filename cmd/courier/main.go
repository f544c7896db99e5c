// Command courier runs the bulk download service: the HTTP API, the
// dispatcher and the maintenance janitor in one process.
//
// Configuration comes from COURIER_* environment variables, optionally
// loaded from a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/courier"
	"github.com/xraph/courier/api"
	"github.com/xraph/courier/artifact"
	artmemory "github.com/xraph/courier/artifact/memory"
	arts3 "github.com/xraph/courier/artifact/s3"
	audithook "github.com/xraph/courier/audit_hook"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/processor"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/store/postgres"
	redisstore "github.com/xraph/courier/store/redis"
	"github.com/xraph/courier/store/sqlite"
	"github.com/xraph/courier/transport"
	kafkatransport "github.com/xraph/courier/transport/kafka"
	memtransport "github.com/xraph/courier/transport/memory"
	redistransport "github.com/xraph/courier/transport/redis"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "courier: load .env: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(os.Getenv("COURIER_LOG_FORMAT"), os.Getenv("COURIER_LOG_LEVEL"))

	if err := run(logger); err != nil {
		logger.Error("courier exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// backends holds everything run must release on exit.
type backends struct {
	store     courier.Storer
	transport transport.Transport
	artifacts artifact.Store
	resolver  api.ArtifactResolver
	closers   []func() error
}

func (b *backends) close(logger *slog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("close backend", slog.String("error", err.Error()))
		}
	}
}

func openBackends(ctx context.Context, logger *slog.Logger, addr string) (*backends, error) {
	b := &backends{}

	var rdb goredis.UniversalClient
	redisClient := func() (goredis.UniversalClient, error) {
		if rdb != nil {
			return rdb, nil
		}
		opts, err := goredis.ParseURL(env("COURIER_REDIS_URL", "redis://localhost:6379/0"))
		if err != nil {
			return nil, fmt.Errorf("parse COURIER_REDIS_URL: %w", err)
		}
		rdb = goredis.NewClient(opts)
		b.closers = append(b.closers, rdb.Close)
		return rdb, nil
	}

	switch kind := env("COURIER_STORE", "memory"); kind {
	case "memory":
		b.store = memory.New()
	case "redis":
		client, err := redisClient()
		if err != nil {
			return nil, err
		}
		b.store = redisstore.New(client,
			redisstore.WithLogger(logger),
			redisstore.WithPrefix(env("COURIER_REDIS_PREFIX", "courier")),
		)
	case "sqlite":
		s, err := sqlite.Open(ctx, env("COURIER_SQLITE_DSN", "file:courier.db"), sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.store = s
		b.closers = append(b.closers, s.Close)
	case "postgres":
		s, err := postgres.New(ctx, env("COURIER_POSTGRES_URL", "postgres://localhost:5432/courier?sslmode=disable"),
			postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			b.close(logger)
			return nil, err
		}
		b.store = s
	default:
		return nil, fmt.Errorf("unknown COURIER_STORE %q", kind)
	}

	codec, err := transport.ParseCodec(os.Getenv("COURIER_TRANSPORT_CODEC"))
	if err != nil {
		return nil, err
	}
	switch kind := env("COURIER_TRANSPORT", "memory"); kind {
	case "memory":
		b.transport = memtransport.New()
	case "redis":
		client, err := redisClient()
		if err != nil {
			return nil, err
		}
		b.transport = redistransport.New(client,
			redistransport.WithLogger(logger),
			redistransport.WithPrefix(env("COURIER_REDIS_PREFIX", "courier")),
			redistransport.WithCodec(codec),
		)
	case "kafka":
		t, err := kafkatransport.New(kafkatransport.ConfigFromCSV(
			env("COURIER_KAFKA_BROKERS", "localhost:9092"),
			env("COURIER_KAFKA_TOPIC", "courier.items"),
			env("COURIER_KAFKA_GROUP", "courier"),
		), kafkatransport.WithLogger(logger), kafkatransport.WithCodec(codec))
		if err != nil {
			return nil, err
		}
		b.transport = t
	default:
		return nil, fmt.Errorf("unknown COURIER_TRANSPORT %q", kind)
	}

	switch kind := env("COURIER_ARTIFACTS", "memory"); kind {
	case "memory":
		baseURL := env("COURIER_PUBLIC_URL", "http://"+addr) + "/v1/download/artifacts"
		arts := artmemory.New(artmemory.WithBaseURL(baseURL))
		b.artifacts = arts
		b.resolver = arts
	case "s3":
		client, err := arts3.NewClient(ctx, arts3.ClientConfig{
			Region:   env("COURIER_S3_REGION", "us-east-1"),
			Endpoint: os.Getenv("COURIER_S3_ENDPOINT"),
		})
		if err != nil {
			return nil, err
		}
		bucket := os.Getenv("COURIER_S3_BUCKET")
		if bucket == "" {
			return nil, errors.New("COURIER_S3_BUCKET is required for s3 artifacts")
		}
		b.artifacts = arts3.New(client, bucket, arts3.WithPrefix(os.Getenv("COURIER_S3_PREFIX")))
	default:
		return nil, fmt.Errorf("unknown COURIER_ARTIFACTS %q", kind)
	}

	return b, nil
}

func run(logger *slog.Logger) error {
	cfg, err := courier.ConfigFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	addr := env("COURIER_HTTP_ADDR", ":8080")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b, err := openBackends(ctx, logger, hostPort(addr))
	if err != nil {
		return err
	}

	c, err := courier.New(
		courier.WithConfig(cfg),
		courier.WithLogger(logger),
		courier.WithStore(b.store),
	)
	if err != nil {
		return err
	}
	engOpts := []engine.Option{
		engine.WithTransport(b.transport),
		engine.WithArtifactStore(b.artifacts),
		engine.WithExtension(audithook.New(audithook.NewSlogRecorder(logger),
			audithook.WithLogger(logger),
			audithook.WithMinSeverity(env("COURIER_AUDIT_MIN_SEVERITY", audithook.SeverityInfo)),
		)),
		engine.WithFatalHandler(func(err error) {
			logger.Error("fatal backend error", slog.String("error", err.Error()))
			cancel(err)
		}),
	}
	// Without an upstream the engine simulates downloads.
	if upstream := os.Getenv("COURIER_UPSTREAM_URL"); upstream != "" {
		engOpts = append(engOpts, engine.WithProcessor(processor.NewArtifact(
			processor.HTTPSource{BaseURL: upstream, Client: &http.Client{}},
			b.artifacts,
			processor.WithTimeout(cfg.AttemptTimeout),
			processor.WithLogger(logger),
		)))
	}
	eng, err := engine.Build(c, engOpts...)
	if err != nil {
		_ = b.store.Close()
		b.close(logger)
		return err
	}

	apiOpts := []api.Option{api.WithLogger(logger)}
	if b.resolver != nil {
		apiOpts = append(apiOpts, api.WithArtifactResolver(b.resolver))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(eng, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		return err
	}
	logger.Info("courier started",
		slog.String("addr", addr),
		slog.String("store", env("COURIER_STORE", "memory")),
		slog.String("transport", env("COURIER_TRANSPORT", "memory")),
		slog.String("artifacts", env("COURIER_ARTIFACTS", "memory")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		// The engine stops first so open SSE streams end before the
		// server waits for in-flight requests.
		var errs []error
		if err := eng.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine stop: %w", err))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		b.close(logger)
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// hostPort turns a listen address into one a client can dial.
func hostPort(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
