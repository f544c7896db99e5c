package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier"
	"github.com/xraph/courier/artifact"
	artmemory "github.com/xraph/courier/artifact/memory"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/janitor"
	"github.com/xraph/courier/job"
	mw "github.com/xraph/courier/middleware"
	"github.com/xraph/courier/observability"
	"github.com/xraph/courier/processor"
	"github.com/xraph/courier/queue"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/stream"
	"github.com/xraph/courier/transport"
	memtransport "github.com/xraph/courier/transport/memory"
	"github.com/xraph/courier/worker"
)

// Engine wraps a Courier with typed subsystem access.
// Use Build() to create one from a Courier.
type Engine struct {
	c          *courier.Courier
	config     courier.Config
	store      store.Store
	extensions *ext.Registry
	idem       *idempotency.Cache
	dlqService *dlq.Service
	broker     *stream.Broker
	admission  *queue.Manager
	transport  transport.Transport
	processor  processor.Processor
	artifacts  artifact.Store
	bo         backoff.Strategy
	pool       *worker.Pool
	janitor    *janitor.Janitor
	mws        []mw.Middleware
	userExts   []ext.Extension
	logger     *slog.Logger

	fatal       func(error)
	janitorOpts []janitor.Option
	brokerOpts  []stream.BrokerOption

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.userExts = append(eng.userExts, e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy. If not set, the strategy
// is built from the courier config.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTransport sets the task transport. Defaults to an in-process
// transport.
func WithTransport(t transport.Transport) Option {
	return func(eng *Engine) { eng.transport = t }
}

// WithArtifactStore sets where artifacts are stored and signed. Defaults
// to an in-memory store.
func WithArtifactStore(s artifact.Store) Option {
	return func(eng *Engine) { eng.artifacts = s }
}

// WithProcessor sets the item processor. Defaults to an Artifact
// processor over a simulated source writing to the artifact store.
func WithProcessor(p processor.Processor) Option {
	return func(eng *Engine) { eng.processor = p }
}

// WithFatalHandler sets the function called when the store or transport
// fails unrecoverably while processing.
func WithFatalHandler(fn func(error)) Option {
	return func(eng *Engine) { eng.fatal = fn }
}

// WithJanitorOptions passes options to the maintenance janitor.
func WithJanitorOptions(opts ...janitor.Option) Option {
	return func(eng *Engine) { eng.janitorOpts = append(eng.janitorOpts, opts...) }
}

// WithBrokerOptions passes options to the progress broker.
func WithBrokerOptions(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) { eng.brokerOpts = append(eng.brokerOpts, opts...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine from an existing Courier.
// The Courier's store must implement store.Store.
func Build(c *courier.Courier, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	if c.Store() == nil {
		return nil, courier.ErrNoStore
	}
	s, ok := c.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("courier: store does not implement store.Store")
	}
	cfg := c.Config()

	eng := &Engine{
		c:          c,
		config:     cfg,
		store:      s,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// The broker observes events before user extensions.
	eng.broker = stream.NewBroker(s, logger, eng.brokerOpts...)
	eng.extensions.Register(eng.broker)
	for _, e := range eng.userExts {
		eng.extensions.Register(e)
	}

	if eng.bo == nil {
		eng.bo = backoff.New(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffJitter)
	}
	if eng.transport == nil {
		eng.transport = memtransport.New()
	}
	if eng.artifacts == nil {
		eng.artifacts = artmemory.New()
	}
	if eng.processor == nil {
		eng.processor = processor.NewArtifact(
			processor.Simulated{MinDelay: 10 * time.Second, MaxDelay: 120 * time.Second},
			eng.artifacts,
			processor.WithTimeout(cfg.AttemptTimeout),
			processor.WithLogger(logger),
		)
	}

	eng.idem = idempotency.NewCache(s, cfg.IdempotencyTTL, idempotency.WithLogger(logger))
	eng.dlqService = dlq.NewService(s)

	// Per-job ceiling and dispatch rate.
	eng.admission = queue.NewManager(queue.Config{
		MaxPerJob: cfg.PerJobConcurrency,
		RateLimit: cfg.DispatchRate,
		RateBurst: cfg.DispatchBurst,
	})
	eng.extensions.Register(&admissionReleaser{m: eng.admission})

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/courier"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/courier"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/xraph/courier/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(s, eng.transport, eng.processor, eng.dlqService,
		eng.extensions, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithAdmission(eng.admission, cfg.AdmissionRetryDelay),
	}
	if eng.fatal != nil {
		poolOpts = append(poolOpts, worker.WithFatalHandler(eng.fatal))
	}
	eng.pool = worker.NewPool(eng.transport, executor, logger, poolOpts...)

	janitorOpts := []janitor.Option{
		janitor.WithRetention(cfg.ArtifactRetention),
		janitor.WithDLQRetention(cfg.DLQRetention),
	}
	if every := reclaimInterval(cfg); every > 0 {
		janitorOpts = append(janitorOpts, janitor.WithReclaimer(eng, "@every "+every.String()))
	}
	janitorOpts = append(janitorOpts, eng.janitorOpts...)
	eng.janitor = janitor.New(s, eng.idem, eng.dlqService, eng.extensions, logger, janitorOpts...)

	// Wire back into the Courier.
	c.SetPool(eng.pool)
	c.SetExtensions(eng.extensions)

	return eng, nil
}

func reclaimInterval(cfg courier.Config) time.Duration {
	if cfg.ReclaimInterval != 0 {
		return cfg.ReclaimInterval
	}
	return cfg.AttemptTimeout
}

// CreateRequest describes a new bulk download job.
type CreateRequest struct {
	// FileIDs are the files to produce, in submission order.
	FileIDs []int64

	// IdempotencyKey deduplicates retried create requests.
	IdempotencyKey string

	// ClientReference is echoed back on the job.
	ClientReference string

	// MaxConcurrency caps how many items of this job run at once,
	// overriding the configured per-job ceiling. Zero keeps the default.
	MaxConcurrency int
}

// CreateJob validates req, persists a queued job with its items and hands
// the first attempt of every item to the transport. The boolean is false
// when an unexpired idempotency key matched an existing job, which is
// returned unchanged after its undispatched items are enqueued again.
func (eng *Engine) CreateJob(ctx context.Context, req CreateRequest) (*job.Job, bool, error) {
	if err := job.Validate(req.FileIDs, eng.config.MaxBatch); err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		rec, err := eng.idem.Lookup(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("courier/engine: %w", err)
		}
		if rec != nil {
			existing, err := eng.replay(ctx, rec.JobID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	j, items := job.New(req.FileIDs, time.Now().UTC(),
		job.WithClientReference(req.ClientReference),
		job.WithIdempotencyKey(req.IdempotencyKey),
		job.WithMaxAttempts(eng.config.MaxAttempts),
		job.WithFailureThreshold(eng.config.FailureThreshold),
	)

	var rec *idempotency.Record
	if req.IdempotencyKey != "" {
		rec = eng.idem.NewRecord(req.IdempotencyKey, j.ID)
	}

	if err := eng.store.CreateJob(ctx, j, items, rec); err != nil {
		// Lost a race with a concurrent create bearing the same key.
		var conflict *idempotency.ConflictError
		if errors.As(err, &conflict) {
			existing, getErr := eng.store.GetJob(ctx, conflict.JobID)
			if getErr != nil {
				return nil, false, fmt.Errorf("courier/engine: load deduplicated job: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("courier/engine: create job: %w", err)
	}

	if req.MaxConcurrency > 0 {
		eng.admission.SetJobLimit(j.ID, req.MaxConcurrency)
	}
	eng.extensions.EmitJobCreated(ctx, j)

	if err := eng.dispatch(ctx, j.ID, items); err != nil {
		// Without a key the caller cannot come back for this job, so it is
		// settled instead of left with undispatched items. With a key, the
		// retried create hands the missing items out again.
		if req.IdempotencyKey == "" {
			if _, cancelErr := eng.Cancel(ctx, j.ID); cancelErr != nil {
				err = errors.Join(err, cancelErr)
			}
		}
		return nil, false, err
	}

	eng.logger.Info("job created",
		slog.String("job_id", j.ID.String()),
		slog.Int("items", len(items)),
		slog.String("client_reference", j.ClientReference),
	)
	return j, true, nil
}

// dispatch enqueues the first attempt of every item that never started.
// It keeps going past a failed enqueue and returns the joined errors.
func (eng *Engine) dispatch(ctx context.Context, jobID id.JobID, items []*job.Item) error {
	var errs []error
	for _, it := range items {
		if it.Status != job.ItemQueued || it.Attempt != 0 {
			continue
		}
		t := transport.Task{JobID: jobID, FileID: it.FileID, Attempt: 1}
		if err := eng.transport.Enqueue(ctx, t, 0); err != nil {
			errs = append(errs, fmt.Errorf("courier/engine: enqueue %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// replay returns the job an idempotency key maps to. Items of an active
// job that never started are dispatched again, so a create that failed
// part way through enqueueing is completed by its retry; duplicates are
// dropped by the attempt guard.
func (eng *Engine) replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	snap, err := eng.store.GetSnapshot(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("courier/engine: load deduplicated job: %w", err)
	}
	if snap.Job.Status.Terminal() || snap.Job.CancelRequested {
		return snap.Job, nil
	}
	if err := eng.dispatch(ctx, jobID, snap.Items); err != nil {
		return nil, err
	}
	return snap.Job, nil
}

// GetStatus returns the job with its items in submission order.
func (eng *Engine) GetStatus(ctx context.Context, jobID id.JobID) (*job.Snapshot, error) {
	return eng.store.GetSnapshot(ctx, jobID)
}

// GetItem returns one item of a job.
func (eng *Engine) GetItem(ctx context.Context, jobID id.JobID, fileID int64) (*job.Item, error) {
	return eng.store.GetItem(ctx, jobID, fileID)
}

// Cancel requests cancellation. Queued items are canceled at once,
// processing items finish their attempt and the job ends canceled once
// nothing is in flight. Canceling again, or canceling a finished job, is
// a no-op returning the current job.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, evs, err := eng.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitEvents(ctx, evs...)
	if len(evs) > 0 {
		eng.logger.Info("job cancel requested",
			slog.String("job_id", jobID.String()),
			slog.String("status", string(j.Status)),
		)
	}
	return j, nil
}

// Subscribe streams the job's events starting at sequence fromSeq (0 or
// 1 for the whole log). The subscription ends after the terminal job
// event or when ctx is done.
func (eng *Engine) Subscribe(ctx context.Context, jobID id.JobID, fromSeq int64) (*stream.Subscription, error) {
	if _, err := eng.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return eng.broker.Subscribe(ctx, jobID, fromSeq)
}

// DownloadURL returns a signed, time-limited URL for a completed item.
// It fails with courier.ErrJobExpired once the job expired and with
// courier.ErrItemNotReady while the item is not completed.
func (eng *Engine) DownloadURL(ctx context.Context, jobID id.JobID, fileID int64) (string, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.Status == job.StatusExpired {
		return "", courier.ErrJobExpired
	}
	it, err := eng.store.GetItem(ctx, jobID, fileID)
	if err != nil {
		return "", err
	}
	if it.Status != job.ItemCompleted {
		return "", courier.ErrItemNotReady
	}
	url, err := eng.artifacts.Sign(ctx, it.ArtifactKey, eng.config.ArtifactURLTTL)
	if err != nil {
		return "", fmt.Errorf("courier/engine: sign %s: %w", it.ArtifactKey, err)
	}
	return url, nil
}

// Stats summarizes the engine's runtime state.
type Stats struct {
	Stream   stream.BrokerStats `json:"stream"`
	DLQCount int64              `json:"dlq_count"`
}

// Stats returns broker statistics and the dead letter count.
func (eng *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := eng.dlqService.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stream: eng.broker.Stats(), DLQCount: n}, nil
}

// Ping checks store connectivity.
func (eng *Engine) Ping(ctx context.Context) error { return eng.store.Ping(ctx) }

// Start recovers unfinished work when configured, then starts the
// janitor and the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.config.RecoverOnStart {
		if _, err := eng.Recover(ctx); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}
	if err := eng.janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	return eng.c.Start(ctx)
}

// Stop gracefully shuts down the engine: the janitor and pool stop,
// extensions are notified, then the transport and store close.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.janitor.Stop(ctx); err != nil {
		eng.logger.Error("janitor stop error", slog.String("error", err.Error()))
	}
	err := eng.c.Stop(ctx)
	if closeErr := eng.transport.Close(); closeErr != nil {
		eng.logger.Error("transport close error", slog.String("error", closeErr.Error()))
	}
	return err
}

// Courier returns the underlying Courier.
func (eng *Engine) Courier() *courier.Courier { return eng.c }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// DLQ returns the dead letter service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Broker returns the progress broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Transport returns the task transport.
func (eng *Engine) Transport() transport.Transport { return eng.transport }

// Janitor returns the maintenance janitor.
func (eng *Engine) Janitor() *janitor.Janitor { return eng.janitor }

// admissionReleaser drops per-job admission state once a job finishes.
type admissionReleaser struct {
	m *queue.Manager
}

func (a *admissionReleaser) Name() string { return "admission-releaser" }

func (a *admissionReleaser) OnJobFinished(_ context.Context, e job.Event) error {
	a.m.Forget(e.JobID)
	return nil
}
