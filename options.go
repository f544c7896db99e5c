package courier

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Courier.
type Option func(*Courier) error

// Storer is the minimal store interface held by the Courier. It covers
// lifecycle operations only; the composite store.Store is used by the
// layers above that would otherwise import-cycle with this package.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Courier holds the configuration, logger and store shared by every
// subsystem. Create one with New and hand it to engine.Build, which wires
// the worker pool and extensions back in.
type Courier struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	started bool
}

// New creates a Courier with the given options.
func New(opts ...Option) (*Courier, error) {
	c := &Courier{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Logger returns the courier's logger.
func (c *Courier) Logger() *slog.Logger { return c.logger }

// Store returns the courier's store.
func (c *Courier) Store() Storer { return c.store }

// Config returns a copy of the courier's configuration.
func (c *Courier) Config() Config { return c.config }

// SetPool sets the worker pool (called by engine.Build).
func (c *Courier) SetPool(p poolRunner) { c.pool = p }

// SetExtensions sets the extension emitter (called by engine.Build).
func (c *Courier) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start begins item processing.
func (c *Courier) Start(ctx context.Context) error {
	if c.pool == nil {
		return ErrNoStore
	}
	if err := c.pool.Start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop drains the worker pool, notifies extensions and closes the store.
func (c *Courier) Stop(ctx context.Context) error {
	if c.pool != nil && c.started {
		if err := c.pool.Stop(ctx); err != nil {
			c.logger.Error("pool stop error", slog.String("error", err.Error()))
		}
		c.started = false
	}
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Courier) error {
		c.config = cfg
		return nil
	}
}

// WithConcurrency sets the global number of concurrent item processors.
func WithConcurrency(n int) Option {
	return func(c *Courier) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithPerJobConcurrency caps concurrent items per job.
func WithPerJobConcurrency(n int) Option {
	return func(c *Courier) error {
		c.config.PerJobConcurrency = n
		return nil
	}
}

// WithMaxAttempts sets the per-item attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Courier) error {
		c.config.MaxAttempts = n
		return nil
	}
}

// WithMaxBatch sets the largest accepted batch.
func WithMaxBatch(n int) Option {
	return func(c *Courier) error {
		c.config.MaxBatch = n
		return nil
	}
}

// WithFailureThreshold sets how many failed items fail the job.
// Zero allows partial failure.
func WithFailureThreshold(n int) Option {
	return func(c *Courier) error {
		c.config.FailureThreshold = n
		return nil
	}
}

// WithAttemptTimeout bounds a single processing attempt. Processing
// attempts untouched for twice this long are reclaimed as orphans.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Courier) error {
		c.config.AttemptTimeout = d
		return nil
	}
}

// WithReclaimInterval sets how often orphaned attempts are reclaimed.
// Negative disables the schedule.
func WithReclaimInterval(d time.Duration) Option {
	return func(c *Courier) error {
		c.config.ReclaimInterval = d
		return nil
	}
}

// WithRecoverOnStart toggles the startup pass that re-enqueues the work
// of unfinished jobs.
func WithRecoverOnStart(on bool) Option {
	return func(c *Courier) error {
		c.config.RecoverOnStart = on
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Courier) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. It must implement Storer at
// minimum; engine.Build requires the full store.Store.
func WithStore(s Storer) Option {
	return func(c *Courier) error {
		c.store = s
		return nil
	}
}
