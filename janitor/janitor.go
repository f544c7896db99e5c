// Package janitor runs periodic maintenance on cron schedules. It expires
// finished jobs past their retention, reclaims attempts orphaned by a
// crashed process, sweeps expired idempotency keys and purges old dead
// letter entries.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

// Emitter receives the events produced by expiring jobs.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitEvents(ctx context.Context, events ...job.Event)
}

// Reclaimer settles work abandoned by a crashed process and returns how
// many tasks it handed out again.
type Reclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}

// Default schedules.
const (
	DefaultReclaimSchedule = "@every 2m"
	DefaultExpirySchedule  = "@every 1m"
	DefaultSweepSchedule   = "@every 10m"
	DefaultPurgeSchedule   = "@every 1h"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithRetention sets how long completed and failed jobs stay
// downloadable. Zero disables expiry.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) { j.retention = d }
}

// WithDLQRetention sets how long dead letter entries are kept. Zero
// disables purging.
func WithDLQRetention(d time.Duration) Option {
	return func(j *Janitor) { j.dlqRetention = d }
}

// WithExpirySchedule sets the cron expression for job expiry.
func WithExpirySchedule(expr string) Option {
	return func(j *Janitor) { j.expirySchedule = expr }
}

// WithSweepSchedule sets the cron expression for the idempotency sweep.
func WithSweepSchedule(expr string) Option {
	return func(j *Janitor) { j.sweepSchedule = expr }
}

// WithPurgeSchedule sets the cron expression for the DLQ purge.
func WithPurgeSchedule(expr string) Option {
	return func(j *Janitor) { j.purgeSchedule = expr }
}

// WithReclaimer schedules r on expr. A nil r disables reclaiming.
func WithReclaimer(r Reclaimer, expr string) Option {
	return func(j *Janitor) {
		j.reclaimer = r
		if expr != "" {
			j.reclaimSchedule = expr
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// WithBatchSize sets how many jobs one expiry run examines.
func WithBatchSize(n int) Option {
	return func(j *Janitor) { j.batchSize = n }
}

// Janitor schedules maintenance runs with robfig/cron.
type Janitor struct {
	jobs      job.Store
	idem      *idempotency.Cache
	dlq       *dlq.Service
	emitter   Emitter
	reclaimer Reclaimer
	logger    *slog.Logger
	now       func() time.Time

	retention    time.Duration
	dlqRetention time.Duration
	batchSize    int

	reclaimSchedule string
	expirySchedule  string
	sweepSchedule   string
	purgeSchedule   string

	cron *cronlib.Cron
}

// New creates a Janitor. Any of idem, dlqSvc and emitter may be nil to
// skip the corresponding work.
func New(jobs job.Store, idem *idempotency.Cache, dlqSvc *dlq.Service, emitter Emitter, logger *slog.Logger, opts ...Option) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		jobs:            jobs,
		idem:            idem,
		dlq:             dlqSvc,
		emitter:         emitter,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		retention:       72 * time.Hour,
		batchSize:       500,
		reclaimSchedule: DefaultReclaimSchedule,
		expirySchedule:  DefaultExpirySchedule,
		sweepSchedule:   DefaultSweepSchedule,
		purgeSchedule:   DefaultPurgeSchedule,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start registers the schedules and starts the cron runner.
func (j *Janitor) Start(_ context.Context) error {
	c := cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))

	entries := []struct {
		name string
		expr string
		run  func(context.Context) error
		on   bool
	}{
		{"reclaim_orphans", j.reclaimSchedule, j.runReclaim, j.reclaimer != nil},
		{"expire_jobs", j.expirySchedule, j.runExpiry, j.retention > 0},
		{"sweep_idempotency", j.sweepSchedule, j.runSweep, j.idem != nil},
		{"purge_dlq", j.purgeSchedule, j.runPurge, j.dlq != nil && j.dlqRetention > 0},
	}
	for _, e := range entries {
		if !e.on {
			continue
		}
		run, name := e.run, e.name
		if _, err := c.AddFunc(e.expr, func() { j.safeRun(name, run) }); err != nil {
			return fmt.Errorf("courier/janitor: schedule %s %q: %w", name, e.expr, err)
		}
	}

	j.cron = c
	c.Start()
	j.logger.Info("janitor started",
		slog.Duration("retention", j.retention),
		slog.Duration("dlq_retention", j.dlqRetention),
	)
	return nil
}

// Stop stops the cron runner and waits for running jobs until ctx ends.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) safeRun(name string, run func(context.Context) error) {
	start := time.Now()
	if err := run(context.Background()); err != nil {
		j.logger.Error("janitor run failed",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
		return
	}
	j.logger.Debug("janitor run finished",
		slog.String("task", name),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (j *Janitor) runReclaim(ctx context.Context) error {
	_, err := j.reclaimer.Reclaim(ctx)
	return err
}

func (j *Janitor) runExpiry(ctx context.Context) error {
	_, err := j.ExpireJobs(ctx)
	return err
}

func (j *Janitor) runSweep(ctx context.Context) error {
	_, err := j.SweepIdempotency(ctx)
	return err
}

func (j *Janitor) runPurge(ctx context.Context) error {
	_, err := j.PurgeDLQ(ctx)
	return err
}

// ExpireJobs marks completed and failed jobs that finished more than the
// retention ago as expired and returns how many were expired.
func (j *Janitor) ExpireJobs(ctx context.Context) (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	jobs, err := j.jobs.ListJobs(ctx, job.ListOpts{
		Limit:          j.batchSize,
		Statuses:       []job.Status{job.StatusCompleted, job.StatusFailed},
		FinishedBefore: j.now().Add(-j.retention),
	})
	if err != nil {
		return 0, fmt.Errorf("courier/janitor: list finished jobs: %w", err)
	}

	expired := 0
	for _, jb := range jobs {
		_, evs, err := j.jobs.ExpireJob(ctx, jb.ID)
		if err != nil {
			j.logger.Warn("expire job failed",
				slog.String("job_id", jb.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if j.emitter != nil {
			j.emitter.EmitEvents(ctx, evs...)
		}
		expired++
	}
	if expired > 0 {
		j.logger.Info("expired jobs", slog.Int("count", expired))
	}
	return expired, nil
}

// SweepIdempotency removes expired idempotency keys.
func (j *Janitor) SweepIdempotency(ctx context.Context) (int, error) {
	if j.idem == nil {
		return 0, nil
	}
	n, err := j.idem.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("courier/janitor: %w", err)
	}
	if n > 0 {
		j.logger.Info("swept idempotency keys", slog.Int("count", n))
	}
	return n, nil
}

// PurgeDLQ removes dead letter entries older than the DLQ retention.
func (j *Janitor) PurgeDLQ(ctx context.Context) (int64, error) {
	if j.dlq == nil || j.dlqRetention <= 0 {
		return 0, nil
	}
	n, err := j.dlq.Purge(ctx, j.dlqRetention)
	if err != nil {
		return 0, fmt.Errorf("courier/janitor: purge dlq: %w", err)
	}
	if n > 0 {
		j.logger.Info("purged dlq entries", slog.Int64("count", n))
	}
	return n, nil
}
