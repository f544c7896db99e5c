package courier

import (
	"fmt"
	"strconv"
	"time"
)

// Config holds configuration for a Courier instance.
type Config struct {
	// Concurrency is the number of items processed at once across all jobs.
	Concurrency int

	// PerJobConcurrency caps how many items of a single job run at once.
	// Zero means no per-job ceiling.
	PerJobConcurrency int

	// DispatchRate limits how many item attempts start per second across
	// the pool. Zero disables rate limiting. DispatchBurst defaults to 1.
	DispatchRate  float64
	DispatchBurst int

	// MaxBatch is the largest number of file IDs accepted in one job.
	MaxBatch int

	// MaxAttempts is the total number of processing attempts per item,
	// including the first.
	MaxAttempts int

	// FailureThreshold is the number of failed items that makes the whole
	// job fail once every item is terminal. Zero allows partial failure:
	// the job completes and failed items are reported individually.
	FailureThreshold int

	// BackoffBase, BackoffCap and BackoffJitter shape the retry delay
	// base*2^(attempt-1), capped, with +/- jitter.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	// AttemptTimeout bounds a single processing attempt.
	AttemptTimeout time.Duration

	// ReclaimInterval is how often attempts orphaned by a crashed process
	// are reclaimed while running. Zero uses AttemptTimeout; a negative
	// value disables reclaiming.
	ReclaimInterval time.Duration

	// IdempotencyTTL is how long an Idempotency-Key maps to its job.
	IdempotencyTTL time.Duration

	// ArtifactURLTTL is the lifetime of signed download URLs.
	ArtifactURLTTL time.Duration

	// ArtifactRetention is how long a finished job stays downloadable
	// before the janitor marks it expired.
	ArtifactRetention time.Duration

	// DLQRetention is how long dead letter entries are kept. Zero keeps
	// them forever.
	DLQRetention time.Duration

	// AdmissionRetryDelay is the delay before a task refused by the
	// per-job ceiling is offered again.
	AdmissionRetryDelay time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// RecoverOnStart re-enqueues queued items of active jobs at startup.
	RecoverOnStart bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         10,
		PerJobConcurrency:   0,
		MaxBatch:            1000,
		MaxAttempts:         5,
		FailureThreshold:    1,
		BackoffBase:         2 * time.Second,
		BackoffCap:          30 * time.Second,
		BackoffJitter:       0.2,
		AttemptTimeout:      150 * time.Second,
		IdempotencyTTL:      24 * time.Hour,
		ArtifactURLTTL:      15 * time.Minute,
		ArtifactRetention:   72 * time.Hour,
		DLQRetention:        7 * 24 * time.Hour,
		AdmissionRetryDelay: 250 * time.Millisecond,
		ShutdownTimeout:     30 * time.Second,
		RecoverOnStart:      true,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("courier: concurrency must be positive, got %d", c.Concurrency)
	case c.PerJobConcurrency < 0:
		return fmt.Errorf("courier: per-job concurrency must not be negative, got %d", c.PerJobConcurrency)
	case c.DispatchRate < 0:
		return fmt.Errorf("courier: dispatch rate must not be negative, got %v", c.DispatchRate)
	case c.MaxBatch < 1:
		return fmt.Errorf("courier: max batch must be positive, got %d", c.MaxBatch)
	case c.MaxAttempts < 1:
		return fmt.Errorf("courier: max attempts must be positive, got %d", c.MaxAttempts)
	case c.FailureThreshold < 0:
		return fmt.Errorf("courier: failure threshold must not be negative, got %d", c.FailureThreshold)
	case c.BackoffJitter < 0 || c.BackoffJitter >= 1:
		return fmt.Errorf("courier: backoff jitter must be in [0,1), got %v", c.BackoffJitter)
	case c.AttemptTimeout <= 0:
		return fmt.Errorf("courier: attempt timeout must be positive, got %v", c.AttemptTimeout)
	}
	return nil
}

// ConfigFromEnv overlays COURIER_* variables read through getenv onto
// DefaultConfig. Unset variables keep their defaults.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	c := DefaultConfig()

	ints := []struct {
		key string
		dst *int
	}{
		{"COURIER_CONCURRENCY", &c.Concurrency},
		{"COURIER_PER_JOB_CONCURRENCY", &c.PerJobConcurrency},
		{"COURIER_DISPATCH_BURST", &c.DispatchBurst},
		{"COURIER_MAX_BATCH", &c.MaxBatch},
		{"COURIER_MAX_ATTEMPTS", &c.MaxAttempts},
		{"COURIER_FAILURE_THRESHOLD", &c.FailureThreshold},
	}
	for _, v := range ints {
		raw := getenv(v.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("courier: parse %s: %w", v.key, err)
		}
		*v.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"COURIER_BACKOFF_BASE", &c.BackoffBase},
		{"COURIER_BACKOFF_CAP", &c.BackoffCap},
		{"COURIER_ATTEMPT_TIMEOUT", &c.AttemptTimeout},
		{"COURIER_RECLAIM_INTERVAL", &c.ReclaimInterval},
		{"COURIER_IDEMPOTENCY_TTL", &c.IdempotencyTTL},
		{"COURIER_ARTIFACT_URL_TTL", &c.ArtifactURLTTL},
		{"COURIER_ARTIFACT_RETENTION", &c.ArtifactRetention},
		{"COURIER_DLQ_RETENTION", &c.DLQRetention},
		{"COURIER_ADMISSION_RETRY_DELAY", &c.AdmissionRetryDelay},
		{"COURIER_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, v := range durations {
		raw := getenv(v.key)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("courier: parse %s: %w", v.key, err)
		}
		*v.dst = d
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"COURIER_BACKOFF_JITTER", &c.BackoffJitter},
		{"COURIER_DISPATCH_RATE", &c.DispatchRate},
	}
	for _, v := range floats {
		raw := getenv(v.key)
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("courier: parse %s: %w", v.key, err)
		}
		*v.dst = f
	}
	if raw := getenv("COURIER_RECOVER_ON_START"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("courier: parse COURIER_RECOVER_ON_START: %w", err)
		}
		c.RecoverOnStart = b
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
