package job

// Options configures a job at creation time.
type Options struct {
	// ClientReference is an opaque string echoed back to the client.
	ClientReference string

	// IdempotencyKey deduplicates create requests.
	IdempotencyKey string

	// MaxAttempts is the per-item attempt budget.
	MaxAttempts int

	// FailureThreshold is the number of failed items that fails the job.
	// Zero allows partial failure.
	FailureThreshold int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		FailureThreshold: 1,
	}
}

// Option is a functional option for a new job.
type Option func(*Options)

// WithClientReference sets the client reference.
func WithClientReference(ref string) Option {
	return func(o *Options) {
		o.ClientReference = ref
	}
}

// WithIdempotencyKey sets the idempotency key.
func WithIdempotencyKey(key string) Option {
	return func(o *Options) {
		o.IdempotencyKey = key
	}
}

// WithMaxAttempts sets the per-item attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithFailureThreshold sets the job failure threshold.
func WithFailureThreshold(n int) Option {
	return func(o *Options) {
		o.FailureThreshold = n
	}
}
