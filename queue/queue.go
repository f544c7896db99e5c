package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/courier/id"
)

// Config defines admission limits.
type Config struct {
	// MaxPerJob limits how many items of one job may run simultaneously
	// in the local worker pool. Zero means no per-job limit (pool-wide
	// concurrency still applies).
	MaxPerJob int

	// RateLimit is the maximum sustained attempts per second admitted
	// across all jobs. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// Manager gates item attempts by per-job concurrency and a shared rate.
// It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	config    Config
	limiter   *rate.Limiter
	active    map[string]int
	overrides map[string]int
}

// NewManager creates a Manager with the given limits.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		config:    cfg,
		active:    make(map[string]int),
		overrides: make(map[string]int),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return m
}

// Acquire reports whether an attempt for jobID may start now. On true the
// job's active count is incremented and the caller MUST call Release when
// the attempt ends.
func (m *Manager) Acquire(jobID id.JobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.limitLocked(jobID)
	if limit > 0 && m.active[jobID.String()] >= limit {
		return false
	}
	// Check the rate last so a refusal by the ceiling does not spend a token.
	if m.limiter != nil && !m.limiter.Allow() {
		return false
	}
	m.active[jobID.String()]++
	return true
}

// Release decrements the active count for jobID.
func (m *Manager) Release(jobID id.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch n := m.active[jobID.String()]; {
	case n > 1:
		m.active[jobID.String()] = n - 1
	case n == 1:
		delete(m.active, jobID.String())
	}
}

// SetJobLimit overrides MaxPerJob for one job. A limit of zero removes
// the override.
func (m *Manager) SetJobLimit(jobID id.JobID, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.overrides, jobID.String())
		return
	}
	m.overrides[jobID.String()] = limit
}

// Forget drops any override for a finished job.
func (m *Manager) Forget(jobID id.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, jobID.String())
}

// ActiveCount returns the current number of running attempts for a job.
func (m *Manager) ActiveCount(jobID id.JobID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[jobID.String()]
}

func (m *Manager) limitLocked(jobID id.JobID) int {
	if n, ok := m.overrides[jobID.String()]; ok {
		return n
	}
	return m.config.MaxPerJob
}
