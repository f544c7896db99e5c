package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/transport"
)

// Admission decides whether a dequeued task of a job may run now. The
// pool calls Acquire before executing a task and Release after.
type Admission interface {
	// Acquire reports whether the job may start another attempt.
	Acquire(jobID id.JobID) bool
	// Release returns the slot taken by a successful Acquire.
	Release(jobID id.JobID)
}

// Pool manages a fixed set of worker goroutines that dequeue tasks from
// the transport and execute them through the Executor.
type Pool struct {
	transport   transport.Transport
	executor    *Executor
	concurrency int
	workerID    id.WorkerID
	logger      *slog.Logger

	// Admission control (optional).
	admission           Admission
	admissionRetryDelay time.Duration

	errorBackoff time.Duration
	fatal        func(error)

	stopCh     chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeMu   sync.Mutex
	active     map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithAdmission sets the admission controller and the delay before a
// refused task is offered again.
func WithAdmission(a Admission, retryDelay time.Duration) PoolOption {
	return func(p *Pool) {
		p.admission = a
		p.admissionRetryDelay = retryDelay
	}
}

// WithErrorBackoff sets how long a worker pauses after a dequeue error.
func WithErrorBackoff(d time.Duration) PoolOption {
	return func(p *Pool) { p.errorBackoff = d }
}

// WithFatalHandler sets the function called when the store or transport
// fails in a way the pool cannot recover from. The default logs the
// error; services usually stop the process so that a supervisor restarts
// it.
func WithFatalHandler(fn func(error)) PoolOption {
	return func(p *Pool) { p.fatal = fn }
}

// NewPool creates a worker pool.
func NewPool(
	tr transport.Transport,
	executor *Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		transport:           tr,
		executor:            executor,
		concurrency:         10,
		workerID:            id.NewWorkerID(),
		logger:              logger,
		admissionRetryDelay: 250 * time.Millisecond,
		errorBackoff:        time.Second,
		stopCh:              make(chan struct{}),
		active:              make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fatal == nil {
		p.fatal = func(err error) {
			p.logger.Error("worker pool fatal error", slog.String("error", err.Error()))
		}
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight attempts to
// finish. If ctx ends first, in-flight attempts are canceled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active attempts")
		p.cancelActive()
		<-done
	}
	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := p.transport.Dequeue(p.loopCtx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || p.loopCtx.Err() != nil {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		p.handle(d)
	}
}

// handle runs one delivery and settles it.
func (p *Pool) handle(d transport.Delivery) {
	t := d.Task()
	// Settlement must survive a canceled loop context.
	settleCtx := context.Background()

	if p.admission != nil {
		if !p.admission.Acquire(t.JobID) {
			if err := p.transport.Enqueue(settleCtx, t, p.admissionRetryDelay); err != nil {
				p.fatal(err)
				p.nack(settleCtx, d)
				return
			}
			p.ack(settleCtx, d)
			return
		}
		defer p.admission.Release(t.JobID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trackKey := t.String()
	p.track(trackKey, cancel)
	defer p.untrack(trackKey)

	if err := p.executor.Execute(ctx, t); err != nil {
		p.logger.Error("task execution failed",
			slog.String("task", t.String()),
			slog.String("error", err.Error()),
		)
		p.fatal(err)
		p.nack(settleCtx, d)
		return
	}
	p.ack(settleCtx, d)
}

func (p *Pool) ack(ctx context.Context, d transport.Delivery) {
	if err := d.Ack(ctx); err != nil {
		p.logger.Warn("ack failed",
			slog.String("task", d.Task().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) nack(ctx context.Context, d transport.Delivery) {
	if err := d.Nack(ctx); err != nil {
		p.logger.Warn("nack failed",
			slog.String("task", d.Task().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.errorBackoff):
	case <-p.stopCh:
	}
}

func (p *Pool) track(key string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[key] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(key string) {
	p.activeMu.Lock()
	delete(p.active, key)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for key, cancel := range p.active {
		p.logger.Warn("cancelling active attempt", slog.String("task", key))
		cancel()
	}
}
