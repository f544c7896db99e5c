package ext

import (
	"context"
	"log/slog"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type jobCreatedEntry struct {
	name string
	hook JobCreated
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobFinishedEntry struct {
	name string
	hook JobFinished
}

type itemStartedEntry struct {
	name string
	hook ItemStarted
}

type itemCompletedEntry struct {
	name string
	hook ItemCompleted
}

type itemRetryingEntry struct {
	name string
	hook ItemRetrying
}

type itemFailedEntry struct {
	name string
	hook ItemFailed
}

type itemCanceledEntry struct {
	name string
	hook ItemCanceled
}

type itemDeadLetteredEntry struct {
	name string
	hook ItemDeadLettered
}

type eventObserverEntry struct {
	name string
	hook EventObserver
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobCreated       []jobCreatedEntry
	jobStarted       []jobStartedEntry
	jobFinished      []jobFinishedEntry
	itemStarted      []itemStartedEntry
	itemCompleted    []itemCompletedEntry
	itemRetrying     []itemRetryingEntry
	itemFailed       []itemFailedEntry
	itemCanceled     []itemCanceledEntry
	itemDeadLettered []itemDeadLetteredEntry
	eventObserver    []eventObserverEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobCreated); ok {
		r.jobCreated = append(r.jobCreated, jobCreatedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobFinished); ok {
		r.jobFinished = append(r.jobFinished, jobFinishedEntry{name, h})
	}
	if h, ok := e.(ItemStarted); ok {
		r.itemStarted = append(r.itemStarted, itemStartedEntry{name, h})
	}
	if h, ok := e.(ItemCompleted); ok {
		r.itemCompleted = append(r.itemCompleted, itemCompletedEntry{name, h})
	}
	if h, ok := e.(ItemRetrying); ok {
		r.itemRetrying = append(r.itemRetrying, itemRetryingEntry{name, h})
	}
	if h, ok := e.(ItemFailed); ok {
		r.itemFailed = append(r.itemFailed, itemFailedEntry{name, h})
	}
	if h, ok := e.(ItemCanceled); ok {
		r.itemCanceled = append(r.itemCanceled, itemCanceledEntry{name, h})
	}
	if h, ok := e.(ItemDeadLettered); ok {
		r.itemDeadLettered = append(r.itemDeadLettered, itemDeadLetteredEntry{name, h})
	}
	if h, ok := e.(EventObserver); ok {
		r.eventObserver = append(r.eventObserver, eventObserverEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitJobCreated notifies all extensions that implement JobCreated.
func (r *Registry) EmitJobCreated(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCreated {
		if err := e.hook.OnJobCreated(ctx, j); err != nil {
			r.logHookError("OnJobCreated", e.name, err)
		}
	}
}

// EmitEvents routes each event to the observers and to the typed hook
// matching its type, preserving the given order.
func (r *Registry) EmitEvents(ctx context.Context, events ...job.Event) {
	for _, ev := range events {
		for _, e := range r.eventObserver {
			if err := e.hook.OnEvent(ctx, ev); err != nil {
				r.logHookError("OnEvent", e.name, err)
			}
		}
		r.emitTyped(ctx, ev)
	}
}

func (r *Registry) emitTyped(ctx context.Context, ev job.Event) {
	switch ev.Type {
	case job.EventJobStarted:
		for _, e := range r.jobStarted {
			if err := e.hook.OnJobStarted(ctx, ev); err != nil {
				r.logHookError("OnJobStarted", e.name, err)
			}
		}
	case job.EventItemStarted:
		for _, e := range r.itemStarted {
			if err := e.hook.OnItemStarted(ctx, ev); err != nil {
				r.logHookError("OnItemStarted", e.name, err)
			}
		}
	case job.EventItemCompleted:
		for _, e := range r.itemCompleted {
			if err := e.hook.OnItemCompleted(ctx, ev); err != nil {
				r.logHookError("OnItemCompleted", e.name, err)
			}
		}
	case job.EventItemRetrying:
		for _, e := range r.itemRetrying {
			if err := e.hook.OnItemRetrying(ctx, ev); err != nil {
				r.logHookError("OnItemRetrying", e.name, err)
			}
		}
	case job.EventItemFailed:
		for _, e := range r.itemFailed {
			if err := e.hook.OnItemFailed(ctx, ev); err != nil {
				r.logHookError("OnItemFailed", e.name, err)
			}
		}
	case job.EventItemCanceled:
		for _, e := range r.itemCanceled {
			if err := e.hook.OnItemCanceled(ctx, ev); err != nil {
				r.logHookError("OnItemCanceled", e.name, err)
			}
		}
	default:
		if ev.Type.Terminal() {
			for _, e := range r.jobFinished {
				if err := e.hook.OnJobFinished(ctx, ev); err != nil {
					r.logHookError("OnJobFinished", e.name, err)
				}
			}
		}
	}
}

// EmitItemDeadLettered notifies all extensions that implement
// ItemDeadLettered.
func (r *Registry) EmitItemDeadLettered(ctx context.Context, entry *dlq.Entry) {
	for _, e := range r.itemDeadLettered {
		if err := e.hook.OnItemDeadLettered(ctx, entry); err != nil {
			r.logHookError("OnItemDeadLettered", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
