// Package hooks delivers completed execution records to observers.
//
// Two observer slots exist: a per-task instance listener, invoked
// synchronously by the task executor, and a process-wide listener held by a
// Registry and shared by every task that uses that registry. The process-wide
// listener is dispatched on a detached goroutine raced against a timeout so
// observer latency and failures never reach the task caller; failures are
// reported only through the diagnostic logger.
//
// The registry is an explicit collaborator rather than a true global: the
// package keeps a default instance for the public process-wide surface, and
// tasks accept an injected registry so tests can isolate dispatch per run.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/retrace/runtime/task/record"
	"goa.design/retrace/runtime/task/telemetry"
)

type (
	// Listener receives a completed execution record. Returned errors (and
	// panics) are contained by the dispatcher and logged, never re-raised.
	Listener func(ctx context.Context, rec *record.Record) error

	// Option configures a Registry.
	Option func(*Registry)

	// Registry holds at most one process-wide listener. Registration follows
	// a last-write-wins lifecycle: each Listen call overwrites the previous
	// listener and a nil listener clears the slot.
	Registry struct {
		mu       sync.RWMutex
		listener Listener
		logger   telemetry.Logger
		timeout  time.Duration
		inflight sync.WaitGroup
	}
)

// DefaultDispatchTimeout bounds how long a detached process-wide listener may
// run before its dispatch is abandoned and logged.
const DefaultDispatchTimeout = 5 * time.Second

// WithLogger sets the logger used to report listener failures. When nil the
// registry keeps its current logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTimeout overrides the dispatch timeout. Non-positive values are
// ignored.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry constructs an empty registry with the default timeout and a
// Clue-backed logger.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:  telemetry.NewClueLogger(),
		timeout: DefaultDispatchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Listen installs fn as the process-wide listener, replacing any previous
// registration. Passing nil clears the slot.
func (r *Registry) Listen(fn Listener) {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

// Dispatch delivers the record to the registered listener on a detached
// goroutine. The caller is never blocked and never sees listener failures:
// errors, panics and timeouts are logged and dropped. Dispatch is a no-op
// when no listener is registered.
func (r *Registry) Dispatch(ctx context.Context, rec *record.Record) {
	r.mu.RLock()
	fn := r.listener
	logger := r.logger
	timeout := r.timeout
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		// Detach from the caller's cancellation: the record is already
		// complete and dispatch must not be cut short by the task caller
		// moving on.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			done <- Invoke(dctx, fn, rec)
		}()
		select {
		case err := <-done:
			if err != nil {
				logger.Error(dctx, "execution record listener failed",
					"task", rec.TaskName, "record_id", rec.ID, "err", err)
			}
		case <-dctx.Done():
			logger.Error(dctx, "execution record listener timed out",
				"task", rec.TaskName, "record_id", rec.ID, "timeout", timeout.String())
		}
	}()
}

// Flush blocks until every in-flight dispatch has settled. Intended for tests
// and orderly shutdown; normal callers never wait on listeners.
func (r *Registry) Flush() {
	r.inflight.Wait()
}

// Invoke runs a listener with panic containment, converting a panic into an
// error so a misbehaving observer cannot take down the task caller.
func Invoke(ctx context.Context, fn Listener, rec *record.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return fn(ctx, rec)
}

var defaultRegistry = NewRegistry()

// Default returns the shared process-wide registry used by tasks that were
// not given an explicit one.
func Default() *Registry {
	return defaultRegistry
}
