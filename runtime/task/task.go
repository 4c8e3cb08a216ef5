// Package task wraps a unit of business logic together with its
// side-effecting dependencies so every invocation produces a complete
// execution record, and so any captured record can be replayed
// deterministically without re-invoking the real dependencies.
//
// A Task is the long-lived definition: the task function, its named boundary
// functions, an optional input validator, dispatch modes, seed tape data and
// observers. Each execution provisions fresh boundary wrappers so concurrent
// invocations never interleave their run logs.
package task

import (
	"context"
	"sort"
	"sync"

	"goa.design/retrace/runtime/task/boundary"
	"goa.design/retrace/runtime/task/hooks"
	"goa.design/retrace/runtime/task/record"
	"goa.design/retrace/runtime/task/telemetry"
	"goa.design/retrace/schema"
)

type (
	// Func is the task function: the unit of business logic under
	// instrumentation. It receives the validated input and a Boundaries
	// handle through which every dependency call must flow.
	Func func(ctx context.Context, input any, b *Boundaries) (any, error)

	// Option configures a Task at construction.
	Option func(*Task)

	// Task is a reusable task definition. All methods are safe for
	// concurrent use; concurrent executions own independent wrapper
	// instances and metadata/metric state.
	Task struct {
		name        string
		description string
		fn          Func
		validator   schema.Validator
		boundaries  map[string]boundary.Func
		mode        boundary.Mode
		modes       map[string]boundary.Mode

		registry *hooks.Registry
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer

		mu       sync.Mutex
		seed     record.BoundaryData
		history  record.BoundaryData
		mocks    map[string]*boundary.Wrapper
		listener hooks.Listener
	}
)

// WithDescription sets a human-readable description of the task.
func WithDescription(desc string) Option {
	return func(t *Task) { t.description = desc }
}

// WithValidator installs an input validator. Invalid inputs short-circuit
// execution: no boundary is invoked and the record carries empty call lists.
func WithValidator(v schema.Validator) Option {
	return func(t *Task) { t.validator = v }
}

// WithBoundary declares a named boundary function the task may call.
func WithBoundary(name string, fn boundary.Func) Option {
	return func(t *Task) { t.boundaries[name] = fn }
}

// WithBoundaries declares several boundary functions at once.
func WithBoundaries(fns map[string]boundary.Func) Option {
	return func(t *Task) {
		for name, fn := range fns {
			t.boundaries[name] = fn
		}
	}
}

// WithMode sets the default dispatch mode applied to every boundary wrapper
// provisioned for an execution. Invalid modes are ignored.
func WithMode(m boundary.Mode) Option {
	return func(t *Task) {
		if m.Valid() {
			t.mode = m
		}
	}
}

// WithBoundaryMode overrides the dispatch mode for one boundary by name.
func WithBoundaryMode(name string, m boundary.Mode) Option {
	return func(t *Task) {
		if m.Valid() {
			t.modes[name] = m
		}
	}
}

// WithBoundariesData pre-seeds boundary tapes with historical call data. The
// data is deep-copied; wrappers provisioned from it never mutate it in place.
func WithBoundariesData(data record.BoundaryData) Option {
	return func(t *Task) { t.seed = data.Clone() }
}

// WithListener installs the instance listener (see AddListener).
func WithListener(fn hooks.Listener) Option {
	return func(t *Task) { t.listener = fn }
}

// WithRegistry injects the process-wide listener registry the task
// dispatches to. Defaults to hooks.Default(). Tests inject a private
// registry to isolate dispatch per run.
func WithRegistry(r *hooks.Registry) Option {
	return func(t *Task) {
		if r != nil {
			t.registry = r
		}
	}
}

// WithLogger sets the diagnostic logger. Defaults to the Clue-backed logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(t *Task) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder used for run counters and timers.
func WithMetrics(m telemetry.Metrics) Option {
	return func(t *Task) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithTracer sets the tracer that opens a span per task invocation.
func WithTracer(tr telemetry.Tracer) Option {
	return func(t *Task) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

// New constructs a task definition around fn. The zero configuration runs
// every boundary in proxy mode with no validation and no observers.
func New(name string, fn Func, opts ...Option) *Task {
	t := &Task{
		name:       name,
		fn:         fn,
		boundaries: make(map[string]boundary.Func),
		mode:       boundary.ModeProxy,
		modes:      make(map[string]boundary.Mode),
		registry:   hooks.Default(),
		logger:     telemetry.NewClueLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
		seed:       make(record.BoundaryData),
		history:    make(record.BoundaryData),
		mocks:      make(map[string]*boundary.Wrapper),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Description returns the task description.
func (t *Task) Description() string { return t.description }

// Boundaries returns the declared boundary names in sorted order.
func (t *Task) Boundaries() []string {
	names := make([]string, 0, len(t.boundaries))
	for name := range t.boundaries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener installs fn as the instance listener, overwriting any previous
// one. The instance listener is invoked synchronously on every completed
// record; its errors and panics are contained and logged.
func (t *Task) AddListener(fn hooks.Listener) {
	t.mu.Lock()
	t.listener = fn
	t.mu.Unlock()
}

// RemoveListener clears the instance listener.
func (t *Task) RemoveListener() {
	t.mu.Lock()
	t.listener = nil
	t.mu.Unlock()
}

// MockBoundary registers a wrapper to be used verbatim in place of the named
// boundary on subsequent executions. The mock keeps whatever tape and mode it
// was configured with.
func (t *Task) MockBoundary(name string, w *boundary.Wrapper) {
	t.mu.Lock()
	t.mocks[name] = w
	t.mu.Unlock()
}

// ResetMock removes the mock registered for the named boundary.
func (t *Task) ResetMock(name string) {
	t.mu.Lock()
	delete(t.mocks, name)
	t.mu.Unlock()
}

// ResetMocks removes every registered mock.
func (t *Task) ResetMocks() {
	t.mu.Lock()
	t.mocks = make(map[string]*boundary.Wrapper)
	t.mu.Unlock()
}

// SetBoundariesData replaces the seed tape data used to pre-load wrappers on
// each execution. The data is deep-copied.
func (t *Task) SetBoundariesData(data record.BoundaryData) {
	t.mu.Lock()
	t.seed = data.Clone()
	t.mu.Unlock()
}

// AccumulatedBoundariesData returns a deep copy of every boundary call
// recorded across all executions of this task. Useful for inspection and for
// building replay fixtures.
func (t *Task) AccumulatedBoundariesData() record.BoundaryData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Clone()
}

// ListenExecutionRecords installs fn as the process-wide listener on the
// default registry shared by every task that was not given an explicit one.
// The last registration wins.
func ListenExecutionRecords(fn hooks.Listener) {
	hooks.Default().Listen(fn)
}
