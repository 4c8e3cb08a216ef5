package task

import (
	"context"
	"fmt"
	"sync"

	"goa.design/retrace/runtime/task/boundary"
	"goa.design/retrace/runtime/task/record"
)

// Boundaries is the handle an executing task function uses to reach its
// wrapped dependencies and the auxiliary metadata/metric capture. A fresh
// handle is provisioned per invocation, so two concurrent executions of the
// same task never share run logs, metadata or metric state.
type Boundaries struct {
	wrappers map[string]*boundary.Wrapper

	mu       sync.Mutex
	metadata map[string]string
	metrics  []record.Metric
}

// Call invokes the named boundary with the given arguments, dispatching
// according to the wrapper's active mode.
func (b *Boundaries) Call(ctx context.Context, name string, args ...any) (any, error) {
	w, ok := b.wrappers[name]
	if !ok {
		return nil, fmt.Errorf("unknown boundary %q", name)
	}
	return w.Invoke(ctx, args...)
}

// Wrapper exposes the named boundary wrapper so task code (or tests) can
// adjust its mode or inspect its tape mid-execution. Returns nil for unknown
// names.
func (b *Boundaries) Wrapper(name string) *boundary.Wrapper {
	return b.wrappers[name]
}

// SetMetadata stores free-form string context on the invocation's record.
// Metadata writes are auxiliary captures: they never appear in the record's
// boundary call lists.
func (b *Boundaries) SetMetadata(key, value string) {
	b.mu.Lock()
	b.metadata[key] = value
	b.mu.Unlock()
}

// SetMetric validates and appends a measurement to the invocation's record.
// Invalid metrics fail the call itself; the error propagates to the task
// function, which decides whether to handle it or let it become the
// invocation's terminal error. Metric submissions never appear in the
// record's boundary call lists.
func (b *Boundaries) SetMetric(m record.Metric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.metrics = append(b.metrics, m)
	b.mu.Unlock()
	return nil
}

func (b *Boundaries) snapshotMetadata() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.metadata))
	for k, v := range b.metadata {
		out[k] = v
	}
	return out
}

func (b *Boundaries) snapshotMetrics() []record.Metric {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]record.Metric{}, b.metrics...)
}
