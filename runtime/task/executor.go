package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/retrace/runtime/task/boundary"
	"goa.design/retrace/runtime/task/hooks"
	"goa.design/retrace/runtime/task/record"
	"goa.design/retrace/runtime/task/telemetry"
)

// executionPlan carries the per-invocation adjustments the replay engine
// layers on top of the task definition. A zero plan is a plain run.
type executionPlan struct {
	// baseMetadata pre-populates the invocation's metadata map (replay clones
	// the original record's metadata here).
	baseMetadata map[string]string
	// modes overrides the effective dispatch mode per boundary.
	modes map[string]boundary.Mode
	// seeds overrides the tape seed per boundary.
	seeds map[string][]record.BoundaryCall
	// verbatim maps boundary names to the call lists reported in the final
	// record instead of the freshly captured run log. Replay pins recorded
	// boundaries this way so their reported trace is identical to the
	// original.
	verbatim map[string][]record.BoundaryCall
}

// Run executes the task and raises the terminal error, if any. The execution
// record is discarded; use SafeRun to observe it.
func (t *Task) Run(ctx context.Context, input any) (any, error) {
	out, _, err := t.SafeRun(ctx, input)
	return out, err
}

// SafeRun executes the task once and never panics: it returns the output (nil
// on failure), the complete execution record, and the terminal error (nil on
// success). The record is fully populated even on failure, including every
// boundary call collected before the error.
func (t *Task) SafeRun(ctx context.Context, input any) (any, *record.Record, error) {
	return t.execute(ctx, input, executionPlan{})
}

func (t *Task) execute(ctx context.Context, input any, plan executionPlan) (any, *record.Record, error) {
	ctx, span := t.tracer.Start(ctx, "task.execute",
		trace.WithAttributes(attribute.String("task.name", t.name)))
	defer span.End()

	rec := record.New(t.name, input)

	if t.fn == nil {
		err := errors.New("task function is nil")
		return nil, t.finishError(ctx, span, rec, err), err
	}

	wrappers := t.provision(plan)
	for _, w := range wrappers {
		w.StartRun()
	}
	b := &Boundaries{
		wrappers: wrappers,
		metadata: cloneOrEmpty(plan.baseMetadata),
		metrics:  []record.Metric{},
	}

	// Input validation short-circuits before any boundary can run: the record
	// reports an empty call list per declared boundary and no task timing.
	if t.validator != nil {
		if err := t.validator.Validate(input); err != nil {
			rec.Metadata = b.snapshotMetadata()
			return nil, t.finishError(ctx, span, rec, err), err
		}
	}

	var tracker record.TimingTracker
	tracker.Start()
	out, err := t.invoke(ctx, input, b)
	if timing, ok := tracker.Stop(); ok {
		rec.Timing = &timing
	}

	t.collect(rec, wrappers, plan)
	rec.Metadata = b.snapshotMetadata()
	rec.Metrics = b.snapshotMetrics()

	if err != nil {
		rec.Error = err.Error()
	} else if out != nil {
		rec.Output = record.Canonical(out)
	}
	rec.Type = record.ComputeType(rec.Output, rec.Error)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
	} else {
		span.SetStatus(codes.Ok, "ok")
	}
	t.observe(rec)
	t.dispatch(ctx, rec)
	if err != nil {
		return nil, rec, err
	}
	return out, rec, nil
}

// provision builds one fresh wrapper per declared boundary. Registered mocks
// are used verbatim; everything else wraps the real function, seeded from the
// task's stored tape data (or the plan's override) with the effective mode.
func (t *Task) provision(plan executionPlan) map[string]*boundary.Wrapper {
	t.mu.Lock()
	defer t.mu.Unlock()
	wrappers := make(map[string]*boundary.Wrapper, len(t.boundaries))
	for name, fn := range t.boundaries {
		if mock, ok := t.mocks[name]; ok {
			wrappers[name] = mock
			continue
		}
		seed, ok := plan.seeds[name]
		if !ok {
			seed = t.seed[name]
		}
		mode := t.mode
		if m, ok := t.modes[name]; ok {
			mode = m
		}
		if m, ok := plan.modes[name]; ok {
			mode = m
		}
		wrappers[name] = boundary.New(name, fn,
			boundary.WithTape(seed),
			boundary.WithMode(mode),
		)
	}
	return wrappers
}

// invoke runs the task function with panic containment so SafeRun never
// panics past the executor.
func (t *Task) invoke(ctx context.Context, input any, b *Boundaries) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return t.fn(ctx, input, b)
}

// collect stops every run window, stores each boundary's run log on the
// record (or the plan's verbatim calls for replay-pinned boundaries), and
// merges the run logs into the task's accumulated history.
func (t *Task) collect(rec *record.Record, wrappers map[string]*boundary.Wrapper, plan executionPlan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, w := range wrappers {
		w.StopRun()
		runData := w.RunData()
		if pinned, ok := plan.verbatim[name]; ok {
			rec.Boundaries[name] = record.CloneCalls(pinned)
		} else {
			rec.Boundaries[name] = runData
		}
		if len(runData) > 0 {
			t.history[name] = append(t.history[name], record.CloneCalls(runData)...)
		}
	}
}

// finishError assembles a well-formed error record for failures that happen
// before the task function runs (validation, missing function). Declared
// boundaries report empty call lists and no task timing is present.
func (t *Task) finishError(ctx context.Context, span telemetry.Span, rec *record.Record, err error) *record.Record {
	for name := range t.boundaries {
		rec.Boundaries[name] = []record.BoundaryCall{}
	}
	rec.Error = err.Error()
	rec.Type = record.TypeError
	span.RecordError(err)
	span.SetStatus(codes.Error, "task failed")
	t.observe(rec)
	t.dispatch(ctx, rec)
	return rec
}

// dispatch delivers the completed record to the instance listener
// (synchronously, failures contained) and then to the process-wide registry
// (detached, never awaited).
func (t *Task) dispatch(ctx context.Context, rec *record.Record) {
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener != nil {
		if err := hooks.Invoke(ctx, listener, rec); err != nil {
			t.logger.Error(ctx, "task listener failed",
				"task", t.name, "record_id", rec.ID, "err", err)
		}
	}
	t.registry.Dispatch(ctx, rec)
}

// observe records run counters and the task timer.
func (t *Task) observe(rec *record.Record) {
	t.metrics.IncCounter("task.runs", 1, "task", t.name, "type", string(rec.Type))
	if rec.Timing != nil {
		t.metrics.RecordTimer("task.duration", time.Duration(rec.Timing.Duration)*time.Millisecond, "task", t.name)
	}
}

func cloneOrEmpty(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
