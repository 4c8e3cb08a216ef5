package task

import (
	"context"
	"errors"

	"goa.design/retrace/runtime/task/boundary"
	"goa.design/retrace/runtime/task/record"
)

// ReplayConfig selects a dispatch mode per boundary for a replayed execution.
// Boundaries omitted from the map default to proxy, i.e. the real dependency
// is called again.
type ReplayConfig struct {
	// Boundaries maps boundary names to the mode used during replay.
	// Typically "replay" to trust the recording.
	Boundaries map[string]boundary.Mode
}

// SafeReplay re-executes the task function against a previously captured
// execution record. Boundaries configured as replay are seeded with exactly
// that boundary's recorded calls, never invoke the real dependency, and
// report the original record's entries verbatim in the resulting record;
// every other boundary runs live and reports its freshly captured run log.
//
// The record's metadata is cloned as the starting point: SetMetadata calls
// during replay mutate the clone, never the original record. The original
// record is not modified in any way. Like SafeRun, SafeReplay never panics
// and always returns a fully populated record alongside the output and
// terminal error.
func (t *Task) SafeReplay(ctx context.Context, rec *record.Record, cfg ReplayConfig) (any, *record.Record, error) {
	if rec == nil {
		return nil, nil, errors.New("execution record is nil")
	}

	plan := executionPlan{
		baseMetadata: rec.Metadata,
		modes:        make(map[string]boundary.Mode, len(cfg.Boundaries)),
		seeds:        make(map[string][]record.BoundaryCall),
		verbatim:     make(map[string][]record.BoundaryCall),
	}
	for name, mode := range cfg.Boundaries {
		if !mode.Valid() {
			mode = boundary.ModeProxy
		}
		plan.modes[name] = mode
		if mode == boundary.ModeReplay {
			// Seed only from the record under replay so lookups can match
			// nothing but recorded calls, and pin the reported trace to the
			// original entries.
			calls := rec.Boundaries[name]
			plan.seeds[name] = record.CloneCalls(calls)
			plan.verbatim[name] = record.CloneCalls(calls)
		}
	}
	// Boundaries the config does not mention run live against the real
	// dependency, regardless of the task's default mode.
	for name := range t.boundaries {
		if _, ok := plan.modes[name]; !ok {
			plan.modes[name] = boundary.ModeProxy
		}
	}

	return t.execute(ctx, rec.Input, plan)
}
