package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/retrace/runtime/task/boundary"
	"goa.design/retrace/runtime/task/hooks"
	"goa.design/retrace/runtime/task/record"
	"goa.design/retrace/runtime/task/telemetry"
	"goa.design/retrace/schema"
)

// quietOpts isolates each test task: a private registry so nothing leaks to
// the process-wide default, and a noop logger.
func quietOpts(r *hooks.Registry) []Option {
	return []Option{
		WithRegistry(r),
		WithLogger(telemetry.NewNoopLogger()),
	}
}

func doubler() (Func, boundary.Func, *int32) {
	var calls int32
	fetch := func(ctx context.Context, args ...any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return args[0].(float64) * 2, nil
	}
	fn := func(ctx context.Context, input any, b *Boundaries) (any, error) {
		value := input.(map[string]any)["value"]
		return b.Call(ctx, "fetchData", value)
	}
	return fn, fetch, &calls
}

func TestSafeRunRecordsBoundaryCalls(t *testing.T) {
	t.Parallel()

	fn, fetch, calls := doubler()
	tk := New("data.double", fn, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("fetchData", fetch),
	)...)

	out, rec, err := tk.SafeRun(context.Background(), map[string]any{"value": 5.0})
	require.NoError(t, err)
	require.Equal(t, float64(10), out)
	require.Equal(t, int32(1), atomic.LoadInt32(calls))

	require.NotEmpty(t, rec.ID)
	require.Equal(t, "data.double", rec.TaskName)
	require.Equal(t, map[string]any{"value": float64(5)}, rec.Input)
	require.Equal(t, float64(10), rec.Output)
	require.Empty(t, rec.Error)
	require.Equal(t, record.TypeSuccess, rec.Type)
	require.NotNil(t, rec.Timing)

	fetched := rec.Boundaries["fetchData"]
	require.Len(t, fetched, 1)
	require.Equal(t, []any{float64(5)}, fetched[0].Input)
	require.Equal(t, float64(10), fetched[0].Output)
	require.NotNil(t, fetched[0].Timing)
}

func TestSafeRunErrorStillProducesRecord(t *testing.T) {
	t.Parallel()

	fetch := func(ctx context.Context, args ...any) (any, error) { return "ok", nil }
	tk := New("data.fail", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		if _, err := b.Call(ctx, "fetch", "first"); err != nil {
			return nil, err
		}
		return nil, errors.New("business rule violated")
	}, append(quietOpts(hooks.NewRegistry()), WithBoundary("fetch", fetch))...)

	out, rec, err := tk.SafeRun(context.Background(), nil)
	require.EqualError(t, err, "business rule violated")
	require.Nil(t, out)
	require.Equal(t, record.TypeError, rec.Type)
	require.Equal(t, "business rule violated", rec.Error)
	require.Nil(t, rec.Output)
	// Calls made before the failure are still reported.
	require.Len(t, rec.Boundaries["fetch"], 1)
	require.NotNil(t, rec.Timing)
}

func TestSafeRunContainsPanics(t *testing.T) {
	t.Parallel()

	tk := New("data.panic", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		panic("unexpected state")
	}, quietOpts(hooks.NewRegistry())...)

	out, rec, err := tk.SafeRun(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected state")
	require.Nil(t, out)
	require.Equal(t, record.TypeError, rec.Type)
}

func TestSafeRunNilFunction(t *testing.T) {
	t.Parallel()

	tk := New("data.empty", nil, quietOpts(hooks.NewRegistry())...)
	out, rec, err := tk.SafeRun(context.Background(), nil)
	require.Error(t, err)
	require.Nil(t, out)
	require.Equal(t, record.TypeError, rec.Type)
}

func TestSafeRunValidationShortCircuits(t *testing.T) {
	t.Parallel()

	var calls int32
	fetch := func(ctx context.Context, args ...any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}
	tk := New("data.validated", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		return b.Call(ctx, "fetch", input)
	}, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("fetch", fetch),
		WithValidator(schema.MustJSON([]byte(`{
			"type": "object",
			"properties": {"symbol": {"type": "string"}},
			"required": ["symbol"]
		}`))),
	)...)

	var heard int32
	tk.AddListener(func(ctx context.Context, rec *record.Record) error {
		atomic.AddInt32(&heard, 1)
		return nil
	})

	out, rec, err := tk.SafeRun(context.Background(), map[string]any{})
	require.Nil(t, out)

	var ve *schema.ValidationError
	require.ErrorAs(t, err, &ve)

	require.Equal(t, record.TypeError, rec.Type)
	require.Nil(t, rec.Timing)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
	// Declared boundaries are reported with empty call lists, not omitted.
	callsList, ok := rec.Boundaries["fetch"]
	require.True(t, ok)
	require.Empty(t, callsList)
	// The record is still dispatched to listeners.
	require.Equal(t, int32(1), atomic.LoadInt32(&heard))
}

func TestSafeRunPendingType(t *testing.T) {
	t.Parallel()

	tk := New("data.silent", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		return nil, nil
	}, quietOpts(hooks.NewRegistry())...)

	out, rec, err := tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, record.TypePending, rec.Type)
}

func TestMetadataAndMetricsCapture(t *testing.T) {
	t.Parallel()

	tk := New("data.observed", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		b.SetMetadata("region", "us-east-1")
		b.SetMetadata("source", "cache")
		if err := b.SetMetric(record.Metric{Type: "latency", Name: "db", Value: 12.5}); err != nil {
			return nil, err
		}
		if err := b.SetMetric(record.Metric{Type: "count", Name: "rows", Value: 42}); err != nil {
			return nil, err
		}
		return "done", nil
	}, quietOpts(hooks.NewRegistry())...)

	_, rec, err := tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"region": "us-east-1", "source": "cache"}, rec.Metadata)
	// Metrics preserve submission order.
	require.Equal(t, []record.Metric{
		{Type: "latency", Name: "db", Value: 12.5},
		{Type: "count", Name: "rows", Value: 42},
	}, rec.Metrics)
	// Auxiliary captures never masquerade as boundary calls.
	require.NotContains(t, rec.Boundaries, "setMetadata")
	require.NotContains(t, rec.Boundaries, "setMetric")
}

func TestInvalidMetricFailsTheCall(t *testing.T) {
	t.Parallel()

	tk := New("data.badmetric", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		if err := b.SetMetric(record.Metric{Name: "missing type", Value: 1}); err != nil {
			return nil, err
		}
		return "unreached", nil
	}, quietOpts(hooks.NewRegistry())...)

	_, rec, err := tk.SafeRun(context.Background(), nil)
	require.ErrorIs(t, err, record.ErrMetricType)
	require.Equal(t, record.TypeError, rec.Type)
	require.Empty(t, rec.Metrics)
}

func TestUnknownBoundaryCall(t *testing.T) {
	t.Parallel()

	tk := New("data.unknown", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		return b.Call(ctx, "nope")
	}, quietOpts(hooks.NewRegistry())...)

	_, _, err := tk.SafeRun(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown boundary "nope"`)
}

func TestInstanceListenerLifecycle(t *testing.T) {
	t.Parallel()

	tk := New("data.listened", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		return "ok", nil
	}, quietOpts(hooks.NewRegistry())...)

	var heard int32
	tk.AddListener(func(ctx context.Context, rec *record.Record) error {
		atomic.AddInt32(&heard, 1)
		return nil
	})
	_, _, err := tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&heard))

	tk.RemoveListener()
	_, _, err = tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&heard))
}

func TestListenerFailureNeverReachesCaller(t *testing.T) {
	t.Parallel()

	tk := New("data.listened", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		return "ok", nil
	}, quietOpts(hooks.NewRegistry())...)

	tk.AddListener(func(ctx context.Context, rec *record.Record) error {
		return errors.New("observer broke")
	})
	out, _, err := tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	tk.AddListener(func(ctx context.Context, rec *record.Record) error {
		panic("observer exploded")
	})
	out, _, err = tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestProcessWideDispatch(t *testing.T) {
	t.Parallel()

	registry := hooks.NewRegistry(hooks.WithLogger(telemetry.NewNoopLogger()))
	var heard int32
	registry.Listen(func(ctx context.Context, rec *record.Record) error {
		atomic.AddInt32(&heard, 1)
		return nil
	})

	tk := New("data.global", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		return "ok", nil
	}, quietOpts(registry)...)

	_, _, err := tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	registry.Flush()
	require.Equal(t, int32(1), atomic.LoadInt32(&heard))
}

func TestSeededProxyPassSkipsReal(t *testing.T) {
	t.Parallel()

	fn, fetch, calls := doubler()
	seed := record.BoundaryData{
		"fetchData": {{Input: []any{float64(5)}, Output: float64(10)}},
	}
	tk := New("data.seeded", fn, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("fetchData", fetch),
		WithMode(boundary.ModeProxyPass),
		WithBoundariesData(seed),
	)...)

	out, _, err := tk.SafeRun(context.Background(), map[string]any{"value": 5.0})
	require.NoError(t, err)
	require.Equal(t, float64(10), out)
	require.Equal(t, int32(0), atomic.LoadInt32(calls))

	// Seed data stays caller-owned.
	seed["fetchData"][0].Output = float64(999)
	out, _, err = tk.SafeRun(context.Background(), map[string]any{"value": 5.0})
	require.NoError(t, err)
	require.Equal(t, float64(10), out)
}

func TestPerBoundaryModeOverride(t *testing.T) {
	t.Parallel()

	var liveCalls int32
	live := func(ctx context.Context, args ...any) (any, error) {
		atomic.AddInt32(&liveCalls, 1)
		return "live", nil
	}
	tk := New("data.mixedmodes", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		if _, err := b.Call(ctx, "pinned", "key"); err != nil {
			return nil, err
		}
		return b.Call(ctx, "live", "key")
	}, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("pinned", live),
		WithBoundary("live", live),
		WithBoundaryMode("pinned", boundary.ModeReplay),
		WithBoundariesData(record.BoundaryData{
			"pinned": {{Input: []any{"key"}, Output: "recorded"}},
		}),
	)...)

	out, rec, err := tk.SafeRun(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "live", out)
	require.Equal(t, int32(1), atomic.LoadInt32(&liveCalls))
	// Replay-mode wrappers append nothing to their run log.
	require.Empty(t, rec.Boundaries["pinned"])
	require.Len(t, rec.Boundaries["live"], 1)
}

func TestMockBoundary(t *testing.T) {
	t.Parallel()

	fn, fetch, calls := doubler()
	tk := New("data.mocked", fn, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("fetchData", fetch),
	)...)

	mock := boundary.New("fetchData", nil,
		boundary.WithMode(boundary.ModeReplay),
		boundary.WithTape([]record.BoundaryCall{{Input: []any{float64(5)}, Output: float64(50)}}),
	)
	tk.MockBoundary("fetchData", mock)

	out, _, err := tk.SafeRun(context.Background(), map[string]any{"value": 5.0})
	require.NoError(t, err)
	require.Equal(t, float64(50), out)
	require.Equal(t, int32(0), atomic.LoadInt32(calls))

	tk.ResetMock("fetchData")
	out, _, err = tk.SafeRun(context.Background(), map[string]any{"value": 5.0})
	require.NoError(t, err)
	require.Equal(t, float64(10), out)
	require.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestAccumulatedBoundariesData(t *testing.T) {
	t.Parallel()

	fn, fetch, _ := doubler()
	tk := New("data.history", fn, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("fetchData", fetch),
	)...)

	_, _, err := tk.SafeRun(context.Background(), map[string]any{"value": 1.0})
	require.NoError(t, err)
	_, _, err = tk.SafeRun(context.Background(), map[string]any{"value": 2.0})
	require.NoError(t, err)

	history := tk.AccumulatedBoundariesData()
	require.Len(t, history["fetchData"], 2)
	require.Equal(t, []any{float64(1)}, history["fetchData"][0].Input)
	require.Equal(t, []any{float64(2)}, history["fetchData"][1].Input)

	// The returned copy is detached from the task's state.
	history["fetchData"][0].Output = "mutated"
	require.Equal(t, float64(2), tk.AccumulatedBoundariesData()["fetchData"][0].Output)
}

func TestBoundariesSorted(t *testing.T) {
	t.Parallel()

	noop := func(ctx context.Context, args ...any) (any, error) { return nil, nil }
	tk := New("data.names", nil, append(quietOpts(hooks.NewRegistry()),
		WithBoundaries(map[string]boundary.Func{"zeta": noop, "alpha": noop, "mid": noop}),
	)...)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, tk.Boundaries())
}

func TestConcurrentExecutionsDoNotInterleave(t *testing.T) {
	t.Parallel()

	fetch := func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	}
	tk := New("data.parallel", func(ctx context.Context, input any, b *Boundaries) (any, error) {
		n := input.(map[string]any)["n"]
		for i := 0; i < 3; i++ {
			if _, err := b.Call(ctx, "echo", n); err != nil {
				return nil, err
			}
		}
		b.SetMetadata("n", input.(map[string]any)["tag"].(string))
		return n, nil
	}, append(quietOpts(hooks.NewRegistry()), WithBoundary("echo", fetch))...)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tag := string(rune('a' + n))
			_, rec, err := tk.SafeRun(context.Background(), map[string]any{"n": n, "tag": tag})
			require.NoError(t, err)
			require.Len(t, rec.Boundaries["echo"], 3)
			for _, call := range rec.Boundaries["echo"] {
				require.Equal(t, []any{float64(n)}, call.Input)
			}
			require.Equal(t, map[string]string{"n": tag}, rec.Metadata)
		}(i)
	}
	wg.Wait()

	require.Len(t, tk.AccumulatedBoundariesData()["echo"], 30)
}

func TestRunDiscardsRecord(t *testing.T) {
	t.Parallel()

	fn, fetch, _ := doubler()
	tk := New("data.run", fn, append(quietOpts(hooks.NewRegistry()),
		WithBoundary("fetchData", fetch),
	)...)

	out, err := tk.Run(context.Background(), map[string]any{"value": 3.0})
	require.NoError(t, err)
	require.Equal(t, float64(6), out)
}
