// Package boundary wraps a task's side-effecting dependency functions so
// every call can be recorded, and so recorded calls can stand in for the real
// dependency later.
//
// A Wrapper owns two collections of call records. The tape accumulates across
// the wrapper's lifetime and serves as a lookup table keyed by structural
// equality of the argument list; it may be pre-seeded with historical data.
// The run log is the subset written during one active execution window
// (between StartRun and the point the data is read) and is what a task
// executor reports for a single invocation.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/retrace/runtime/task/record"
)

type (
	// Mode is the dispatch strategy governing whether a call reaches the real
	// dependency or is answered from the tape. A wrapper has exactly one
	// active mode at a time; the mode is mutable at any point.
	Mode string

	// Func is any boundary function: an operation with side effects taking an
	// ordered argument list and returning a value or an error. Arguments and
	// return values must survive a JSON round-trip so calls can be compared
	// structurally and records stay transportable.
	Func func(ctx context.Context, args ...any) (any, error)

	// Option configures a Wrapper at construction.
	Option func(*Wrapper)

	// Wrapper intercepts calls to one boundary function. It is safe for
	// concurrent use, though task executors provision a fresh wrapper per
	// invocation so run logs never interleave.
	Wrapper struct {
		name string
		fn   Func

		mu      sync.Mutex
		mode    Mode
		tape    []record.BoundaryCall
		runLog  []record.BoundaryCall
		running bool
	}
)

const (
	// ModeProxy always invokes the real function and records the outcome.
	ModeProxy Mode = "proxy"
	// ModeProxyPass answers from the tape when a structurally equal input is
	// recorded, and falls back to proxy behavior otherwise.
	ModeProxyPass Mode = "proxy-pass"
	// ModeProxyCatch invokes the real function first and, on failure, falls
	// back to a previously recorded successful output for the same input.
	ModeProxyCatch Mode = "proxy-catch"
	// ModeReplay never invokes the real function; every call must match a
	// tape entry.
	ModeReplay Mode = "replay"
)

// ErrNoTapeValue is returned by a replay-mode wrapper when no tape entry
// matches the call's input.
var ErrNoTapeValue = errors.New("no tape value for this input")

// Valid reports whether m is one of the known dispatch modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeProxy, ModeProxyPass, ModeProxyCatch, ModeReplay:
		return true
	}
	return false
}

// WithMode sets the initial dispatch mode. Invalid modes are ignored and the
// wrapper stays in proxy mode.
func WithMode(m Mode) Option {
	return func(w *Wrapper) {
		if m.Valid() {
			w.mode = m
		}
	}
}

// WithTape seeds the wrapper's tape with historical call records. The seed is
// deep-copied: appends to the wrapper's own tape never mutate the caller's
// data, so one seed can safely back many concurrent wrapper instances.
func WithTape(seed []record.BoundaryCall) Option {
	return func(w *Wrapper) {
		w.tape = record.CloneCalls(seed)
	}
}

// New constructs a wrapper around the boundary function. The default mode is
// proxy and the tape starts empty unless WithTape is given.
func New(name string, fn Func, opts ...Option) *Wrapper {
	w := &Wrapper{name: name, fn: fn, mode: ModeProxy}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Name returns the boundary name the wrapper was constructed with.
func (w *Wrapper) Name() string {
	return w.name
}

// Mode returns the active dispatch mode.
func (w *Wrapper) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// SetMode switches the dispatch mode. Invalid modes are rejected.
func (w *Wrapper) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("unknown boundary mode %q", m)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = m
	return nil
}

// Tape returns a deep copy of the wrapper's accumulated call records.
func (w *Wrapper) Tape() []record.BoundaryCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return record.CloneCalls(w.tape)
}

// SetTape replaces the tape with a deep copy of the given records.
func (w *Wrapper) SetTape(tape []record.BoundaryCall) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tape = record.CloneCalls(tape)
}

// StartRun clears the run log and marks the wrapper active: every call made
// until StopRun additionally appends to the run log.
func (w *Wrapper) StartRun() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runLog = nil
	w.running = true
}

// StopRun deactivates run-log appends. History already on the tape is
// retained.
func (w *Wrapper) StopRun() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
}

// RunData returns a deep copy of the calls recorded during the current run
// window, in call order.
func (w *Wrapper) RunData() []record.BoundaryCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return record.CloneCalls(w.runLog)
}

// Invoke dispatches one call according to the active mode. In proxy modes the
// outcome is appended to the tape (and the run log while a run is active); in
// replay and tape-hit paths the recorded outcome is returned without touching
// the real function or appending new entries.
func (w *Wrapper) Invoke(ctx context.Context, args ...any) (any, error) {
	switch w.Mode() {
	case ModeReplay:
		entry, ok := w.lookup(args, false)
		if !ok {
			return nil, fmt.Errorf("boundary %q: %w", w.name, ErrNoTapeValue)
		}
		if entry.Failed() {
			return nil, errors.New(entry.Error)
		}
		return entry.Output, nil

	case ModeProxyPass:
		if entry, ok := w.lookup(args, false); ok {
			if entry.Failed() {
				return nil, errors.New(entry.Error)
			}
			return entry.Output, nil
		}
		return w.call(ctx, args)

	case ModeProxyCatch:
		out, err := w.callWithoutRecording(ctx, args)
		if err == nil {
			w.append(successCall(args, out.timing, out.value))
			return out.value, nil
		}
		if entry, ok := w.lookup(args, true); ok {
			return entry.Output, nil
		}
		w.append(errorCall(args, out.timing, err))
		return nil, err

	default: // proxy
		return w.call(ctx, args)
	}
}

type callOutcome struct {
	value  any
	timing *record.Timing
}

// call invokes the real function and records the outcome.
func (w *Wrapper) call(ctx context.Context, args []any) (any, error) {
	out, err := w.callWithoutRecording(ctx, args)
	if err != nil {
		w.append(errorCall(args, out.timing, err))
		return nil, err
	}
	w.append(successCall(args, out.timing, out.value))
	return out.value, nil
}

func (w *Wrapper) callWithoutRecording(ctx context.Context, args []any) (callOutcome, error) {
	var tracker record.TimingTracker
	tracker.Start()
	value, err := w.fn(ctx, args...)
	timing, _ := tracker.Stop()
	return callOutcome{value: value, timing: &timing}, err
}

// lookup scans the tape for an entry whose input is structurally equal to
// args. When successOnly is set, entries that recorded a failure are skipped.
// Tapes hold one execution's worth of calls, so a linear scan is fine.
func (w *Wrapper) lookup(args []any, successOnly bool) (record.BoundaryCall, bool) {
	canon := record.CanonicalArgs(args)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range w.tape {
		if successOnly && entry.Failed() {
			continue
		}
		if record.EqualArgs(entry.Input, canon) {
			return entry.Clone(), true
		}
	}
	return record.BoundaryCall{}, false
}

func (w *Wrapper) append(call record.BoundaryCall) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tape = append(w.tape, call)
	if w.running {
		w.runLog = append(w.runLog, call.Clone())
	}
}

func successCall(args []any, timing *record.Timing, output any) record.BoundaryCall {
	return record.BoundaryCall{
		Input:  record.CanonicalArgs(args),
		Output: record.Canonical(output),
		Timing: timing,
	}
}

func errorCall(args []any, timing *record.Timing, err error) record.BoundaryCall {
	return record.BoundaryCall{
		Input:  record.CanonicalArgs(args),
		Error:  err.Error(),
		Timing: timing,
	}
}
