// Package record defines the execution record produced by every task
// invocation: the task input and outcome, the per-boundary call logs, the
// metadata and metrics captured while the task ran, and the wall-clock timing
// of the task function itself.
//
// Records are plain data. Every field round-trips through JSON as nested
// maps, lists, strings and numbers so records can be shipped to a remote
// sink, stored, and fed back into a replay verbatim.
package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// Type classifies the outcome of a task invocation.
	Type string

	// BoundaryCall is one recorded invocation of a boundary: the ordered
	// argument list, the value returned or the error message raised, and the
	// wall-clock timing of the call. Exactly one of Output and Error is set.
	// A call is immutable once appended to a tape.
	BoundaryCall struct {
		// Input is the ordered argument list the boundary was invoked with.
		Input []any `json:"input"`
		// Output is the value the boundary returned. Nil when Error is set.
		Output any `json:"output,omitempty"`
		// Error is the message of the failure the boundary raised, empty on
		// success.
		Error string `json:"error,omitempty"`
		// Timing captures when the call started and ended.
		Timing *Timing `json:"timing,omitempty"`
	}

	// BoundaryData maps a boundary name to its ordered call records. It is
	// both the per-record report shape and the seed format for pre-loading a
	// wrapper's tape.
	BoundaryData map[string][]BoundaryCall

	// Record is the complete structured trace of one task invocation.
	Record struct {
		// ID uniquely identifies the record so stores and streams can key it.
		ID string `json:"id"`
		// TaskName names the task definition that produced the record.
		TaskName string `json:"task_name,omitempty"`
		// Input is the task input value, canonicalized for transport.
		Input any `json:"input"`
		// Output is the task result. Nil when the invocation failed or the
		// task returned nothing.
		Output any `json:"output,omitempty"`
		// Error is the terminal error message, empty on success.
		Error string `json:"error,omitempty"`
		// Boundaries holds the calls each declared boundary made during this
		// invocation, in call order.
		Boundaries BoundaryData `json:"boundaries"`
		// Metadata is free-form string context set while the task ran.
		Metadata map[string]string `json:"metadata"`
		// Metrics are the measurements submitted during the invocation, in
		// submission order.
		Metrics []Metric `json:"metrics"`
		// Timing covers the task function span. Nil when the function never
		// ran (e.g. input validation failed).
		Timing *Timing `json:"timing,omitempty"`
		// Type is the computed outcome classification.
		Type Type `json:"type"`
		// RecordedAt is when the record was assembled.
		RecordedAt time.Time `json:"recorded_at"`
	}
)

const (
	// TypeSuccess marks a record whose task returned a non-nil output.
	TypeSuccess Type = "success"
	// TypeError marks a record whose invocation ended with a terminal error.
	TypeError Type = "error"
	// TypePending marks a record with neither an output nor an error.
	TypePending Type = "pending"
)

// New constructs an empty record for the named task with a fresh ID. The
// input is canonicalized so the record is transportable regardless of the
// concrete Go types the caller passed in.
func New(taskName string, input any) *Record {
	return &Record{
		ID:         uuid.NewString(),
		TaskName:   taskName,
		Input:      Canonical(input),
		Boundaries: make(BoundaryData),
		Metadata:   make(map[string]string),
		Metrics:    []Metric{},
		RecordedAt: time.Now().UTC(),
	}
}

// ComputeType derives the record type from the outcome fields: an error wins,
// then a non-nil output means success, otherwise the record is pending.
func ComputeType(output any, errMsg string) Type {
	switch {
	case errMsg != "":
		return TypeError
	case output != nil:
		return TypeSuccess
	default:
		return TypePending
	}
}

// Failed reports whether the call recorded an error rather than an output.
func (c BoundaryCall) Failed() bool {
	return c.Error != ""
}

// Clone returns a deep copy of the call. The input list and output value are
// copied through the canonical representation so mutations of the copy never
// reach the original.
func (c BoundaryCall) Clone() BoundaryCall {
	out := BoundaryCall{Error: c.Error}
	if c.Input != nil {
		out.Input = CanonicalArgs(c.Input)
	}
	if c.Output != nil {
		out.Output = Canonical(c.Output)
	}
	if c.Timing != nil {
		t := *c.Timing
		out.Timing = &t
	}
	return out
}

// Clone returns a deep copy of the boundary data. Seeding a wrapper or
// exporting accumulated history always goes through Clone so callers can
// never mutate shared tape data in place.
func (d BoundaryData) Clone() BoundaryData {
	if d == nil {
		return nil
	}
	out := make(BoundaryData, len(d))
	for name, calls := range d {
		out[name] = CloneCalls(calls)
	}
	return out
}

// CloneCalls deep-copies a single boundary's call list.
func CloneCalls(calls []BoundaryCall) []BoundaryCall {
	out := make([]BoundaryCall, len(calls))
	for i, c := range calls {
		out[i] = c.Clone()
	}
	return out
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		ID:         r.ID,
		TaskName:   r.TaskName,
		Input:      Canonical(r.Input),
		Error:      r.Error,
		Boundaries: r.Boundaries.Clone(),
		Metadata:   cloneMetadata(r.Metadata),
		Metrics:    append([]Metric{}, r.Metrics...),
		Type:       r.Type,
		RecordedAt: r.RecordedAt,
	}
	if r.Output != nil {
		out.Output = Canonical(r.Output)
	}
	if r.Timing != nil {
		t := *r.Timing
		out.Timing = &t
	}
	return out
}

// Canonical converts a value into the canonical transport representation:
// nested maps, lists, strings, float64 numbers, booleans and nil. Structural
// equality and deep copies operate over this representation rather than over
// Go object identity. Values that do not survive a JSON round-trip are
// returned unchanged.
func Canonical(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// CanonicalArgs canonicalizes an ordered argument list element by element.
func CanonicalArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = Canonical(a)
	}
	return out
}

// DeepEqual reports whether two values are structurally equal under the
// canonical representation. This is the equality used for tape lookups:
// deep, value-by-value, independent of the concrete Go types involved.
func DeepEqual(a, b any) bool {
	return canonicalEqual(Canonical(a), Canonical(b))
}

// EqualArgs reports whether two ordered argument lists are structurally
// equal.
func EqualArgs(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func canonicalEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !canonicalEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !canonicalEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func cloneMetadata(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
