// Package pulse exposes a record sink that publishes completed execution
// records to goa.design/pulse streams. It mirrors the layering used by Pulse
// deployments: services build a Redis client, pass it to the Pulse client,
// and attach the resulting sink as a process-wide listener.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/retrace/features/stream/pulse/clients/pulse"
	"goa.design/retrace/runtime/task/hooks"
	"goa.design/retrace/runtime/task/record"
)

type (
	// Options configures the record stream sink.
	Options struct {
		// Client is the Pulse client used to publish records. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from a record. Defaults to
		// `task/<task_name>`.
		StreamID func(*record.Record) (string, error)
		// MarshalEnvelope overrides envelope serialization (primarily for
		// tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
	}

	// Sink publishes execution records into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client          pulse.Client
		streamID        func(*record.Record) (string, error)
		marshalEnvelope func(Envelope) ([]byte, error)
	}

	// Envelope wraps an execution record for transmission over Pulse streams.
	Envelope struct {
		// Type is the record outcome classification.
		Type string `json:"type"`
		// TaskName identifies the producing task.
		TaskName string `json:"task_name"`
		// RecordID is the record's unique identifier.
		RecordID string `json:"record_id"`
		// Timestamp records when the envelope was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Record is the full execution record.
		Record *record.Record `json:"record"`
	}
)

// NewSink constructs a Pulse-backed record sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:          opts.Client,
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		s.marshalEnvelope = opts.MarshalEnvelope
	}
	return s, nil
}

// Send publishes the record to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, rec *record.Record) error {
	streamID, err := s.streamID(rec)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(rec.Type),
		TaskName:  rec.TaskName,
		RecordID:  rec.ID,
		Timestamp: time.Now().UTC(),
		Record:    rec,
	}
	payload, err := s.marshalEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Listener adapts the sink to the listener contract so it can be registered
// process-wide via hooks.Registry.Listen.
func (s *Sink) Listener() hooks.Listener {
	return func(ctx context.Context, rec *record.Record) error {
		return s.Send(ctx, rec)
	}
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the record's task name.
func defaultStreamID(rec *record.Record) (string, error) {
	if rec.TaskName == "" {
		return "", errors.New("execution record missing task name")
	}
	return fmt.Sprintf("task/%s", rec.TaskName), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
