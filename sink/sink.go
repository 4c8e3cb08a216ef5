// Package sink defines the remote log-sink contract: a destination that
// execution records can be shipped to. The engine itself never ships
// records; callers attach a sink through a listener when they want records
// exported.
package sink

import (
	"context"

	"goa.design/retrace/runtime/task/record"
)

// Status is the outcome of one send attempt.
type Status string

const (
	// StatusSuccess means the sink accepted the record.
	StatusSuccess Status = "success"
	// StatusError means the send was attempted and failed.
	StatusError Status = "error"
	// StatusSilent means the sink is unconfigured and the send was a
	// deliberate no-op rather than a failure.
	StatusSilent Status = "silent"
)

// Sender ships one execution record to a remote destination.
type Sender interface {
	Send(ctx context.Context, rec *record.Record) (Status, error)
}
