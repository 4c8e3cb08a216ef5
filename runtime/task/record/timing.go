package record

import "time"

type (
	// Timing captures the wall-clock window of one span of work, expressed in
	// milliseconds since the Unix epoch. Duration is always End - Start.
	Timing struct {
		// Start is when the span began.
		Start int64 `json:"start_time"`
		// End is when the span finished.
		End int64 `json:"end_time"`
		// Duration is the span length in milliseconds.
		Duration int64 `json:"duration"`
	}

	// TimingTracker measures one start/stop pair. Stopping a tracker that was
	// never started, or stopping it twice in a row, yields no timing.
	TimingTracker struct {
		start   int64
		started bool
	}
)

// Start marks the beginning of the span. Calling Start again restarts the
// span from now.
func (t *TimingTracker) Start() {
	t.start = nowMillis()
	t.started = true
}

// Stop closes the span and returns its timing. The second return value is
// false when no timing is available: Stop without a prior Start, or a second
// Stop in a row.
func (t *TimingTracker) Stop() (Timing, bool) {
	if !t.started {
		return Timing{}, false
	}
	t.started = false
	end := nowMillis()
	return Timing{Start: t.start, End: end, Duration: end - t.start}, true
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
