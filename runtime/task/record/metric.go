package record

import (
	"errors"
	"math"
)

// Metric is a typed, named numeric measurement attached to an execution.
type Metric struct {
	// Type groups metrics by kind (e.g. "latency", "count").
	Type string `json:"type"`
	// Name identifies the measurement within its type.
	Name string `json:"name"`
	// Value is the measurement. Must be a finite number.
	Value float64 `json:"value"`
}

// Metric validation errors. Submission surfaces these to the caller rather
// than silently dropping the metric.
var (
	ErrMetricType  = errors.New("metric type must be a non-empty string")
	ErrMetricName  = errors.New("metric name must be a non-empty string")
	ErrMetricValue = errors.New("metric value must be a finite number")
)

// Validate checks the metric shape: non-empty type and name, finite value.
func (m Metric) Validate() error {
	if m.Type == "" {
		return ErrMetricType
	}
	if m.Name == "" {
		return ErrMetricName
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return ErrMetricValue
	}
	return nil
}
