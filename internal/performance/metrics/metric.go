// Package metrics aggregates samples recorded by virtual users.
//
// Every metric has a name and a Kind. Virtual users push Samples concurrently;
// readers take point-in-time Snapshots that are immutable and can be queried
// for percentiles and rates without holding any lock.
//
// # Percentiles
//
// Trend percentiles use the nearest-rank method over the full sorted sample
// set: for n samples, p(N) is the value at rank ceil(N/100*n). p(0) is the
// minimum and p(100) the maximum. The result only depends on the multiset of
// samples, never on the order in which they arrived.
package metrics

import (
	"fmt"
	"time"
)

// Kind identifies how samples of a metric are aggregated.
type Kind int

const (
	// Counter sums sample values.
	Counter Kind = iota
	// Gauge keeps the latest value plus min/max.
	Gauge
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps every value for percentile queries.
	Trend
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Builtin metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	DataReceived      = "data_received"
	DataSent          = "data_sent"
	Checks            = "checks"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	IterationsFailed  = "iterations_failed"
	VUs               = "vus"
	VUsMax            = "vus_max"
)

// Sample is a single immutable observation of a metric.
//
// Time metrics are recorded in milliseconds. Rate samples use 1 for true and
// 0 for false.
type Sample struct {
	Metric string    `json:"metric"`
	Time   time.Time `json:"time"`
	Value  float64   `json:"value"`
}

// Metric accumulates samples of one kind.
type Metric interface {
	Name() string
	Kind() Kind
	Add(s Sample)
	summarize(elapsed time.Duration) *Summary
}

// Bool converts a boolean into a rate sample value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Millis converts a duration into a trend sample value.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// UnknownMetricError is returned for operations on unregistered metric names.
type UnknownMetricError struct {
	Name string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown metric: %s", e.Name)
}
