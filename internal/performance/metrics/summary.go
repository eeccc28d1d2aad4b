package metrics

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Summary is the aggregated, immutable state of one metric. Its JSON form
// carries every aggregate of its kind, zero values included.
type Summary struct {
	Name string `json:"name"`
	Kind Kind   `json:"type"`

	// Count is the number of samples recorded.
	Count int64 `json:"count"`

	// Counter
	Sum       float64 `json:"sum"`
	PerSecond float64 `json:"perSecond"`

	// Gauge
	Last float64 `json:"value"`

	// Gauge and Trend
	Min float64 `json:"min"`
	Max float64 `json:"max"`

	// Trend
	Avg float64 `json:"avg"`
	Med float64 `json:"med"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`

	// Rate
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`

	sorted []float64
}

// MarshalJSON emits the fields that belong to the summary's kind.
func (s *Summary) MarshalJSON() ([]byte, error) {
	head := struct {
		Name  string `json:"name"`
		Kind  Kind   `json:"type"`
		Count int64  `json:"count"`
	}{s.Name, s.Kind, s.Count}

	switch s.Kind {
	case Counter:
		return json.Marshal(struct {
			Name      string  `json:"name"`
			Kind      Kind    `json:"type"`
			Count     int64   `json:"count"`
			Sum       float64 `json:"sum"`
			PerSecond float64 `json:"perSecond"`
		}{head.Name, head.Kind, head.Count, s.Sum, s.PerSecond})
	case Gauge:
		return json.Marshal(struct {
			Name  string  `json:"name"`
			Kind  Kind    `json:"type"`
			Count int64   `json:"count"`
			Value float64 `json:"value"`
			Min   float64 `json:"min"`
			Max   float64 `json:"max"`
		}{head.Name, head.Kind, head.Count, s.Last, s.Min, s.Max})
	case Rate:
		return json.Marshal(struct {
			Name   string  `json:"name"`
			Kind   Kind    `json:"type"`
			Count  int64   `json:"count"`
			Passes int64   `json:"passes"`
			Fails  int64   `json:"fails"`
			Rate   float64 `json:"rate"`
		}{head.Name, head.Kind, head.Count, s.Passes, s.Fails, s.Rate})
	case Trend:
		return json.Marshal(struct {
			Name  string  `json:"name"`
			Kind  Kind    `json:"type"`
			Count int64   `json:"count"`
			Avg   float64 `json:"avg"`
			Min   float64 `json:"min"`
			Med   float64 `json:"med"`
			Max   float64 `json:"max"`
			P90   float64 `json:"p90"`
			P95   float64 `json:"p95"`
			P99   float64 `json:"p99"`
		}{head.Name, head.Kind, head.Count, s.Avg, s.Min, s.Med, s.Max, s.P90, s.P95, s.P99})
	}
	return json.Marshal(head)
}

// Percentile returns the nearest-rank percentile of a trend summary.
func (s *Summary) Percentile(p float64) float64 {
	return nearestRank(s.sorted, p)
}

// Value returns the named aggregation. Supported names depend on the kind:
//
//	counter: count, rate (per second), value (sum)
//	gauge:   value, min, max
//	rate:    rate, passes, fails, count
//	trend:   avg, min, max, med, count, p(N)
func (s *Summary) Value(agg string) (float64, error) {
	if p, ok, err := ParsePercentile(agg); ok {
		if err != nil {
			return 0, err
		}
		if s.Kind != Trend {
			return 0, fmt.Errorf("%s: %s not supported for %s metrics", s.Name, agg, s.Kind)
		}
		return s.Percentile(p), nil
	}

	switch s.Kind {
	case Counter:
		switch agg {
		case "count":
			return s.Sum, nil
		case "rate":
			return s.PerSecond, nil
		case "value":
			return s.Sum, nil
		}
	case Gauge:
		switch agg {
		case "value":
			return s.Last, nil
		case "min":
			return s.Min, nil
		case "max":
			return s.Max, nil
		}
	case Rate:
		switch agg {
		case "rate":
			return s.Rate, nil
		case "passes":
			return float64(s.Passes), nil
		case "fails":
			return float64(s.Fails), nil
		case "count":
			return float64(s.Count), nil
		}
	case Trend:
		switch agg {
		case "avg":
			return s.Avg, nil
		case "min":
			return s.Min, nil
		case "max":
			return s.Max, nil
		case "med":
			return s.Med, nil
		case "count":
			return float64(s.Count), nil
		}
	}

	return 0, fmt.Errorf("%s: aggregation %q not supported for %s metrics", s.Name, agg, s.Kind)
}

// SupportsAggregation reports whether agg is valid for metrics of kind k.
func SupportsAggregation(k Kind, agg string) bool {
	s := &Summary{Kind: k}
	_, err := s.Value(agg)
	return err == nil
}

// ParsePercentile recognizes "p(N)". ok is false when agg is not a
// percentile at all; err is set when it looks like one but N is invalid.
func ParsePercentile(agg string) (p float64, ok bool, err error) {
	if !strings.HasPrefix(agg, "p(") || !strings.HasSuffix(agg, ")") {
		return 0, false, nil
	}

	raw := strings.TrimSpace(agg[2 : len(agg)-1])
	p, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, true, fmt.Errorf("invalid percentile %q", agg)
	}
	if p < 0 || p > 100 {
		return 0, true, fmt.Errorf("percentile must be between 0 and 100, got %g", p)
	}
	return p, true, nil
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Elapsed   time.Duration       `json:"elapsed"`
	Metrics   map[string]*Summary `json:"metrics"`
}

// Get returns the summary for name, or nil.
func (s *Snapshot) Get(name string) *Summary {
	if s == nil {
		return nil
	}
	return s.Metrics[name]
}

// Value is a shortcut for Get(name).Value(agg).
func (s *Snapshot) Value(name, agg string) (float64, error) {
	sum := s.Get(name)
	if sum == nil {
		return 0, &UnknownMetricError{Name: name}
	}
	return sum.Value(agg)
}
