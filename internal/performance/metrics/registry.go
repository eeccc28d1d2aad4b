package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds every metric of a test run.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Registration takes a write lock;
// recording only takes the lock of the metric being written.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	start   time.Time

	builtin *Builtin
}

// Builtin holds typed handles to the metrics every run records.
type Builtin struct {
	HTTPReqs          *CounterMetric
	HTTPReqDuration   *TrendMetric
	HTTPReqFailed     *RateMetric
	DataReceived      *CounterMetric
	DataSent          *CounterMetric
	Checks            *RateMetric
	Iterations        *CounterMetric
	IterationDuration *TrendMetric
	IterationsFailed  *RateMetric
	VUs               *GaugeMetric
	VUsMax            *GaugeMetric
}

// NewRegistry creates a registry with all builtin metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		metrics: make(map[string]Metric),
		start:   time.Now(),
	}

	b := &Builtin{
		HTTPReqs:          newCounter(HTTPReqs),
		HTTPReqDuration:   newTrend(HTTPReqDuration),
		HTTPReqFailed:     newRate(HTTPReqFailed),
		DataReceived:      newCounter(DataReceived),
		DataSent:          newCounter(DataSent),
		Checks:            newRate(Checks),
		Iterations:        newCounter(Iterations),
		IterationDuration: newTrend(IterationDuration),
		IterationsFailed:  newRate(IterationsFailed),
		VUs:               newGauge(VUs),
		VUsMax:            newGauge(VUsMax),
	}
	for _, m := range []Metric{
		b.HTTPReqs, b.HTTPReqDuration, b.HTTPReqFailed, b.DataReceived, b.DataSent,
		b.Checks, b.Iterations, b.IterationDuration, b.IterationsFailed, b.VUs, b.VUsMax,
	} {
		r.metrics[m.Name()] = m
	}
	r.builtin = b

	return r
}

// Builtin returns the builtin metric handles.
func (r *Registry) Builtin() *Builtin {
	return r.builtin
}

// Start marks the beginning of the measured run. Per-second counter rates
// are computed from this instant.
func (r *Registry) Start(t time.Time) {
	r.mu.Lock()
	r.start = t
	r.mu.Unlock()
}

// Elapsed returns the time since Start.
func (r *Registry) Elapsed() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.start)
}

// Register adds a custom metric. Registering an existing name with the same
// kind returns the existing metric.
func (r *Registry) Register(name string, kind Kind) (Metric, error) {
	if name == "" {
		return nil, fmt.Errorf("metric name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.metrics[name]; ok {
		if m.Kind() != kind {
			return nil, fmt.Errorf("metric %s already registered as %s", name, m.Kind())
		}
		return m, nil
	}

	var m Metric
	switch kind {
	case Counter:
		m = newCounter(name)
	case Gauge:
		m = newGauge(name)
	case Rate:
		m = newRate(name)
	case Trend:
		m = newTrend(name)
	default:
		return nil, fmt.Errorf("unknown metric kind: %d", kind)
	}

	r.metrics[name] = m
	return m, nil
}

// Get returns the metric with the given name.
func (r *Registry) Get(name string) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[name]
	return m, ok
}

// Names returns all registered metric names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add records a sample on the named metric.
func (r *Registry) Add(s Sample) error {
	m, ok := r.Get(s.Metric)
	if !ok {
		return &UnknownMetricError{Name: s.Metric}
	}
	m.Add(s)
	return nil
}

// AddAll records a batch of samples, stopping at the first unknown metric.
func (r *Registry) AddAll(samples []Sample) error {
	for _, s := range samples {
		if err := r.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Percentile returns the exact nearest-rank percentile of a trend metric.
func (r *Registry) Percentile(name string, p float64) (float64, error) {
	m, ok := r.Get(name)
	if !ok {
		return 0, &UnknownMetricError{Name: name}
	}
	t, ok := m.(*TrendMetric)
	if !ok {
		return 0, fmt.Errorf("metric %s is a %s, percentiles need a trend", name, m.Kind())
	}
	return t.Percentile(p), nil
}

// Rate returns the fraction of true samples of a rate metric.
func (r *Registry) Rate(name string) (float64, error) {
	m, ok := r.Get(name)
	if !ok {
		return 0, &UnknownMetricError{Name: name}
	}
	rm, ok := m.(*RateMetric)
	if !ok {
		return 0, fmt.Errorf("metric %s is a %s, not a rate", name, m.Kind())
	}
	return rm.Rate(), nil
}

// Snapshot returns an immutable point-in-time copy of the named metrics,
// or of every metric when no name is given. Unknown names are skipped.
func (r *Registry) Snapshot(names ...string) *Snapshot {
	r.mu.RLock()
	metrics := make([]Metric, 0, len(r.metrics))
	if len(names) == 0 {
		for _, m := range r.metrics {
			metrics = append(metrics, m)
		}
	} else {
		for _, name := range names {
			if m, ok := r.metrics[name]; ok {
				metrics = append(metrics, m)
			}
		}
	}
	start := r.start
	r.mu.RUnlock()

	now := time.Now()
	elapsed := now.Sub(start)

	snap := &Snapshot{
		Timestamp: now,
		Elapsed:   elapsed,
		Metrics:   make(map[string]*Summary, len(metrics)),
	}
	for _, m := range metrics {
		snap.Metrics[m.Name()] = m.summarize(elapsed)
	}
	return snap
}

// Live returns a cheap progress readout based on the HDR histograms.
func (r *Registry) Live() *LiveStats {
	b := r.builtin
	elapsed := r.Elapsed()

	requests := int64(b.HTTPReqs.Sum())
	rps := 0.0
	if elapsed > 0 {
		rps = float64(requests) / elapsed.Seconds()
	}

	failed := b.HTTPReqFailed.summarize(elapsed)

	return &LiveStats{
		Elapsed:       elapsed,
		ActiveVUs:     int(b.VUs.Value()),
		TotalRequests: requests,
		Errors:        failed.Passes,
		ErrorRate:     failed.Rate,
		RPS:           rps,
		LatencyP95:    time.Duration(b.HTTPReqDuration.ApproxPercentile(95) * float64(time.Millisecond)),
		LatencyAvg:    time.Duration(b.HTTPReqDuration.Mean() * float64(time.Millisecond)),
	}
}

// LiveStats is a lightweight view used for progress output.
type LiveStats struct {
	Elapsed       time.Duration
	ActiveVUs     int
	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	RPS           float64
	LatencyP95    time.Duration
	LatencyAvg    time.Duration
}
