package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// HDR histogram range: 1 microsecond to 1 hour, 3 significant figures.
const (
	histMin     int64 = 1
	histMax     int64 = 3600000000
	histSigFigs       = 3
)

// CounterMetric sums values.
type CounterMetric struct {
	name  string
	mu    sync.Mutex
	sum   float64
	count int64
}

func newCounter(name string) *CounterMetric { return &CounterMetric{name: name} }

func (c *CounterMetric) Name() string { return c.name }
func (c *CounterMetric) Kind() Kind   { return Counter }

// Add adds the sample value to the running sum.
func (c *CounterMetric) Add(s Sample) {
	c.mu.Lock()
	c.sum += s.Value
	c.count++
	c.mu.Unlock()
}

// Sum returns the current total.
func (c *CounterMetric) Sum() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sum
}

func (c *CounterMetric) summarize(elapsed time.Duration) *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	perSecond := 0.0
	if elapsed > 0 {
		perSecond = c.sum / elapsed.Seconds()
	}
	return &Summary{Name: c.name, Kind: Counter, Count: c.count, Sum: c.sum, PerSecond: perSecond}
}

// GaugeMetric keeps the latest value.
type GaugeMetric struct {
	name  string
	mu    sync.Mutex
	last  float64
	min   float64
	max   float64
	count int64
}

func newGauge(name string) *GaugeMetric { return &GaugeMetric{name: name} }

func (g *GaugeMetric) Name() string { return g.name }
func (g *GaugeMetric) Kind() Kind   { return Gauge }

// Add replaces the current value.
func (g *GaugeMetric) Add(s Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 || s.Value < g.min {
		g.min = s.Value
	}
	if g.count == 0 || s.Value > g.max {
		g.max = s.Value
	}
	g.last = s.Value
	g.count++
}

// Value returns the latest value.
func (g *GaugeMetric) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *GaugeMetric) summarize(time.Duration) *Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &Summary{Name: g.name, Kind: Gauge, Count: g.count, Last: g.last, Min: g.min, Max: g.max}
}

// RateMetric counts non-zero samples against the total using atomic counters.
type RateMetric struct {
	name   string
	passes atomic.Int64
	total  atomic.Int64
}

func newRate(name string) *RateMetric { return &RateMetric{name: name} }

func (r *RateMetric) Name() string { return r.name }
func (r *RateMetric) Kind() Kind   { return Rate }

// Add counts the sample; any non-zero value counts as true.
func (r *RateMetric) Add(s Sample) {
	if s.Value != 0 {
		r.passes.Add(1)
	}
	r.total.Add(1)
}

// Rate returns the fraction of true samples, 0 when empty.
func (r *RateMetric) Rate() float64 {
	total := r.total.Load()
	if total == 0 {
		return 0
	}
	return float64(r.passes.Load()) / float64(total)
}

func (r *RateMetric) summarize(time.Duration) *Summary {
	// Add bumps passes before total, so passes is clamped.
	total := r.total.Load()
	passes := r.passes.Load()
	if passes > total {
		passes = total
	}

	rate := 0.0
	if total > 0 {
		rate = float64(passes) / float64(total)
	}
	return &Summary{Name: r.name, Kind: Rate, Count: total, Passes: passes, Fails: total - passes, Rate: rate}
}

// TrendMetric keeps all values for exact percentiles, plus an HDR histogram
// for cheap approximate readouts while the test is running.
type TrendMetric struct {
	name   string
	mu     sync.Mutex
	values []float64
	sorted bool
	sum    float64
	min    float64
	max    float64
	hist   *hdrhistogram.Histogram
}

func newTrend(name string) *TrendMetric {
	return &TrendMetric{
		name: name,
		hist: hdrhistogram.New(histMin, histMax, histSigFigs),
	}
}

func (t *TrendMetric) Name() string { return t.name }
func (t *TrendMetric) Kind() Kind   { return Trend }

// Add appends the value.
func (t *TrendMetric) Add(s Sample) {
	micros := int64(s.Value * 1000)
	if micros < histMin {
		micros = histMin
	}
	if micros > histMax {
		micros = histMax
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.values) == 0 || s.Value < t.min {
		t.min = s.Value
	}
	if len(t.values) == 0 || s.Value > t.max {
		t.max = s.Value
	}
	t.values = append(t.values, s.Value)
	t.sorted = false
	t.sum += s.Value
	// HDR RecordValue is not thread-safe, it shares the lock.
	_ = t.hist.RecordValue(micros)
}

// Percentile returns the exact nearest-rank percentile.
func (t *TrendMetric) Percentile(p float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sortLocked()
	return nearestRank(t.values, p)
}

// ApproxPercentile reads the percentile from the HDR histogram.
func (t *TrendMetric) ApproxPercentile(p float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hist.TotalCount() == 0 {
		return 0
	}
	return float64(t.hist.ValueAtQuantile(p)) / 1000
}

// Mean returns the average value.
func (t *TrendMetric) Mean() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.values) == 0 {
		return 0
	}
	return t.sum / float64(len(t.values))
}

func (t *TrendMetric) sortLocked() {
	if !t.sorted {
		sort.Float64s(t.values)
		t.sorted = true
	}
}

func (t *TrendMetric) summarize(time.Duration) *Summary {
	// Writers only wait for the copy; sorting happens outside the lock.
	t.mu.Lock()
	values := make([]float64, len(t.values))
	copy(values, t.values)
	sorted := t.sorted
	minV, maxV, sum := t.min, t.max, t.sum
	t.mu.Unlock()

	if !sorted {
		sort.Float64s(values)
	}

	s := &Summary{Name: t.name, Kind: Trend, Count: int64(len(values)), sorted: values}
	if len(values) > 0 {
		s.Min = minV
		s.Max = maxV
		s.Avg = sum / float64(len(values))
		s.Med = nearestRank(values, 50)
		s.P90 = nearestRank(values, 90)
		s.P95 = nearestRank(values, 95)
		s.P99 = nearestRank(values, 99)
	}
	return s
}

// nearestRank expects sorted input.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	rank := int(math.Ceil(p * float64(n) / 100))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
