package threshold

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/metrics"
)

// DefaultInterval is how often thresholds are evaluated while a test runs.
const DefaultInterval = time.Second

// Spec declares one threshold on one metric.
type Spec struct {
	Metric     string
	Expression string

	// AbortOnFail stops the test as soon as this threshold fails during a
	// periodic evaluation.
	AbortOnFail bool

	// DelayAbortEval holds off abort decisions until this much test time
	// has elapsed.
	DelayAbortEval time.Duration
}

// Options configures an Evaluator.
type Options struct {
	Interval time.Duration
	Logger   *zap.Logger
}

// Result is the outcome of evaluating one threshold once.
type Result struct {
	Metric      string        `json:"metric"`
	Expression  string        `json:"expression"`
	Passed      bool          `json:"passed"`
	Value       float64       `json:"value"`
	Threshold   float64       `json:"threshold"`
	AbortOnFail bool          `json:"abortOnFail,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Message     string        `json:"message,omitempty"`
}

// Verdict is the final outcome of a test run.
type Verdict struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// Failed returns the failing results.
func (v Verdict) Failed() []Result {
	var out []Result
	for _, r := range v.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

type compiled struct {
	spec Spec
	expr *Expression
}

// Evaluator checks a fixed set of thresholds against metric snapshots.
type Evaluator struct {
	registry   *metrics.Registry
	thresholds []compiled
	metrics    []string
	interval   time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	history []Result
}

// NewEvaluator compiles the thresholds. Unknown metrics, unparsable
// expressions and aggregations that do not apply to the metric's kind are
// all reported here, before any load is generated.
func NewEvaluator(specs []Spec, registry *metrics.Registry, opts Options) (*Evaluator, error) {
	if registry == nil {
		return nil, fmt.Errorf("metrics registry is required")
	}

	e := &Evaluator{
		registry: registry,
		interval: opts.Interval,
		logger:   opts.Logger,
	}
	if e.interval <= 0 {
		e.interval = DefaultInterval
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	for _, spec := range specs {
		m, ok := registry.Get(spec.Metric)
		if !ok {
			return nil, fmt.Errorf("threshold %q: %w", spec.Expression, &metrics.UnknownMetricError{Name: spec.Metric})
		}

		expr, err := Parse(spec.Expression)
		if err != nil {
			return nil, fmt.Errorf("threshold on %s: %w", spec.Metric, err)
		}

		if !metrics.SupportsAggregation(m.Kind(), expr.Aggregation) {
			return nil, fmt.Errorf("threshold %q: aggregation %q is not supported for %s metric %s",
				spec.Expression, expr.Aggregation, m.Kind(), spec.Metric)
		}
		if expr.Unit != "" && m.Kind() != metrics.Trend {
			return nil, fmt.Errorf("threshold %q: time unit %q only applies to trend metrics, %s is a %s",
				spec.Expression, expr.Unit, spec.Metric, m.Kind())
		}
		if spec.DelayAbortEval < 0 {
			return nil, fmt.Errorf("threshold %q: delayAbortEval cannot be negative", spec.Expression)
		}

		e.thresholds = append(e.thresholds, compiled{spec: spec, expr: expr})
		if !slices.Contains(e.metrics, spec.Metric) {
			e.metrics = append(e.metrics, spec.Metric)
		}
	}

	return e, nil
}

// Len returns the number of thresholds.
func (e *Evaluator) Len() int {
	return len(e.thresholds)
}

// Evaluate checks every threshold against the snapshot and appends the
// results to the history. The returned results only depend on the snapshot.
func (e *Evaluator) Evaluate(snap *metrics.Snapshot, elapsed time.Duration) []Result {
	results := make([]Result, 0, len(e.thresholds))

	for _, t := range e.thresholds {
		r := Result{
			Metric:      t.spec.Metric,
			Expression:  t.expr.Raw,
			Threshold:   t.expr.Value,
			AbortOnFail: t.spec.AbortOnFail,
			Elapsed:     elapsed,
		}

		value, err := snap.Value(t.spec.Metric, t.expr.Aggregation)
		if err != nil {
			r.Message = err.Error()
			results = append(results, r)
			continue
		}

		r.Value = value
		r.Passed = t.expr.Operator.Compare(value, t.expr.Value)
		if !r.Passed {
			r.Message = fmt.Sprintf("%s %s is %g, want %s %g",
				t.spec.Metric, t.expr.Aggregation, value, t.expr.Operator, t.expr.Value)
		}
		results = append(results, r)
	}

	e.mu.Lock()
	e.history = append(e.history, results...)
	e.mu.Unlock()

	return results
}

// History returns every result recorded so far.
func (e *Evaluator) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Result, len(e.history))
	copy(out, e.history)
	return out
}

// Run evaluates thresholds every interval until ctx is done. If an
// abort-on-fail threshold fails past its delay, abort is called once with a
// reason and Run returns.
func (e *Evaluator) Run(ctx context.Context, abort func(reason string)) {
	if len(e.thresholds) == 0 {
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.registry.Snapshot(e.metrics...)
			results := e.Evaluate(snap, snap.Elapsed)

			if reason, ok := e.abortReason(results, snap.Elapsed); ok {
				e.logger.Warn("threshold crossed, aborting test", zap.String("reason", reason))
				if abort != nil {
					abort(reason)
				}
				return
			}
		}
	}
}

func (e *Evaluator) abortReason(results []Result, elapsed time.Duration) (string, bool) {
	for i, r := range results {
		if r.Passed || !r.AbortOnFail {
			continue
		}
		if elapsed < e.thresholds[i].spec.DelayAbortEval {
			e.logger.Debug("threshold failing, abort delayed",
				zap.String("metric", r.Metric),
				zap.String("expression", r.Expression),
				zap.Duration("elapsed", elapsed))
			continue
		}
		return fmt.Sprintf("threshold %s on %s crossed: %s", r.Expression, r.Metric, r.Message), true
	}
	return "", false
}

// Final evaluates all thresholds against the end-of-test snapshot. The test
// passes only when every threshold passes.
func (e *Evaluator) Final(snap *metrics.Snapshot) Verdict {
	results := e.Evaluate(snap, snap.Elapsed)

	passed := true
	for _, r := range results {
		if !r.Passed {
			passed = false
		}
	}

	return Verdict{Passed: passed, Results: results}
}
