// Package threshold evaluates pass/fail criteria against aggregated metrics.
//
// A threshold is a metric name plus an expression such as "p(95)<500" or
// "rate<0.01". Expressions use the form:
//
//	<aggregation> <operator> <number>[unit]
//
// Aggregations are avg, min, max, med, count, rate, value, passes, fails and
// p(N). Operators are <, <=, >, >=, ==, === and !=. Time units (us, µs, ms, s,
// m) convert the number to milliseconds; a bare number is taken as is, which
// for time metrics means milliseconds.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wesleyorama2/volley/internal/performance/metrics"
)

// Operator compares an aggregated value against the threshold value.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpStrictEqual  Operator = "==="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator.
func (op Operator) Compare(actual, threshold float64) bool {
	switch op {
	case OpLess:
		return actual < threshold
	case OpLessEqual:
		return actual <= threshold
	case OpGreater:
		return actual > threshold
	case OpGreaterEqual:
		return actual >= threshold
	case OpEqual, OpStrictEqual:
		return actual == threshold
	case OpNotEqual:
		return actual != threshold
	default:
		return false
	}
}

// Expression is a parsed threshold expression.
type Expression struct {
	Raw         string
	Aggregation string
	Operator    Operator
	Value       float64
	// Unit is the time unit written after the number, if any.
	Unit string
}

func (e *Expression) String() string {
	return e.Raw
}

var expressionRe = regexp.MustCompile(
	`^\s*([a-z]+|p\(\s*[0-9]*\.?[0-9]+\s*\))\s*(===|==|!=|<=|>=|<|>)\s*(-?[0-9]*\.?[0-9]+)\s*(us|µs|ms|s|m)?\s*$`,
)

var knownAggregations = map[string]bool{
	"avg": true, "min": true, "max": true, "med": true,
	"count": true, "rate": true, "value": true,
	"passes": true, "fails": true,
}

// countingAggregations never yield a time, so a unit on them is a mistake.
var countingAggregations = map[string]bool{
	"rate": true, "count": true, "passes": true, "fails": true,
}

var unitMillis = map[string]float64{
	"":   1,
	"us": 0.001,
	"µs": 0.001,
	"ms": 1,
	"s":  1000,
	"m":  60000,
}

// Parse parses an expression like "p(95)<500" or "avg < 1.5s".
func Parse(expr string) (*Expression, error) {
	m := expressionRe.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("invalid threshold expression %q: expected '<aggregation> <operator> <value>'", expr)
	}

	agg := strings.ReplaceAll(m[1], " ", "")
	if _, isPercentile, err := metrics.ParsePercentile(agg); isPercentile {
		if err != nil {
			return nil, fmt.Errorf("invalid threshold expression %q: %w", expr, err)
		}
	} else if !knownAggregations[agg] {
		return nil, fmt.Errorf("invalid threshold expression %q: unknown aggregation %q", expr, agg)
	}

	if m[4] != "" && countingAggregations[agg] {
		return nil, fmt.Errorf("invalid threshold expression %q: %s takes no time unit", expr, agg)
	}

	value, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid threshold expression %q: %w", expr, err)
	}

	return &Expression{
		Raw:         strings.TrimSpace(expr),
		Aggregation: agg,
		Operator:    Operator(m[2]),
		Value:       value * unitMillis[m[4]],
		Unit:        m[4],
	}, nil
}
