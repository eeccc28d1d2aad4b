package performance

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/pkg/jsonpath"
	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

// Check is a named predicate on a response.
type Check struct {
	Name      string
	Predicate func(*Response) bool
}

func (c Check) eval(resp *Response) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if c.Predicate == nil || resp == nil {
		return false
	}
	return c.Predicate(resp)
}

// StatusIs passes when the response status equals code.
func StatusIs(code int) Check {
	return Check{
		Name:      fmt.Sprintf("status is %d", code),
		Predicate: func(r *Response) bool { return r.Error == nil && r.Status == code },
	}
}

// DurationBelow passes when the request took less than d.
func DurationBelow(d time.Duration) Check {
	return Check{
		Name:      fmt.Sprintf("response time is less than %s", d),
		Predicate: func(r *Response) bool { return r.Error == nil && r.Duration < d },
	}
}

// BodyContains passes when the body contains s.
func BodyContains(s string) Check {
	return Check{
		Name:      fmt.Sprintf("body contains %q", s),
		Predicate: func(r *Response) bool { return strings.Contains(string(r.Body), s) },
	}
}

// CompileCheck turns a check configuration into a Check. Regular expressions,
// durations and schemas are compiled once here.
func CompileCheck(cfg config.CheckConfig) (Check, error) {
	name := cfg.Name
	if name == "" {
		name = strings.TrimSpace(fmt.Sprintf("%s %s %s %s", cfg.Type, cfg.Path, cfg.Condition, cfg.Value))
		if cfg.Type == "schema" {
			name = "body matches schema"
		}
	}

	if cfg.Type == "schema" {
		schema, err := jsonschema.Compile(cfg.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: %w", name, err)
		}
		return Check{
			Name:      name,
			Predicate: func(r *Response) bool { return r.Error == nil && schema.Validate(r.Body) == nil },
		}, nil
	}

	cmp, err := newComparer(cfg.Condition, cfg.Value)
	if err != nil {
		return Check{}, fmt.Errorf("check %q: %w", name, err)
	}

	var pred func(*Response) bool
	switch cfg.Type {
	case "status":
		pred = func(r *Response) bool {
			return r.Error == nil && cmp.compare(strconv.Itoa(r.Status), true)
		}

	case "duration":
		limit, err := config.ParseDurationString(cfg.Value)
		if err != nil {
			return Check{}, fmt.Errorf("check %q: invalid duration: %w", name, err)
		}
		// Durations compare in milliseconds.
		cmp.number = float64(limit) / float64(time.Millisecond)
		cmp.numeric = true
		pred = func(r *Response) bool {
			if r.Error != nil {
				return false
			}
			ms := strconv.FormatFloat(float64(r.Duration)/float64(time.Millisecond), 'f', -1, 64)
			return cmp.compare(ms, true)
		}

	case "header":
		header := cfg.Path
		pred = func(r *Response) bool {
			values := r.Header.Values(header)
			if len(values) == 0 {
				return cmp.compare("", false)
			}
			return cmp.compare(values[0], true)
		}

	case "body":
		pred = func(r *Response) bool {
			return cmp.compare(string(r.Body), len(r.Body) > 0)
		}

	case "json":
		path := cfg.Path
		pred = func(r *Response) bool {
			res := jsonpath.Lookup(r.Body, path)
			return cmp.compare(res.String(), res.Exists())
		}

	default:
		return Check{}, fmt.Errorf("check %q: unknown type %q", name, cfg.Type)
	}

	return Check{Name: name, Predicate: pred}, nil
}

// comparer applies a condition to an actual string value.
type comparer struct {
	condition string
	expected  string
	number    float64
	numeric   bool
	re        *regexp.Regexp
}

func newComparer(condition, expected string) (*comparer, error) {
	c := &comparer{condition: condition, expected: expected}

	switch condition {
	case "eq", "ne", "contains", "exists":
	case "gt", "gte", "lt", "lte":
	case "matches":
		re, err := regexp.Compile(expected)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression: %w", err)
		}
		c.re = re
	default:
		return nil, fmt.Errorf("unknown condition %q", condition)
	}

	if n, err := strconv.ParseFloat(expected, 64); err == nil {
		c.number = n
		c.numeric = true
	}
	return c, nil
}

func (c *comparer) compare(actual string, present bool) bool {
	switch c.condition {
	case "exists":
		return present
	case "contains":
		return present && strings.Contains(actual, c.expected)
	case "matches":
		return present && c.re.MatchString(actual)
	}

	if !present {
		return c.condition == "ne"
	}

	if c.numeric {
		if n, err := strconv.ParseFloat(actual, 64); err == nil {
			switch c.condition {
			case "eq":
				return n == c.number
			case "ne":
				return n != c.number
			case "gt":
				return n > c.number
			case "gte":
				return n >= c.number
			case "lt":
				return n < c.number
			case "lte":
				return n <= c.number
			}
		}
	}

	switch c.condition {
	case "eq":
		return actual == c.expected
	case "ne":
		return actual != c.expected
	case "gt":
		return actual > c.expected
	case "gte":
		return actual >= c.expected
	case "lt":
		return actual < c.expected
	case "lte":
		return actual <= c.expected
	}
	return false
}

// CheckCount is the tally of one named check.
type CheckCount struct {
	Name   string `json:"name"`
	Passes int64  `json:"passes"`
	Fails  int64  `json:"fails"`
}

// CheckStats tallies check outcomes by name.
type CheckStats struct {
	mu     sync.Mutex
	counts map[string]*CheckCount
}

// NewCheckStats creates an empty tally.
func NewCheckStats() *CheckStats {
	return &CheckStats{counts: make(map[string]*CheckCount)}
}

func (cs *CheckStats) record(name string, ok bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, exists := cs.counts[name]
	if !exists {
		c = &CheckCount{Name: name}
		cs.counts[name] = c
	}
	if ok {
		c.Passes++
	} else {
		c.Fails++
	}
}

// Snapshot returns the tallies sorted by name.
func (cs *CheckStats) Snapshot() []CheckCount {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]CheckCount, 0, len(cs.counts))
	for _, c := range cs.counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MergeCheckCounts sums tallies from several pools by check name.
func MergeCheckCounts(sets ...[]CheckCount) []CheckCount {
	merged := NewCheckStats()
	for _, set := range sets {
		for _, c := range set {
			merged.mu.Lock()
			m, ok := merged.counts[c.Name]
			if !ok {
				m = &CheckCount{Name: c.Name}
				merged.counts[c.Name] = m
			}
			m.Passes += c.Passes
			m.Fails += c.Fails
			merged.mu.Unlock()
		}
	}
	return merged.Snapshot()
}
