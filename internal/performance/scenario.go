package performance

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/wesleyorama2/volley/internal/performance/config"
)

// Scenario is the work a VU performs in one iteration. Returning an error
// marks the iteration as failed; the VU keeps running either way.
type Scenario interface {
	Run(ctx context.Context, s *Session) error
}

// ScenarioFunc adapts a function to the Scenario interface.
type ScenarioFunc func(ctx context.Context, s *Session) error

// Run calls f(ctx, s).
func (f ScenarioFunc) Run(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// Request is one compiled request of a RequestScenario.
type Request struct {
	Name    string
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	Checks  []Check
}

// RequestScenario executes a fixed list of requests in order, runs their
// checks and then sleeps the think-time.
type RequestScenario struct {
	Name      string
	Requests  []Request
	ThinkTime time.Duration

	// ThinkTimeJitter adds a uniformly random pause in [0, jitter) on top of
	// ThinkTime.
	ThinkTimeJitter time.Duration
}

// NewRequestScenario compiles the requests and checks of a scenario
// configuration. Check compilation errors are returned here so they surface
// before any load is generated.
func NewRequestScenario(name string, sc *config.ScenarioConfig) (*RequestScenario, error) {
	think, jitter, err := sc.ThinkTimes()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", name, err)
	}

	rs := &RequestScenario{
		Name:            name,
		ThinkTime:       think,
		ThinkTimeJitter: jitter,
	}

	for i, rc := range sc.Requests {
		timeout, err := config.ParseDurationString(rc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("scenario %s request %d: invalid timeout: %w", name, i+1, err)
		}

		req := Request{
			Name:    rc.Name,
			Method:  rc.Method,
			URL:     rc.URL,
			Headers: rc.Headers,
			Body:    rc.Body,
			Timeout: timeout,
		}
		if req.Method == "" {
			req.Method = "GET"
		}

		for j, cc := range rc.Checks {
			check, err := CompileCheck(cc)
			if err != nil {
				return nil, fmt.Errorf("scenario %s request %d check %d: %w", name, i+1, j+1, err)
			}
			req.Checks = append(req.Checks, check)
		}

		rs.Requests = append(rs.Requests, req)
	}

	return rs, nil
}

// Run implements Scenario.
func (rs *RequestScenario) Run(ctx context.Context, s *Session) error {
	failed := 0

	for _, req := range rs.Requests {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp := rs.send(ctx, s, req)
		if resp.Error != nil {
			failed++
		}
		if len(req.Checks) > 0 {
			s.Check(resp, req.Checks...)
		}
	}

	s.Sleep(rs.thinkTime())

	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(rs.Requests))
	}
	return nil
}

func (rs *RequestScenario) send(ctx context.Context, s *Session, req Request) *Response {
	if req.Timeout <= 0 {
		return s.Request(req.Method, req.URL, req.Body, req.Headers)
	}

	// A per-request timeout shortens the session context for this request.
	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	scoped := *s
	scoped.ctx = reqCtx
	return scoped.Request(req.Method, req.URL, req.Body, req.Headers)
}

func (rs *RequestScenario) thinkTime() time.Duration {
	if rs.ThinkTimeJitter <= 0 {
		return rs.ThinkTime
	}
	return rs.ThinkTime + time.Duration(rand.Int63n(int64(rs.ThinkTimeJitter)))
}
