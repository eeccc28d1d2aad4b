package performance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/metrics"
	"github.com/wesleyorama2/volley/pkg/jsonpath"
)

// Response is the outcome of one HTTP request made through a Session.
// Transport failures are reported in Error, never returned.
type Response struct {
	Request  *http.Request
	Status   int
	Proto    string
	Header   http.Header
	Body     []byte
	Duration time.Duration
	Error    error
}

// OK reports whether the request completed with a 2xx status.
func (r *Response) OK() bool {
	return r.Error == nil && r.Status >= 200 && r.Status < 300
}

// JSON looks up a value in the body. Both JSONPath ($.a.b) and gjson (a.b)
// syntax are accepted.
func (r *Response) JSON(path string) gjson.Result {
	return jsonpath.Lookup(r.Body, path)
}

// String returns the body as a string.
func (r *Response) String() string {
	return string(r.Body)
}

// Session is the capability handed to a scenario for one iteration.
type Session struct {
	ctx context.Context
	// hard is the test-wide context, ctx may be narrowed per request.
	hard      context.Context
	done      <-chan struct{}
	vu        *VirtualUser
	iteration int64
}

func newSession(ctx context.Context, done <-chan struct{}, vu *VirtualUser, iteration int64) *Session {
	return &Session{ctx: ctx, hard: ctx, done: done, vu: vu, iteration: iteration}
}

// VU returns the ID of the virtual user running the iteration.
func (s *Session) VU() int {
	return s.vu.ID
}

// Iteration returns the 1-based iteration number of this VU.
func (s *Session) Iteration() int64 {
	return s.iteration
}

// Context returns the hard-stop context of the iteration.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Logger returns the pool logger annotated with the VU and iteration.
func (s *Session) Logger() *zap.Logger {
	return s.vu.pool.logger.With(zap.Int("vu", s.vu.ID), zap.Int64("iteration", s.iteration))
}

// Resolve replaces {{name}} placeholders using the pool variables and the
// builtins vu, iteration, uuid and timestamp.
func (s *Session) Resolve(input string) string {
	return Resolve(input, s.vu.pool.config.Variables, s.vu.ID, s.iteration)
}

// Ending reports whether the test has reached its end or this VU was asked
// to stop. Scenarios may use it to skip optional work.
func (s *Session) Ending() bool {
	select {
	case <-s.done:
		return true
	case <-s.vu.stopCh:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Get issues a GET request.
func (s *Session) Get(url string, headers map[string]string) *Response {
	return s.Request(http.MethodGet, url, "", headers)
}

// Post issues a POST request with the given body.
func (s *Session) Post(url, body string, headers map[string]string) *Response {
	return s.Request(http.MethodPost, url, body, headers)
}

// Request builds and sends a request. Placeholders in url, body and header
// values are resolved first.
func (s *Session) Request(method, url, body string, headers map[string]string) *Response {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(s.Resolve(body))
	}

	req, err := http.NewRequestWithContext(s.ctx, method, s.Resolve(url), reader)
	if err != nil {
		// Invalid requests never reach the wire but still count as failed.
		resp := &Response{Error: fmt.Errorf("failed to build request: %w", err)}
		s.record(resp, 0, 0)
		return resp
	}

	for key, value := range headers {
		req.Header.Set(key, s.Resolve(value))
	}

	return s.Do(req)
}

// Do sends req through the pool's shared client and records request
// metrics. A transport error or a non-2xx status counts as a failed
// request.
func (s *Session) Do(req *http.Request) *Response {
	pool := s.vu.pool
	for key, value := range pool.config.Headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	if pool.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", pool.config.UserAgent)
	}

	resp := &Response{Request: req}
	if err := pool.config.Limiter.Wait(s.hard); err != nil {
		resp.Error = err
		s.record(resp, 0, 0)
		return resp
	}
	sent := requestSize(req)

	start := time.Now()
	httpResp, err := pool.client.Do(req)
	if err != nil {
		resp.Duration = time.Since(start)
		resp.Error = err
		s.record(resp, sent, 0)
		return resp
	}

	body, readErr := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	resp.Duration = time.Since(start)

	resp.Status = httpResp.StatusCode
	resp.Proto = httpResp.Proto
	resp.Header = httpResp.Header
	resp.Body = body
	if readErr != nil {
		resp.Error = fmt.Errorf("failed to read response body: %w", readErr)
	}

	s.record(resp, sent, responseSize(httpResp, len(body)))
	return resp
}

func (s *Session) record(resp *Response, sent, received int64) {
	// Requests aborted by the hard stop are not the target's fault.
	if s.hard.Err() != nil && errors.Is(resp.Error, s.hard.Err()) {
		return
	}

	now := time.Now()
	b := s.vu.pool.registry.Builtin()
	b.HTTPReqs.Add(metrics.Sample{Metric: metrics.HTTPReqs, Time: now, Value: 1})
	b.HTTPReqDuration.Add(metrics.Sample{Metric: metrics.HTTPReqDuration, Time: now, Value: metrics.Millis(resp.Duration)})
	b.HTTPReqFailed.Add(metrics.Sample{Metric: metrics.HTTPReqFailed, Time: now, Value: metrics.Bool(!resp.OK())})
	b.DataSent.Add(metrics.Sample{Metric: metrics.DataSent, Time: now, Value: float64(sent)})
	b.DataReceived.Add(metrics.Sample{Metric: metrics.DataReceived, Time: now, Value: float64(received)})

	if resp.Error != nil {
		s.vu.pool.logger.Debug("request failed",
			zap.Int("vu", s.vu.ID),
			zap.Int64("iteration", s.iteration),
			zap.Error(resp.Error))
	}
}

// Check evaluates each check against resp, records one checks sample per
// check and returns true if all passed. A panicking predicate fails.
func (s *Session) Check(resp *Response, checks ...Check) bool {
	all := true
	for _, c := range checks {
		ok := c.eval(resp)
		s.vu.pool.checks.record(c.Name, ok)
		s.vu.pool.registry.Builtin().Checks.Add(metrics.Sample{
			Metric: metrics.Checks,
			Time:   time.Now(),
			Value:  metrics.Bool(ok),
		})
		if !ok {
			all = false
		}
	}
	return all
}

// Add records a sample on a registered metric, usually a custom one.
func (s *Session) Add(metric string, value float64) error {
	return s.vu.pool.registry.Add(metrics.Sample{Metric: metric, Time: time.Now(), Value: value})
}

// Sleep pauses for d. It returns early when the test ends or the VU is
// asked to stop, and reports whether the full duration elapsed.
func (s *Session) Sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.done:
	case <-s.vu.stopCh:
	case <-s.ctx.Done():
	}
	return false
}

// requestSize approximates the bytes written for req.
func requestSize(req *http.Request) int64 {
	size := int64(len(req.Method) + len(req.URL.RequestURI()) + len(" HTTP/1.1\r\n"))
	size += int64(len("Host: \r\n") + len(req.URL.Host))
	for key, values := range req.Header {
		for _, v := range values {
			size += int64(len(key) + len(v) + 4)
		}
	}
	size += 2
	if req.ContentLength > 0 {
		size += req.ContentLength
	}
	return size
}

// responseSize approximates the bytes read for resp.
func responseSize(resp *http.Response, bodyLen int) int64 {
	size := int64(len(resp.Proto) + len(resp.Status) + 3)
	for key, values := range resp.Header {
		for _, v := range values {
			size += int64(len(key) + len(v) + 4)
		}
	}
	return size + 2 + int64(bodyLen)
}
