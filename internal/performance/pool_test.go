package performance_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/volley/internal/performance"
	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
)

// createTestServer creates a test HTTP server
func createTestServer(delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"bot_response": "hi", "source": "model"}`))
	}))
}

func getScenario(url string, think time.Duration) performance.Scenario {
	return performance.ScenarioFunc(func(ctx context.Context, s *performance.Session) error {
		resp := s.Get(url, nil)
		s.Sleep(think)
		return resp.Error
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestDefaultHTTPClientConfig(t *testing.T) {
	cfg := performance.DefaultHTTPClientConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.MaxIdleConns != 1000 {
		t.Errorf("MaxIdleConns = %d, want 1000", cfg.MaxIdleConns)
	}
	if cfg.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", cfg.MaxIdleConnsPerHost)
	}
	if cfg.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", cfg.IdleConnTimeout)
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false by default")
	}
}

func TestPool_ScaleUpAndDown(t *testing.T) {
	server := createTestServer(0)
	defer server.Close()

	registry := metrics.NewRegistry()
	pool := performance.NewPool(getScenario(server.URL, 10*time.Millisecond), registry,
		performance.PoolConfig{HTTP: performance.DefaultHTTPClientConfig()}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})

	if got := pool.Scale(ctx, done, 5); got != 5 {
		t.Fatalf("Scale(5) = %d, want 5", got)
	}

	if got := pool.Scale(ctx, done, 2); got != 2 {
		t.Fatalf("Scale(2) = %d, want 2", got)
	}

	waitFor(t, 2*time.Second, func() bool { return pool.Spawned() == 2 }, "stopped VUs to exit")

	if got := pool.Scale(ctx, done, 4); got != 4 {
		t.Fatalf("Scale(4) = %d, want 4", got)
	}

	close(done)
	if left := pool.Wait(2 * time.Second); left != 0 {
		t.Errorf("Wait left %d VUs running", left)
	}

	snap := registry.Snapshot()
	if snap.Get(metrics.HTTPReqs).Sum == 0 {
		t.Error("expected requests to be recorded")
	}
	if max := snap.Get(metrics.VUsMax).Max; max < 5 {
		t.Errorf("vus_max = %v, want >= 5", max)
	}
}

func TestPool_ScaleNegativeTarget(t *testing.T) {
	pool := performance.NewPool(getScenario("http://127.0.0.1:1", 0), metrics.NewRegistry(), performance.PoolConfig{}, nil)
	defer pool.Close()

	if got := pool.Scale(context.Background(), make(chan struct{}), -3); got != 0 {
		t.Errorf("Scale(-3) = %d, want 0", got)
	}
}

func TestPool_MaxVUsDegradesWithWarning(t *testing.T) {
	server := createTestServer(0)
	defer server.Close()

	pool := performance.NewPool(getScenario(server.URL, 10*time.Millisecond), metrics.NewRegistry(),
		performance.PoolConfig{MaxVUs: 3}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	if got := pool.Scale(ctx, done, 10); got != 3 {
		t.Fatalf("Scale(10) with MaxVUs=3 = %d, want 3", got)
	}
	if got := pool.Scale(ctx, done, 12); got != 3 {
		t.Fatalf("Scale(12) with MaxVUs=3 = %d, want 3", got)
	}
	if n := len(pool.Warnings()); n != 1 {
		t.Fatalf("warnings = %d, want 1 for a single episode", n)
	}

	pool.Scale(ctx, done, 2)
	pool.Scale(ctx, done, 10)
	if n := len(pool.Warnings()); n != 2 {
		t.Errorf("warnings = %d, want 2 after a second episode", n)
	}
}

func TestPool_ConnectionRefusedKeepsRunning(t *testing.T) {
	// Grab a free port and close it so connections are refused.
	server := createTestServer(0)
	url := server.URL
	server.Close()

	sc, err := performance.NewRequestScenario("refused", &config.ScenarioConfig{
		ThinkTime: "1ms",
		Requests:  []config.RequestConfig{{Method: "GET", URL: url}},
	})
	if err != nil {
		t.Fatalf("NewRequestScenario: %v", err)
	}

	registry := metrics.NewRegistry()
	pool := performance.NewPool(sc, registry, performance.PoolConfig{}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})

	pool.Scale(ctx, done, 1)
	waitFor(t, 5*time.Second, func() bool {
		return registry.Builtin().Iterations.Sum() >= 3
	}, "VU to keep iterating after failures")

	close(done)
	pool.Wait(time.Second)

	snap := registry.Snapshot()
	failed := snap.Get(metrics.HTTPReqFailed)
	if failed.Count < 3 || failed.Passes != failed.Count {
		t.Errorf("http_req_failed = %d/%d, want every request failed", failed.Passes, failed.Count)
	}
	if rate := snap.Get(metrics.IterationsFailed).Rate; rate != 1 {
		t.Errorf("iterations_failed rate = %v, want 1", rate)
	}
}

func TestVirtualUser_PanicIsolated(t *testing.T) {
	var calls atomic.Int64
	sc := performance.ScenarioFunc(func(ctx context.Context, s *performance.Session) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		if s.Iteration() == 2 {
			return errors.New("plain failure")
		}
		s.Sleep(5 * time.Millisecond)
		return nil
	})

	registry := metrics.NewRegistry()
	pool := performance.NewPool(sc, registry, performance.PoolConfig{}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})

	pool.Scale(ctx, done, 1)
	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 4 }, "iterations after panic")

	close(done)
	pool.Wait(time.Second)

	failed := registry.Snapshot().Get(metrics.IterationsFailed)
	if failed.Passes < 2 {
		t.Errorf("failed iterations = %d, want >= 2", failed.Passes)
	}
	if failed.Fails < 1 {
		t.Errorf("successful iterations = %d, want >= 1", failed.Fails)
	}
}

func TestPool_SoftEndCutsSleep(t *testing.T) {
	sc := performance.ScenarioFunc(func(ctx context.Context, s *performance.Session) error {
		s.Sleep(time.Hour)
		return nil
	})

	pool := performance.NewPool(sc, metrics.NewRegistry(), performance.PoolConfig{}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})

	pool.Scale(ctx, done, 3)
	time.Sleep(20 * time.Millisecond)
	close(done)

	if left := pool.Wait(time.Second); left != 0 {
		t.Errorf("Wait left %d VUs sleeping after test end", left)
	}
}

func TestPool_StopRequestCutsSleep(t *testing.T) {
	sc := performance.ScenarioFunc(func(ctx context.Context, s *performance.Session) error {
		s.Sleep(time.Hour)
		return nil
	})

	pool := performance.NewPool(sc, metrics.NewRegistry(), performance.PoolConfig{}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	pool.Scale(ctx, done, 2)
	time.Sleep(20 * time.Millisecond)
	pool.StopAll()

	if left := pool.Wait(time.Second); left != 0 {
		t.Errorf("Wait left %d VUs after StopAll", left)
	}
}

func TestPool_InFlightRequestCompletesAfterSoftEnd(t *testing.T) {
	server := createTestServer(150 * time.Millisecond)
	defer server.Close()

	registry := metrics.NewRegistry()
	pool := performance.NewPool(getScenario(server.URL, time.Hour), registry, performance.PoolConfig{}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})

	pool.Scale(ctx, done, 1)
	time.Sleep(30 * time.Millisecond)
	close(done)

	if left := pool.Wait(2 * time.Second); left != 0 {
		t.Fatalf("Wait left %d VUs", left)
	}

	snap := registry.Snapshot()
	if reqs := snap.Get(metrics.HTTPReqs).Sum; reqs != 1 {
		t.Errorf("http_reqs = %v, want 1", reqs)
	}
	if failed := snap.Get(metrics.HTTPReqFailed).Passes; failed != 0 {
		t.Errorf("in-flight request should succeed, got %d failures", failed)
	}
}

func TestPool_HardStopAbortsRequests(t *testing.T) {
	server := createTestServer(10 * time.Second)
	defer server.Close()

	registry := metrics.NewRegistry()
	pool := performance.NewPool(getScenario(server.URL, 0), registry, performance.PoolConfig{}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	defer close(done)

	pool.Scale(ctx, done, 2)
	time.Sleep(30 * time.Millisecond)
	cancel()

	if left := pool.Wait(2 * time.Second); left != 0 {
		t.Fatalf("Wait left %d VUs after hard stop", left)
	}

	if reqs := registry.Snapshot().Get(metrics.HTTPReqs).Sum; reqs != 0 {
		t.Errorf("aborted requests should not be recorded, got %v", reqs)
	}
}
