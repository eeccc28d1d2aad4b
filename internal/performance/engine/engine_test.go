package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/performance"
	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/engine"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
)

func newServer(t *testing.T, status int) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(`{"bot_response": "hi", "source": "model"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func rampConfig(baseURL string) *config.TestConfig {
	return &config.TestConfig{
		Name:     "engine test",
		Settings: config.GlobalSettings{BaseURL: baseURL},
		Stages: []config.StageConfig{
			{Duration: "200ms", Target: 3},
			{Duration: "200ms", Target: 3, Hold: true},
		},
		ThinkTime: "10ms",
		Requests: []config.RequestConfig{{
			Name:   "home",
			Method: "GET",
			URL:    "{{baseUrl}}/",
			Checks: []config.CheckConfig{{Name: "status is 200", Type: "status", Condition: "eq", Value: "200"}},
		}},
		Thresholds: config.ThresholdsConfig{
			metrics.HTTPReqFailed:   {{Threshold: "rate<0.01"}},
			metrics.HTTPReqDuration: {{Threshold: "p(95)<2000"}},
		},
	}
}

func TestEngine_RunPasses(t *testing.T) {
	srv, hits := newServer(t, http.StatusOK)

	eng, err := engine.NewEngine(rampConfig(srv.URL), engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{config.DefaultScenarioName}, eng.ScenarioNames())
	assert.False(t, eng.IsRunning())

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Passed)
	assert.False(t, result.Aborted)
	assert.Len(t, result.RunID, 36)
	assert.Equal(t, "engine test", result.Name)
	assert.GreaterOrEqual(t, result.Duration, 400*time.Millisecond)
	require.Len(t, result.Thresholds, 2)
	assert.Empty(t, result.FailedThresholds())

	reqs := result.Metrics.Get(metrics.HTTPReqs)
	require.NotNil(t, reqs)
	assert.Equal(t, float64(hits.Load()), reqs.Sum)

	sr := result.Scenarios[config.DefaultScenarioName]
	require.NotNil(t, sr)
	assert.Equal(t, "ramping-vus", sr.Executor)
	assert.Greater(t, sr.Iterations, int64(0))
	assert.Equal(t, 3, sr.MaxVUs)

	require.Len(t, result.Checks, 1)
	assert.Equal(t, "status is 200", result.Checks[0].Name)
	assert.Zero(t, result.Checks[0].Fails)

	assert.Equal(t, 1.0, eng.GetProgress())
	assert.False(t, eng.IsRunning())
}

func TestEngine_RunTwice(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)
	cfg := rampConfig(srv.URL)
	cfg.Stages = []config.StageConfig{{Duration: "50ms", Target: 1}}

	eng, err := engine.NewEngine(cfg)
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	assert.Error(t, err)
}

func TestEngine_FailedThresholdDoesNotAbort(t *testing.T) {
	srv, _ := newServer(t, http.StatusInternalServerError)

	eng, err := engine.NewEngine(rampConfig(srv.URL), engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.False(t, result.Aborted)

	failed := result.FailedThresholds()
	require.Len(t, failed, 1)
	assert.Equal(t, metrics.HTTPReqFailed, failed[0].Metric)
	assert.Equal(t, 1.0, failed[0].Value)

	require.Len(t, result.Checks, 1)
	assert.Zero(t, result.Checks[0].Passes)
}

func TestEngine_AbortOnFail(t *testing.T) {
	srv, _ := newServer(t, http.StatusServiceUnavailable)

	cfg := rampConfig(srv.URL)
	cfg.Stages = []config.StageConfig{{Duration: "1m", Target: 2, Hold: true}}
	cfg.Thresholds = config.ThresholdsConfig{
		metrics.HTTPReqFailed: {{Threshold: "rate<0.01", AbortOnFail: true}},
	}

	eng, err := engine.NewEngine(cfg,
		engine.WithTick(10*time.Millisecond),
		engine.WithThresholdInterval(50*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, result.Aborted)
	assert.False(t, result.Passed)
	assert.Contains(t, result.AbortReason, metrics.HTTPReqFailed)
}

func TestEngine_StopEndsEarly(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)

	cfg := rampConfig(srv.URL)
	cfg.Stages = []config.StageConfig{{Duration: "1m", Target: 2, Hold: true}}

	eng, err := engine.NewEngine(cfg, engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)
	assert.NoError(t, eng.Stop(context.Background()), "Stop before Run is a no-op")

	go func() {
		for !eng.IsRunning() {
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		assert.Greater(t, eng.GetProgress(), 0.0)
		assert.NotEmpty(t, eng.GetScenarioStats())
		assert.Equal(t, 2, eng.GetLive().ActiveVUs)
		eng.Stop(context.Background())
	}()

	start := time.Now()
	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, result.Aborted)
	assert.True(t, result.Passed)
}

func TestEngine_HardCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	cfg := rampConfig(srv.URL)
	cfg.Stages = []config.StageConfig{{Duration: "1m", Target: 2, Hold: true}}

	eng, err := engine.NewEngine(cfg, engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := eng.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Zero(t, result.Metrics.Get(metrics.HTTPReqs).Sum, "aborted requests are not recorded")
	assert.True(t, result.Passed, "empty metrics pass thresholds")
}

func TestEngine_ScriptedScenarioWithCustomMetric(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)

	cfg := &config.TestConfig{
		Variables: map[string]string{"target": srv.URL},
		Stages:    []config.StageConfig{{Duration: "150ms", Target: 2}},
		Thresholds: config.ThresholdsConfig{
			"chat_tokens": {{Threshold: "count>0"}},
		},
	}

	chat := performance.ScenarioFunc(func(ctx context.Context, s *performance.Session) error {
		resp := s.Post(s.Resolve("{{target}}/chat/"), `{"user_input": "hi"}`, map[string]string{
			"Content-Type": "application/json",
		})
		s.Check(resp, performance.StatusIs(200), performance.DurationBelow(500*time.Millisecond))
		if err := s.Add("chat_tokens", float64(len(resp.JSON("bot_response").String()))); err != nil {
			return err
		}
		s.Sleep(10 * time.Millisecond)
		return nil
	})

	eng, err := engine.NewEngine(cfg,
		engine.WithScenario(config.DefaultScenarioName, chat),
		engine.WithMetric("chat_tokens", metrics.Counter),
		engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.Greater(t, result.Metrics.Get("chat_tokens").Sum, 0.0)
	require.Len(t, result.Checks, 2)
	assert.Equal(t, "response time is less than 500ms", result.Checks[0].Name)
	assert.Equal(t, "status is 200", result.Checks[1].Name)
}

func TestEngine_ConcurrentScenariosShareVUGauges(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)

	requests := []config.RequestConfig{{URL: srv.URL}}
	cfg := &config.TestConfig{
		Scenarios: map[string]*config.ScenarioConfig{
			"browse": {Executor: config.ExecutorConstantVUs, VUs: 2, Duration: "300ms", ThinkTime: "10ms", Requests: requests},
			"chat":   {Executor: config.ExecutorConstantVUs, VUs: 3, Duration: "300ms", ThinkTime: "10ms", Requests: requests},
		},
	}

	eng, err := engine.NewEngine(cfg)
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Scenarios, 2)
	assert.Equal(t, 2, result.Scenarios["browse"].MaxVUs)
	assert.Equal(t, 3, result.Scenarios["chat"].MaxVUs)
	assert.Equal(t, 5, result.MaxVUs)
	assert.Equal(t, 5.0, result.Metrics.Get(metrics.VUsMax).Max)
	assert.Equal(t, 0.0, result.Metrics.Get(metrics.VUs).Last)
}

func TestEngine_MaxVUsWarning(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)

	cfg := rampConfig(srv.URL)
	cfg.Settings.MaxVUs = 2
	cfg.Stages = []config.StageConfig{{Duration: "150ms", Target: 5, Hold: true}}

	eng, err := engine.NewEngine(cfg, engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.True(t, strings.HasPrefix(result.Warnings[0], "scenario default:"))
	assert.Equal(t, 2, result.Scenarios[config.DefaultScenarioName].MaxVUs)
}

func TestNewEngine_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.TestConfig)
		opts   []engine.Option
		errMsg string
	}{
		{
			name:   "unknown threshold metric",
			mutate: func(c *config.TestConfig) { c.Thresholds["nope"] = []config.ThresholdConfig{{Threshold: "count>1"}} },
			errMsg: "nope",
		},
		{
			name: "aggregation not valid for kind",
			mutate: func(c *config.TestConfig) {
				c.Thresholds[metrics.HTTPReqFailed] = []config.ThresholdConfig{{Threshold: "p(95)<1"}}
			},
			errMsg: "not supported",
		},
		{
			name:   "bad expression",
			mutate: func(c *config.TestConfig) { c.Thresholds[metrics.HTTPReqs] = []config.ThresholdConfig{{Threshold: "lots"}} },
			errMsg: "invalid configuration",
		},
		{
			name:   "no stages or scenarios",
			mutate: func(c *config.TestConfig) { c.Stages = nil; c.Requests = nil },
			errMsg: "invalid configuration",
		},
		{
			name:   "scripted scenario without profile",
			mutate: func(c *config.TestConfig) {},
			opts:   []engine.Option{engine.WithScenario("missing", performance.ScenarioFunc(nil))},
			errMsg: "missing",
		},
		{
			name:   "custom metric clashes with builtin",
			mutate: func(c *config.TestConfig) {},
			opts:   []engine.Option{engine.WithMetric(metrics.HTTPReqs, metrics.Trend)},
			errMsg: metrics.HTTPReqs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := rampConfig("http://localhost")
			tt.mutate(cfg)

			_, err := engine.NewEngine(cfg, tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEngine_RPSCapsRequestRate(t *testing.T) {
	srv, hits := newServer(t, http.StatusOK)

	cfg := rampConfig(srv.URL)
	cfg.Settings.RPS = 25
	cfg.ThinkTime = "0s"

	eng, err := engine.NewEngine(cfg, engine.WithTick(10*time.Millisecond))
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Passed)

	// Three VUs without think time would send thousands of requests.
	limit := 25*result.Duration.Seconds() + 2
	assert.Positive(t, hits.Load())
	assert.LessOrEqual(t, float64(hits.Load()), limit)
}
