package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
	"github.com/wesleyorama2/volley/internal/performance/stages"
)

func newServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, `{"bot_response":"hi","source":"model"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// quickOptions mirrors the flag defaults with a short profile.
func quickOptions(url string) *runOptions {
	return &runOptions{
		url:            url,
		method:         defaultMethod,
		body:           defaultBody,
		headers:        []string{"Content-Type: application/json"},
		stages:         "200ms:2,200ms:0",
		thinkTime:      "10ms",
		thresholds:     defaultThresholds,
		timeout:        5 * time.Second,
		noColor:        true,
		updateInterval: 50 * time.Millisecond,
	}
}

func TestBuildConfigFromFlags(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(o *runOptions)
		wantErr  string
		validate func(t *testing.T, cfg *config.TestConfig)
	}{
		{
			name: "defaults mirror the chatbot profile",
			modify: func(o *runOptions) {
				o.stages = defaultStages
				o.thinkTime = defaultThinkTime
			},
			validate: func(t *testing.T, cfg *config.TestConfig) {
				sc := cfg.Scenarios[config.DefaultScenarioName]
				require.NotNil(t, sc)
				assert.Equal(t, config.ExecutorRampingVUs, sc.Executor)
				assert.Equal(t, []config.StageConfig{
					{Duration: "30s", Target: 50, Name: "stage-1"},
					{Duration: "1m0s", Target: 100, Name: "stage-2", Hold: true},
					{Duration: "30s", Target: 0, Name: "stage-3"},
				}, sc.Stages)
				assert.Equal(t, "1s", sc.ThinkTime)

				require.Len(t, sc.Requests, 1)
				req := sc.Requests[0]
				assert.Equal(t, "POST", req.Method)
				assert.Equal(t, defaultBody, req.Body)
				assert.Equal(t, "application/json", req.Headers["Content-Type"])
				require.Len(t, req.Checks, 2)
				assert.Equal(t, "status is 200", req.Checks[0].Name)
				assert.Equal(t, "response time is less than 500ms", req.Checks[1].Name)

				assert.Equal(t, "p(95)<500", cfg.Thresholds[metrics.HTTPReqDuration][0].Threshold)
				assert.Equal(t, "rate<0.01", cfg.Thresholds[metrics.HTTPReqFailed][0].Threshold)
				assert.Equal(t, 5*time.Second, time.Duration(cfg.Settings.Timeout))
			},
		},
		{
			name:   "hold stages",
			modify: func(o *runOptions) { o.stages = "10s:5!" },
			validate: func(t *testing.T, cfg *config.TestConfig) {
				st := cfg.Scenarios[config.DefaultScenarioName].Stages
				require.Len(t, st, 1)
				assert.True(t, st[0].Hold)
			},
		},
		{
			name: "vus and duration select constant-vus",
			modify: func(o *runOptions) {
				o.vus = 7
				o.duration = "45s"
			},
			validate: func(t *testing.T, cfg *config.TestConfig) {
				sc := cfg.Scenarios[config.DefaultScenarioName]
				assert.Equal(t, config.ExecutorConstantVUs, sc.Executor)
				assert.Equal(t, 7, sc.VUs)
				assert.Equal(t, "45s", sc.Duration)
				assert.Empty(t, sc.Stages)
			},
		},
		{
			name:   "GET drops the body",
			modify: func(o *runOptions) { o.method = "get" },
			validate: func(t *testing.T, cfg *config.TestConfig) {
				req := cfg.Scenarios[config.DefaultScenarioName].Requests[0]
				assert.Equal(t, "GET", req.Method)
				assert.Empty(t, req.Body)
			},
		},
		{
			name:   "custom name and max vus",
			modify: func(o *runOptions) { o.name = "smoke"; o.maxVUs = 20 },
			validate: func(t *testing.T, cfg *config.TestConfig) {
				assert.Equal(t, "smoke", cfg.Name)
				assert.Equal(t, 20, cfg.Settings.MaxVUs)
			},
		},
		{
			name:   "rps cap",
			modify: func(o *runOptions) { o.rps = 50 },
			validate: func(t *testing.T, cfg *config.TestConfig) {
				assert.Equal(t, 50.0, cfg.Settings.RPS)
			},
		},
		{
			name:    "bad stages",
			modify:  func(o *runOptions) { o.stages = "30s" },
			wantErr: "invalid --stages",
		},
		{
			name:    "bad header",
			modify:  func(o *runOptions) { o.headers = []string{"no-colon"} },
			wantErr: "invalid header",
		},
		{
			name:    "bad threshold",
			modify:  func(o *runOptions) { o.thresholds = []string{"p(95)<500"} },
			wantErr: "invalid threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := quickOptions("http://localhost:8080/chat/")
			tt.modify(opts)

			cfg, err := buildConfigFromFlags(opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tt.validate(t, cfg)
		})
	}
}

func TestDefaultStagesHoldPeakLoad(t *testing.T) {
	parsed, err := stages.ParseStages(defaultStages)
	require.NoError(t, err)
	schedule, err := stages.NewSchedule(parsed)
	require.NoError(t, err)

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{15 * time.Second, 25},
		{29 * time.Second, 48},
		{30 * time.Second, 100},
		{45 * time.Second, 100},
		{89 * time.Second, 100},
		{105 * time.Second, 50},
		{2 * time.Minute, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, schedule.Target(tt.elapsed), "target at %s", tt.elapsed)
	}
}

func TestParseThresholdFlags(t *testing.T) {
	got, err := parseThresholdFlags([]string{
		"http_req_duration:p(95)<500",
		"http_req_duration: p(99) < 1500",
		"checks:rate>0.9",
	})
	require.NoError(t, err)
	assert.Equal(t, config.ThresholdsConfig{
		"http_req_duration": {{Threshold: "p(95)<500"}, {Threshold: "p(99) < 1500"}},
		"checks":            {{Threshold: "rate>0.9"}},
	}, got)

	got, err = parseThresholdFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseThresholdFlags([]string{"http_req_duration:"})
	assert.Error(t, err)
}

func TestRunTest_Passes(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	var stdout, stderr bytes.Buffer

	code, err := runTest(context.Background(), quickOptions(srv.URL+"/chat/"), zap.NewNop(), &stdout, &stderr, nil)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)

	out := stdout.String()
	assert.Contains(t, out, "Running [default]")
	assert.Contains(t, out, "Completed ✓")
	assert.Contains(t, out, "✓ status is 200")
	assert.Contains(t, out, "✓ http_req_failed rate<0.01")
}

func TestRunTest_ThresholdsFail(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError)
	var stdout, stderr bytes.Buffer

	code, err := runTest(context.Background(), quickOptions(srv.URL+"/chat/"), zap.NewNop(), &stdout, &stderr, nil)
	assert.Equal(t, ExitThresholdsFailed, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold(s) failed")

	assert.Contains(t, stdout.String(), "Failed ✗")
	assert.Contains(t, stdout.String(), "✗ http_req_failed rate<0.01")
}

func TestRunTest_JSONAndOutputFile(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	var stdout, stderr bytes.Buffer

	opts := quickOptions(srv.URL + "/chat/")
	opts.jsonOut = true
	opts.outputPath = filepath.Join(t.TempDir(), "reports", "result.json")

	code, err := runTest(context.Background(), opts, zap.NewNop(), &stdout, &stderr, nil)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &decoded), "stdout must hold only JSON")
	assert.Equal(t, true, decoded["passed"])
	assert.Contains(t, stderr.String(), "Completed ✓")

	data, err := os.ReadFile(opts.outputPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotEmpty(t, decoded["runId"])
}

func TestRunTest_InterruptStopsGracefully(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	var stdout, stderr bytes.Buffer

	opts := quickOptions(srv.URL + "/chat/")
	opts.stages = "1m:2!"

	interrupts := make(chan os.Signal, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		interrupts <- os.Interrupt
	}()

	start := time.Now()
	code, err := runTest(context.Background(), opts, zap.NewNop(), &stdout, &stderr, interrupts)
	require.NoError(t, err)
	assert.Equal(t, ExitOK, code)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, stderr.String(), "Stopping test")
}

func TestRunTest_AbortOnFail(t *testing.T) {
	srv := newServer(t, http.StatusInternalServerError)

	path := filepath.Join(t.TempDir(), "abort.yaml")
	yaml := fmt.Sprintf(`name: abort test
settings:
  baseUrl: %s
options:
  thresholdInterval: 50ms
stages:
  - duration: 30s
    target: 2
    hold: true
thinkTime: 10ms
requests:
  - name: home
    method: GET
    url: "{{baseUrl}}/"
thresholds:
  http_req_failed:
    - threshold: "rate<0.01"
      abortOnFail: true
`, srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	var stdout, stderr bytes.Buffer
	start := time.Now()
	code, err := runTest(context.Background(), &runOptions{configFile: path, noColor: true}, zap.NewNop(), &stdout, &stderr, nil)
	assert.Equal(t, ExitAborted, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test aborted")
	assert.Less(t, time.Since(start), 15*time.Second)
	assert.Contains(t, stdout.String(), "Aborted ✗")
}

func TestRunTest_ConfigErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code, err := runTest(context.Background(), &runOptions{configFile: "/does/not/exist.yaml"}, zap.NewNop(), &stdout, &stderr, nil)
	assert.Equal(t, ExitFailure, code)
	assert.ErrorContains(t, err, "error loading config")

	opts := quickOptions("http://localhost:1/")
	opts.thresholds = []string{"http_req_duration:p(95)<<500"}
	code, err = runTest(context.Background(), opts, zap.NewNop(), &stdout, &stderr, nil)
	assert.Equal(t, ExitFailure, code)
	assert.Error(t, err)
	assert.Empty(t, stdout.String(), "nothing runs on a bad configuration")
}

func TestExitCode_Interrupted(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	var stdout, stderr bytes.Buffer

	opts := quickOptions(srv.URL + "/")
	opts.stages = "1m:1!"

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	code, err := runTest(ctx, opts, zap.NewNop(), &stdout, &stderr, nil)
	assert.Equal(t, ExitFailure, code)
	assert.ErrorContains(t, err, "interrupted")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(stdout.String()), "━"), "the header is printed before the run")
}
