package output

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/performance"
	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/engine"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
	"github.com/wesleyorama2/volley/internal/performance/threshold"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDurationShort(tt.duration))
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5K"},
		{2_500_000, "2.5M"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatNumber(tt.number))
		})
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "12.50ms", formatMillis(12.5))
	assert.Equal(t, "1.50s", formatMillis(1500))
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
	assert.Equal(t, "200", formatValue(200))
	assert.Equal(t, "0.025", formatValue(0.025))
}

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, "[█████░░░░░]", renderProgressBar(0.5, 10))
	assert.Equal(t, "[░░░░░░░░░░]", renderProgressBar(-1, 10))
	assert.Equal(t, "[██████████]", renderProgressBar(2, 10))
}

func TestVisibleLen(t *testing.T) {
	assert.Equal(t, 5, visibleLen("\x1b[32mhello\x1b[0m"))
	assert.Equal(t, 3, visibleLen("µs!"))
}

func newOutput(buf *bytes.Buffer, tty bool) *ConsoleOutput {
	return NewConsoleOutput(ConsoleOutputConfig{
		TestName:      "chatbot",
		Scenarios:     []string{"default"},
		TotalDuration: 90 * time.Second,
		Writer:        buf,
		ForceTTY:      tty,
		NoColor:       true,
	})
}

func TestConsoleOutput_PrintHeader(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(&buf, false)
	assert.False(t, out.IsTTY())

	out.PrintHeader()

	text := buf.String()
	assert.Contains(t, text, "chatbot - Running [default]")
	assert.Contains(t, text, "Planned duration: 1m 30s")
	assert.NotContains(t, text, "\x1b[")
}

func TestConsoleOutput_NonInteractiveUpdate(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(&buf, false)

	out.Update(&LiveStats{
		Progress:      0.25,
		Elapsed:       5 * time.Second,
		ActiveVUs:     3,
		TargetVUs:     4,
		RPS:           12.5,
		TotalRequests: 62,
		Errors:        1,
		ErrorRate:     1.0 / 62,
		LatencyP95:    42 * time.Millisecond,
	})

	line := strings.TrimSpace(buf.String())
	assert.Equal(t, "[5.0s] Progress: 25% | VUs: 3/4 | Reqs: 62 | RPS: 12.5 | Errors: 1 (1.6%) | P95: 42ms", line)
}

func TestConsoleOutput_TTYRedraw(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(&buf, true)
	stats := &LiveStats{Progress: 0.5, Phase: "steady", Stage: 2, TotalStages: 3, ActiveVUs: 2, TargetVUs: 2}

	out.Update(stats)
	first := buf.String()
	assert.Contains(t, first, "Stage:    steady (2/3)")
	assert.Contains(t, first, "VUs:     2 / 2")
	assert.NotContains(t, first, "\033[")
	lines := out.linesOutput
	require.Positive(t, lines)

	buf.Reset()
	out.Update(stats)
	assert.True(t, strings.HasPrefix(buf.String(), "\033["+strconv.Itoa(lines)+"A"), "second frame should move the cursor up")
}

func TestConsoleOutput_Quiet(t *testing.T) {
	var buf bytes.Buffer
	out := NewConsoleOutput(ConsoleOutputConfig{Writer: &buf, Quiet: true, NoColor: true})

	out.PrintHeader()
	out.Update(&LiveStats{})
	assert.Empty(t, buf.String())

	out.PrintSummary(&engine.TestResult{Passed: false})
	assert.Equal(t, "FAILED\n", buf.String())
}

func sampleResult(t *testing.T) *engine.TestResult {
	t.Helper()

	reg := metrics.NewRegistry()
	reg.Start(time.Now().Add(-10 * time.Second))
	now := time.Now()
	for i, ms := range []float64{10, 20, 30, 40, 1000} {
		require.NoError(t, reg.AddAll([]metrics.Sample{
			{Metric: metrics.HTTPReqs, Time: now, Value: 1},
			{Metric: metrics.HTTPReqDuration, Time: now, Value: ms},
			{Metric: metrics.HTTPReqFailed, Time: now, Value: metrics.Bool(i == 4)},
			{Metric: metrics.DataReceived, Time: now, Value: 2048},
			{Metric: metrics.Iterations, Time: now, Value: 1},
		}))
	}

	return &engine.TestResult{
		Name:     "chatbot",
		Duration: 10 * time.Second,
		MaxVUs:   5,
		Metrics:  reg.Snapshot(),
		Checks: []performance.CheckCount{
			{Name: "status is 200", Passes: 4, Fails: 1},
			{Name: "has bot_response", Passes: 5},
		},
		Thresholds: []threshold.Result{
			{Metric: metrics.HTTPReqDuration, Expression: "p(95)<500", Passed: false, Value: 1000},
			{Metric: metrics.HTTPReqFailed, Expression: "rate<0.5", Passed: true, Value: 0.2},
		},
		Warnings: []string{"scenario default: target 8 VUs exceeds maxVUs 5, running 5"},
	}
}

func TestConsoleOutput_PrintSummary(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(&buf, false)

	out.PrintSummary(sampleResult(t))
	text := buf.String()

	for _, want := range []string{
		"chatbot - Failed ✗",
		"Max VUs:       5",
		"Total Reqs:    5",
		"Iterations:    5",
		"Success Rate:  80.0%",
		"Data:          10.0 KB received, 0 B sent",
		"Min:       10.00ms",
		"Max:       1.00s",
		"✗ status is 200 (4/5 passed)",
		"✓ has bot_response (5/5 passed)",
		"✗ http_req_duration p(95)<500 (actual: 1000)",
		"✓ http_req_failed rate<0.5 (actual: 0.2)",
		"⚠ scenario default: target 8 VUs exceeds maxVUs 5",
	} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "Scenarios:")
}

func TestConsoleOutput_PrintSummaryAborted(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(&buf, false)

	result := sampleResult(t)
	result.Aborted = true
	result.AbortReason = "threshold http_req_duration p(95)<500 crossed"
	out.PrintSummary(result)

	assert.Contains(t, buf.String(), "chatbot - Aborted ✗")
	assert.Contains(t, buf.String(), "Aborted: threshold http_req_duration p(95)<500 crossed")
}

func TestConsoleOutput_PrintSummaryNoRequests(t *testing.T) {
	var buf bytes.Buffer
	out := newOutput(&buf, false)

	out.PrintSummary(&engine.TestResult{
		Name:    "idle",
		Passed:  true,
		Metrics: metrics.NewRegistry().Snapshot(),
	})

	assert.Contains(t, buf.String(), "idle - Completed ✓")
	assert.Contains(t, buf.String(), "Success Rate:  100.0%")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleResult(t)))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "chatbot", decoded["name"])
	assert.Equal(t, false, decoded["passed"])
	assert.Len(t, decoded["thresholds"], 2)
	assert.Contains(t, decoded, "metrics")
}

func TestWriteJSON_CleanRunKeepsZeroRate(t *testing.T) {
	reg := metrics.NewRegistry()
	now := time.Now()
	for _, ms := range []float64{12, 18, 25} {
		require.NoError(t, reg.AddAll([]metrics.Sample{
			{Metric: metrics.HTTPReqs, Time: now, Value: 1},
			{Metric: metrics.HTTPReqDuration, Time: now, Value: ms},
			{Metric: metrics.HTTPReqFailed, Time: now, Value: metrics.Bool(false)},
		}))
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, &engine.TestResult{Name: "clean", Passed: true, Metrics: reg.Snapshot()}))

	var decoded struct {
		Metrics struct {
			Metrics map[string]map[string]any `json:"metrics"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	failed := decoded.Metrics.Metrics[metrics.HTTPReqFailed]
	require.NotNil(t, failed)
	assert.Equal(t, 0.0, failed["rate"])
	assert.Equal(t, 0.0, failed["passes"])
	assert.Equal(t, 3.0, failed["fails"])

	duration := decoded.Metrics.Metrics[metrics.HTTPReqDuration]
	require.NotNil(t, duration)
	assert.Equal(t, 18.0, duration["med"])
	assert.Equal(t, 25.0, duration["p95"])
}

func TestStatsFromEngine(t *testing.T) {
	cfg := &config.TestConfig{
		Name:     "stats",
		Settings: config.GlobalSettings{BaseURL: "http://127.0.0.1:1"},
		Stages: []config.StageConfig{
			{Duration: "1s", Target: 2},
			{Duration: "2s", Target: 2, Hold: true},
		},
		Requests: []config.RequestConfig{{Name: "home", Method: "GET", URL: "{{baseUrl}}/"}},
	}
	eng, err := engine.NewEngine(cfg)
	require.NoError(t, err)

	stats := StatsFromEngine(eng)
	assert.Equal(t, 2, stats.TotalStages)
	assert.Equal(t, 1, stats.Stage)
	assert.InDelta(t, float64(3*time.Second), float64(stats.Remaining), float64(time.Second))
	assert.Zero(t, stats.ActiveVUs)
	assert.Zero(t, stats.TotalRequests)
}
