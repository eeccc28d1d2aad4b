// Package output renders live progress and the end-of-test summary.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/volley/internal/performance/engine"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
)

const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"
	progressFilled = "█"
	progressEmpty  = "░"

	lineWidth = 56
)

// LiveStats is one frame of the live display.
type LiveStats struct {
	Progress      float64
	Elapsed       time.Duration
	Remaining     time.Duration
	ActiveVUs     int
	TargetVUs     int
	RPS           float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	LatencyP95    time.Duration
	LatencyAvg    time.Duration
	Phase         string
	Stage         int // 1-based
	TotalStages   int
}

// StatsFromEngine collects a live frame from a running engine. Stage and
// phase come from the longest scenario.
func StatsFromEngine(eng *engine.Engine) *LiveStats {
	live := eng.GetLive()
	stats := &LiveStats{
		Progress:      eng.GetProgress(),
		Elapsed:       live.Elapsed,
		ActiveVUs:     live.ActiveVUs,
		RPS:           live.RPS,
		TotalRequests: live.TotalRequests,
		Errors:        live.Errors,
		ErrorRate:     live.ErrorRate,
		LatencyP95:    live.LatencyP95,
		LatencyAvg:    live.LatencyAvg,
	}

	var longest time.Duration
	all := eng.GetScenarioStats()
	for _, name := range eng.ScenarioNames() {
		s := all[name]
		if s == nil {
			continue
		}
		stats.TargetVUs += s.TargetVUs
		if s.TotalDuration < longest {
			continue
		}
		longest = s.TotalDuration
		stats.Phase = string(s.Phase)
		stats.Stage = s.CurrentStage + 1
		stats.TotalStages = s.TotalStages
		if stats.Stage > s.TotalStages {
			stats.Stage = s.TotalStages
		}
	}
	if remaining := longest - stats.Elapsed; remaining > 0 {
		stats.Remaining = remaining
	}
	return stats
}

// ConsoleOutputConfig configures a ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName      string
	Scenarios     []string
	TotalDuration time.Duration
	Writer        io.Writer
	Quiet         bool
	NoColor       bool
	ForceColors   bool
	ForceTTY      bool
}

type palette struct {
	bold    *color.Color
	dim     *color.Color
	green   *color.Color
	yellow  *color.Color
	red     *color.Color
	blue    *color.Color
	magenta *color.Color
	cyan    *color.Color
}

func newPalette(enabled bool) *palette {
	p := &palette{
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		blue:    color.New(color.FgBlue),
		magenta: color.New(color.FgMagenta),
		cyan:    color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.bold, p.dim, p.green, p.yellow, p.red, p.blue, p.magenta, p.cyan} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// ConsoleOutput writes the header, live frames and summary of a test.
// On a terminal the live frame is redrawn in place; otherwise each update is
// a single line.
type ConsoleOutput struct {
	testName      string
	scenarios     []string
	totalDuration time.Duration
	writer        io.Writer
	isTTY         bool
	quiet         bool
	colors        *palette

	mu          sync.Mutex
	linesOutput int
}

// NewConsoleOutput creates a console output. Writer defaults to stdout.
func NewConsoleOutput(cfg ConsoleOutputConfig) *ConsoleOutput {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	useColors := !cfg.NoColor && (cfg.ForceColors || (isTTY && supportsColors()))

	return &ConsoleOutput{
		testName:      cfg.TestName,
		scenarios:     cfg.Scenarios,
		totalDuration: cfg.TotalDuration,
		writer:        cfg.Writer,
		isTTY:         isTTY,
		quiet:         cfg.Quiet,
		colors:        newPalette(useColors),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// IsTTY reports whether live frames are redrawn in place.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test banner.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, lineWidth)
	title := fmt.Sprintf("%s - Running", c.testName)
	if len(c.scenarios) > 0 {
		title += fmt.Sprintf(" [%s]", strings.Join(c.scenarios, ", "))
	}

	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln(c.colors.bold.Sprint(title))
	if c.totalDuration > 0 {
		c.writeln(c.colors.dim.Sprintf("Planned duration: %s", formatDuration(c.totalDuration)))
	}
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln("")
}

// Update shows a live frame: redrawn in place on a terminal, one line
// otherwise.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || stats == nil {
		return
	}
	if !c.isTTY {
		c.PrintNonInteractiveUpdate(stats)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// PrintNonInteractiveUpdate prints a one-line status for logs and CI.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.RPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	bar := renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.green.Sprint(bar),
		c.colors.bold.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.dim.Sprint(timeInfo)))

	phase := stats.Phase
	if stats.TotalStages > 0 {
		phase = fmt.Sprintf("%s (%d/%d)", stats.Phase, stats.Stage, stats.TotalStages)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", c.colors.magenta.Sprint(phase)))
	lines = append(lines, "")

	const boxWidth = 55
	border := strings.Repeat(boxHorizontal, boxWidth-2)
	lines = append(lines, c.colors.dim.Sprint(boxTopLeft+border+boxTopRight))

	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("VUs:     %s / %d", c.colors.cyan.Sprint(stats.ActiveVUs), stats.TargetVUs),
		fmt.Sprintf("Requests:    %s", c.colors.cyan.Sprint(formatNumber(stats.TotalRequests))),
		boxWidth))

	errColor := c.rateColor(stats.ErrorRate)
	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("RPS:     %s", c.colors.green.Sprintf("%.1f", stats.RPS)),
		fmt.Sprintf("Errors:      %s (%s)", errColor.Sprint(stats.Errors), errColor.Sprintf("%.1f%%", stats.ErrorRate*100)),
		boxWidth))

	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("P95:     %s", c.colors.blue.Sprint(formatDurationShort(stats.LatencyP95))),
		fmt.Sprintf("Avg:         %s", c.colors.blue.Sprint(formatDurationShort(stats.LatencyAvg))),
		boxWidth))

	lines = append(lines, c.colors.dim.Sprint(boxBottomLeft+border+boxBottomRight))
	return lines
}

// rateColor grades an error rate: green up to 1%, yellow up to 5%.
func (c *ConsoleOutput) rateColor(rate float64) *color.Color {
	switch {
	case rate > 0.05:
		return c.colors.red
	case rate > 0.01:
		return c.colors.yellow
	default:
		return c.colors.green
	}
}

func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2
	leftPad := max(colWidth-visibleLen(left), 0)
	rightPad := max(colWidth-visibleLen(right), 0)
	bar := c.colors.dim.Sprint(boxVertical)

	return fmt.Sprintf("%s %s%s%s %s%s %s",
		bar, left, strings.Repeat(" ", leftPad),
		bar, right, strings.Repeat(" ", rightPad),
		bar)
}

func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintSummary prints the end-of-test report: request totals, latency
// distribution, checks, thresholds and warnings.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.green.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.red.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, lineWidth)
	status := c.colors.green.Sprint("Completed ✓")
	switch {
	case result.Aborted:
		status = c.colors.red.Sprint("Aborted ✗")
	case !result.Passed:
		status = c.colors.red.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.bold.Sprint(result.Name), status))
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.cyan.Sprint(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("Max VUs:       %s", c.colors.cyan.Sprint(result.MaxVUs)))

	if snap := result.Metrics; snap != nil {
		get := func(name string) *metrics.Summary {
			if s := snap.Get(name); s != nil {
				return s
			}
			return &metrics.Summary{Name: name}
		}
		reqs := get(metrics.HTTPReqs)
		failed := get(metrics.HTTPReqFailed)
		iterations := get(metrics.Iterations)

		c.writeln(fmt.Sprintf("Total Reqs:    %s (%s/s)",
			c.colors.cyan.Sprint(formatNumber(int64(reqs.Sum))),
			fmt.Sprintf("%.1f", reqs.PerSecond)))
		c.writeln(fmt.Sprintf("Iterations:    %s", c.colors.cyan.Sprint(formatNumber(int64(iterations.Sum)))))

		success := 1.0
		if failed.Count > 0 {
			success = 1 - failed.Rate
		}
		c.writeln(fmt.Sprintf("Success Rate:  %s", c.rateColor(1-success).Sprintf("%.1f%%", success*100)))
		c.writeln(fmt.Sprintf("Data:          %s received, %s sent",
			formatBytes(get(metrics.DataReceived).Sum),
			formatBytes(get(metrics.DataSent).Sum)))
		c.writeln("")

		latency := get(metrics.HTTPReqDuration)
		c.writeln(c.colors.bold.Sprint("Latency Distribution:"))
		for _, row := range []struct {
			label string
			value float64
		}{
			{"Min", latency.Min},
			{"Avg", latency.Avg},
			{"P50", latency.Med},
			{"P90", latency.P90},
			{"P95", latency.P95},
			{"P99", latency.P99},
			{"Max", latency.Max},
		} {
			c.writeln(fmt.Sprintf("  %-10s %s", row.label+":", formatMillis(row.value)))
		}
		c.writeln("")
	}

	if len(result.Checks) > 0 {
		c.writeln(c.colors.bold.Sprint("Checks:"))
		for _, check := range result.Checks {
			mark := c.colors.green.Sprint("✓")
			if check.Fails > 0 {
				mark = c.colors.red.Sprint("✗")
			}
			total := check.Passes + check.Fails
			c.writeln(fmt.Sprintf("  %s %s (%d/%d passed)", mark, check.Name, check.Passes, total))
		}
		c.writeln("")
	}

	if len(result.Scenarios) > 1 {
		c.writeln(c.colors.bold.Sprint("Scenarios:"))
		names := make([]string, 0, len(result.Scenarios))
		for name := range result.Scenarios {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sr := result.Scenarios[name]
			c.writeln(fmt.Sprintf("  %s [%s] iterations=%d maxVUs=%d duration=%s",
				name, sr.Executor, sr.Iterations, sr.MaxVUs, formatDuration(sr.Duration)))
		}
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colors.bold.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := c.colors.green.Sprint("✓")
			if !t.Passed {
				mark = c.colors.red.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, formatValue(t.Value)))
		}
		c.writeln("")
	}

	if result.Aborted {
		c.writeln(c.colors.red.Sprintf("Aborted: %s", result.AbortReason))
		c.writeln("")
	}

	for _, w := range result.Warnings {
		c.writeln(c.colors.yellow.Sprintf("⚠ %s", w))
	}
}

// WriteJSON writes result as indented JSON.
func WriteJSON(w io.Writer, result *engine.TestResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

func formatDurationShort(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return "0ms"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// formatMillis formats a latency recorded in milliseconds.
func formatMillis(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.2fs", ms/1000)
	}
	return fmt.Sprintf("%.2fms", ms)
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.4g", v)
}

func formatNumber(n int64) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
}

func formatBytes(b float64) string {
	const unit = 1024.0
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := unit, 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", b/div, "KMGTPE"[exp])
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func visibleLen(s string) int {
	return len([]rune(ansiPattern.ReplaceAllString(s, "")))
}
