package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/engine"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
	"github.com/wesleyorama2/volley/internal/performance/output"
	"github.com/wesleyorama2/volley/internal/performance/stages"
)

// Quick mode defaults reproduce the classic chatbot smoke profile.
const (
	defaultStages    = "30s:50,1m:100!,30s:0"
	defaultMethod    = "POST"
	defaultBody      = `{"user_input": "Tell me a fun fact about space."}`
	defaultThinkTime = "1s"
)

var defaultThresholds = []string{
	metrics.HTTPReqDuration + ":p(95)<500",
	metrics.HTTPReqFailed + ":rate<0.01",
}

type runOptions struct {
	configFile string

	// quick mode
	name         string
	url          string
	method       string
	body         string
	headers      []string
	stages       string
	vus          int
	duration     string
	thinkTime    string
	thresholds   []string
	maxVUs       int
	rps          float64
	timeout      time.Duration
	gracefulStop string
	insecure     bool

	// output
	jsonOut    bool
	outputPath string
	quiet      bool
	noColor    bool

	updateInterval time.Duration
}

func newRunCmd(state *rootState) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test from flags or a configuration file",
		Long: `Run a load test and print a summary. The exit code is 0 when every threshold
passed, 99 when a threshold failed, 108 when an abortOnFail threshold ended
the test early and 1 on any other error.

Press Ctrl-C once to end the test gracefully, twice to abort in-flight
requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configFile == "" && opts.url == "" {
				return &ExitError{Code: ExitFailure, Err: errors.New("either --config or --url is required")}
			}

			interrupts := make(chan os.Signal, 2)
			signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(interrupts)

			code, err := runTest(cmd.Context(), opts, state.log(), cmd.OutOrStdout(), cmd.ErrOrStderr(), interrupts)
			if code != ExitOK {
				return &ExitError{Code: code, Err: err}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	f.StringVar(&opts.name, "name", "", "Test name for the summary")
	f.StringVar(&opts.url, "url", "", "URL to load (quick mode)")
	f.StringVarP(&opts.method, "method", "X", defaultMethod, "HTTP method")
	f.StringVarP(&opts.body, "body", "d", defaultBody, "Request body")
	f.StringArrayVarP(&opts.headers, "header", "H", []string{"Content-Type: application/json"}, "Request header 'Key: Value' (repeatable)")
	f.StringVar(&opts.stages, "stages", defaultStages, "Stages 'duration:target,...'; each stage ramps linearly from the previous target, a trailing ! holds the target flat instead")
	f.IntVar(&opts.vus, "vus", 0, "Constant number of VUs, used with --duration instead of --stages")
	f.StringVar(&opts.duration, "duration", "", "Test duration for --vus")
	f.StringVar(&opts.thinkTime, "think-time", defaultThinkTime, "Pause at the end of each iteration")
	f.StringArrayVar(&opts.thresholds, "threshold", defaultThresholds, "Threshold 'metric:expression' (repeatable)")
	f.IntVar(&opts.maxVUs, "max-vus", 0, "Upper bound on concurrent VUs (0 = unlimited)")
	f.Float64Var(&opts.rps, "rps", 0, "Cap on requests per second across all VUs (0 = unlimited)")
	f.DurationVarP(&opts.timeout, "timeout", "t", config.DefaultTimeout, "Request timeout")
	f.StringVar(&opts.gracefulStop, "graceful-stop", "", "Time in-flight iterations get to finish at the end")
	f.BoolVarP(&opts.insecure, "insecure", "k", false, "Skip TLS certificate verification")

	f.BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON on stdout")
	f.StringVarP(&opts.outputPath, "output", "o", "", "Write the JSON result to a file")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress, print only the verdict")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	return cmd
}

// runTest builds and runs the test and returns the exit code. interrupts
// may be nil.
func runTest(ctx context.Context, opts *runOptions, logger *zap.Logger, stdout, stderr io.Writer, interrupts <-chan os.Signal) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadTestConfig(opts)
	if err != nil {
		return ExitFailure, err
	}

	eng, err := engine.NewEngine(cfg, engine.WithLogger(logger))
	if err != nil {
		return ExitFailure, err
	}

	// JSON goes to stdout; human output moves to stderr so the two never mix.
	consoleWriter := stdout
	if opts.jsonOut {
		consoleWriter = stderr
	}
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      cfg.Name,
		Scenarios:     eng.ScenarioNames(),
		TotalDuration: plannedDuration(eng),
		Writer:        consoleWriter,
		Quiet:         opts.quiet,
		NoColor:       opts.noColor,
	})
	console.PrintHeader()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		result *engine.TestResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = eng.Run(runCtx)
	}()

	interval := opts.updateInterval
	if interval <= 0 {
		interval = time.Second
		if !console.IsTTY() {
			interval = 5 * time.Second
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stopping := false
loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			if eng.IsRunning() {
				console.Update(output.StatsFromEngine(eng))
			}
		case <-interrupts:
			if !stopping {
				stopping = true
				fmt.Fprintln(stderr, "\nStopping test, waiting for in-flight iterations. Press Ctrl-C again to abort.")
				if err := eng.Stop(ctx); err != nil {
					logger.Warn("stop failed", zap.Error(err))
				}
				continue
			}
			fmt.Fprintln(stderr, "\nAborting in-flight requests.")
			cancel()
		}
	}

	if result == nil {
		return ExitFailure, runErr
	}

	console.PrintSummary(result)

	if opts.jsonOut {
		if err := output.WriteJSON(stdout, result); err != nil {
			return ExitFailure, err
		}
	}
	if opts.outputPath != "" {
		if err := writeResultFile(opts.outputPath, result); err != nil {
			return ExitFailure, err
		}
	}

	return exitCode(result, runErr)
}

func exitCode(result *engine.TestResult, runErr error) (int, error) {
	switch {
	case result.Aborted:
		return ExitAborted, fmt.Errorf("test aborted: %s", result.AbortReason)
	case runErr != nil && errors.Is(runErr, context.Canceled):
		return ExitFailure, errors.New("test interrupted")
	case runErr != nil:
		return ExitFailure, runErr
	case !result.Passed:
		return ExitThresholdsFailed, fmt.Errorf("%d threshold(s) failed", len(result.FailedThresholds()))
	default:
		return ExitOK, nil
	}
}

func plannedDuration(eng *engine.Engine) time.Duration {
	var longest time.Duration
	for _, s := range eng.GetScenarioStats() {
		if s != nil && s.TotalDuration > longest {
			longest = s.TotalDuration
		}
	}
	return longest
}

func writeResultFile(path string, result *engine.TestResult) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	return output.WriteJSON(f, result)
}

// loadTestConfig reads the configuration file, or builds a single-scenario
// configuration from the quick mode flags.
func loadTestConfig(opts *runOptions) (*config.TestConfig, error) {
	if opts.configFile != "" {
		cfg, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if opts.name != "" {
			cfg.Name = opts.name
		}
		if opts.rps > 0 {
			cfg.Settings.RPS = opts.rps
		}
		return cfg, nil
	}
	return buildConfigFromFlags(opts)
}

// buildConfigFromFlags builds a TestConfig from quick mode flags.
func buildConfigFromFlags(opts *runOptions) (*config.TestConfig, error) {
	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return nil, err
	}

	request := config.RequestConfig{
		Name:    "request",
		Method:  strings.ToUpper(opts.method),
		URL:     opts.url,
		Headers: headers,
		Checks: []config.CheckConfig{
			{Name: "status is 200", Type: "status", Condition: "eq", Value: "200"},
			{Name: "response time is less than 500ms", Type: "duration", Condition: "lt", Value: "500ms"},
		},
	}
	if request.Method != "GET" && request.Method != "HEAD" {
		request.Body = opts.body
	}

	thresholds, err := parseThresholdFlags(opts.thresholds)
	if err != nil {
		return nil, err
	}

	name := opts.name
	if name == "" {
		name = "Quick test " + opts.url
	}

	cfg := &config.TestConfig{
		Name: name,
		Settings: config.GlobalSettings{
			Timeout:            config.Duration(opts.timeout),
			InsecureSkipVerify: opts.insecure,
			MaxVUs:             opts.maxVUs,
			RPS:                opts.rps,
		},
		Thresholds: thresholds,
	}

	scenario := &config.ScenarioConfig{
		Requests:     []config.RequestConfig{request},
		ThinkTime:    opts.thinkTime,
		GracefulStop: opts.gracefulStop,
	}

	if opts.vus > 0 || opts.duration != "" {
		scenario.Executor = config.ExecutorConstantVUs
		scenario.VUs = opts.vus
		scenario.Duration = opts.duration
	} else {
		parsed, err := stages.ParseStages(opts.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid --stages: %w", err)
		}
		scenario.Executor = config.ExecutorRampingVUs
		for _, st := range parsed {
			scenario.Stages = append(scenario.Stages, config.StageConfig{
				Duration: st.Duration.String(),
				Target:   st.Target,
				Hold:     st.Hold,
				Name:     st.Name,
			})
		}
	}

	cfg.Scenarios = map[string]*config.ScenarioConfig{config.DefaultScenarioName: scenario}
	return cfg, nil
}

// parseHeaders parses "Key: Value" pairs.
func parseHeaders(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Key: Value'", v)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// parseThresholdFlags parses "metric:expression" pairs.
func parseThresholdFlags(values []string) (config.ThresholdsConfig, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(config.ThresholdsConfig)
	for _, v := range values {
		metric, expr, ok := strings.Cut(v, ":")
		metric, expr = strings.TrimSpace(metric), strings.TrimSpace(expr)
		if !ok || metric == "" || expr == "" {
			return nil, fmt.Errorf("invalid threshold %q, expected 'metric:expression'", v)
		}
		out[metric] = append(out[metric], config.ThresholdConfig{Threshold: expr})
	}
	return out, nil
}
