// Package engine runs a complete load test.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/volley/internal/performance"
	"github.com/wesleyorama2/volley/internal/performance/config"
	"github.com/wesleyorama2/volley/internal/performance/executor"
	"github.com/wesleyorama2/volley/internal/performance/metrics"
	"github.com/wesleyorama2/volley/internal/performance/rate"
	"github.com/wesleyorama2/volley/internal/performance/threshold"
)

// Engine is the main orchestrator of a load test.
//
// It coordinates:
//   - Configuration validation and compilation
//   - Scenario execution with their respective executors
//   - Metrics collection in a shared registry
//   - Threshold evaluation during and after the run
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.NewEngine(cfg)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	config    *config.TestConfig
	logger    *zap.Logger
	registry  *metrics.Registry
	evaluator *threshold.Evaluator
	tally     *performance.VUTally
	limiter   *rate.Limiter

	scenarios map[string]*ScenarioRunner
	order     []string

	// set by options
	scripted          map[string]performance.Scenario
	customMetrics     map[string]metrics.Kind
	thresholdInterval time.Duration
	tick              time.Duration

	mu        sync.RWMutex
	runID     string
	startTime time.Time
	running   bool
	ran       bool

	abortOnce   sync.Once
	aborted     bool
	abortReason string
}

// ScenarioRunner ties a scenario to its pool and executor.
type ScenarioRunner struct {
	Name     string
	Config   *config.ScenarioConfig
	Executor executor.Executor
	Pool     *performance.Pool
	Scenario performance.Scenario

	duration time.Duration
	err      error
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name       string                   `json:"name"`
	Executor   string                   `json:"executor"`
	Duration   time.Duration            `json:"duration"`
	Iterations int64                    `json:"iterations"`
	MaxVUs     int                      `json:"maxVUs"`
	Checks     []performance.CheckCount `json:"checks,omitempty"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// TestResult contains the complete test results.
type TestResult struct {
	// Test metadata
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	Scenarios map[string]*ScenarioResult `json:"scenarios"`

	// MaxVUs is the peak number of VUs across all scenarios
	MaxVUs int `json:"maxVUs"`

	// Aggregated metrics across all scenarios
	Metrics *metrics.Snapshot `json:"metrics"`

	// Checks are per-name tallies across all scenarios
	Checks []performance.CheckCount `json:"checks,omitempty"`

	// Threshold evaluation
	Passed     bool               `json:"passed"`
	Thresholds []threshold.Result `json:"thresholds,omitempty"`

	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abortReason,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// FailedThresholds returns the thresholds that did not pass.
func (r *TestResult) FailedThresholds() []threshold.Result {
	var out []threshold.Result
	for _, t := range r.Thresholds {
		if !t.Passed {
			out = append(out, t)
		}
	}
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithScenario runs fn as the iteration of the named scenario instead of its
// configured requests. The scenario's load profile still comes from the
// configuration.
func WithScenario(name string, fn performance.Scenario) Option {
	return func(e *Engine) {
		e.scripted[name] = fn
	}
}

// WithMetric registers a custom metric that scenarios can record through
// Session.Add and thresholds can reference.
func WithMetric(name string, kind metrics.Kind) Option {
	return func(e *Engine) {
		e.customMetrics[name] = kind
	}
}

// WithThresholdInterval overrides how often thresholds are evaluated.
func WithThresholdInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.thresholdInterval = d
	}
}

// WithTick overrides the executors' controller interval.
func WithTick(d time.Duration) Option {
	return func(e *Engine) {
		e.tick = d
	}
}

// NewEngine validates cfg and prepares every scenario and threshold.
//
// All configuration problems are reported here, before any VU runs.
func NewEngine(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		config:        cfg,
		logger:        zap.NewNop(),
		registry:      metrics.NewRegistry(),
		tally:         performance.NewVUTally(),
		limiter:       rate.NewLimiter(cfg.Settings.RPS),
		scenarios:     make(map[string]*ScenarioRunner),
		scripted:      make(map[string]performance.Scenario),
		customMetrics: make(map[string]metrics.Kind),
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg.Normalize()
	for name := range e.scripted {
		sc, ok := cfg.Scenarios[name]
		if !ok || sc == nil {
			return nil, fmt.Errorf("scripted scenario %q has no load profile in the configuration", name)
		}
		sc.Scripted = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config.ApplyDefaults(cfg)

	for name, kind := range e.customMetrics {
		if _, err := e.registry.Register(name, kind); err != nil {
			return nil, err
		}
	}

	if err := e.compileThresholds(); err != nil {
		return nil, err
	}

	for _, name := range cfg.ScenarioNames() {
		runner, err := e.newScenarioRunner(name, cfg.Scenarios[name])
		if err != nil {
			return nil, err
		}
		e.scenarios[name] = runner
		e.order = append(e.order, name)
	}

	return e, nil
}

func (e *Engine) compileThresholds() error {
	var specs []threshold.Spec
	for _, metric := range e.config.ThresholdMetrics() {
		for _, tc := range e.config.Thresholds[metric] {
			delay, err := config.ParseDurationString(tc.DelayAbortEval)
			if err != nil {
				return fmt.Errorf("threshold %q on %s: invalid delayAbortEval: %w", tc.Threshold, metric, err)
			}
			specs = append(specs, threshold.Spec{
				Metric:         metric,
				Expression:     tc.Threshold,
				AbortOnFail:    tc.AbortOnFail,
				DelayAbortEval: delay,
			})
		}
	}

	interval := e.thresholdInterval
	if interval <= 0 {
		var err error
		if interval, err = e.config.ThresholdInterval(); err != nil {
			return err
		}
	}

	evaluator, err := threshold.NewEvaluator(specs, e.registry, threshold.Options{
		Interval: interval,
		Logger:   e.logger,
	})
	if err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	e.evaluator = evaluator
	return nil
}

func (e *Engine) newScenarioRunner(name string, sc *config.ScenarioConfig) (*ScenarioRunner, error) {
	scenario, ok := e.scripted[name]
	if !ok {
		rs, err := performance.NewRequestScenario(name, sc)
		if err != nil {
			return nil, err
		}
		scenario = rs
	}

	exec, execCfg, err := executor.FromScenarioConfig(context.Background(), name, e.config, e.logger)
	if err != nil {
		return nil, err
	}
	if e.tick > 0 {
		execCfg.Tick = e.tick
	}

	settings := e.config.Settings
	pool := performance.NewPool(scenario, e.registry, performance.PoolConfig{
		MaxVUs: settings.MaxVUs,
		HTTP: performance.HTTPClientConfig{
			Timeout:             settings.Timeout.GetDuration(config.DefaultTimeout),
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: settings.MaxIdleConnsPerHost,
			MaxConnsPerHost:     settings.MaxConnectionsPerHost,
			IdleConnTimeout:     90 * time.Second,
			InsecureSkipVerify:  settings.InsecureSkipVerify,
		},
		Variables: e.config.AllVariables(),
		Headers:   settings.Headers,
		UserAgent: settings.UserAgent,
		Limiter:   e.limiter,
		Tally:     e.tally,
	}, e.logger.With(zap.String("scenario", name)))

	return &ScenarioRunner{
		Name:     name,
		Config:   sc,
		Executor: exec,
		Pool:     pool,
		Scenario: scenario,
	}, nil
}

// Registry returns the metrics registry shared by all scenarios.
func (e *Engine) Registry() *metrics.Registry {
	return e.registry
}

// Run executes all scenarios concurrently and returns the test results.
//
// Thresholds are evaluated while the test runs; a failing abort-on-fail
// threshold ends every scenario early. Cancelling ctx aborts in-flight
// requests. A result is returned even when err is non-nil.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	if e.ran {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine has already run")
	}
	e.running = true
	e.ran = true
	e.runID = uuid.NewString()
	e.startTime = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.registry.Start(e.startTime)
	log := e.logger.With(zap.String("run_id", e.runID))
	log.Info("test started",
		zap.String("name", e.config.Name),
		zap.Strings("scenarios", e.order),
		zap.Int("thresholds", e.evaluator.Len()))

	evalCtx, stopEval := context.WithCancel(ctx)
	evalDone := make(chan struct{})
	go func() {
		defer close(evalDone)
		e.evaluator.Run(evalCtx, e.abort)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range e.order {
		runner := e.scenarios[name]
		g.Go(func() error {
			start := time.Now()
			err := runner.Executor.Run(gctx, runner.Pool)
			runner.duration = time.Since(start)
			runner.err = err
			if err != nil {
				return fmt.Errorf("scenario %s: %w", runner.Name, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	stopEval()
	<-evalDone

	result := e.buildResult()
	for _, runner := range e.scenarios {
		runner.Pool.Close()
	}

	if runErr == nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		runErr = ctx.Err()
	}

	log.Info("test finished",
		zap.Bool("passed", result.Passed),
		zap.Bool("aborted", result.Aborted),
		zap.Duration("duration", result.Duration))

	return result, runErr
}

func (e *Engine) buildResult() *TestResult {
	snap := e.registry.Snapshot()
	verdict := e.evaluator.Final(snap)
	end := time.Now()

	e.mu.RLock()
	aborted, reason := e.aborted, e.abortReason
	e.mu.RUnlock()

	result := &TestResult{
		RunID:       e.runID,
		Name:        e.config.Name,
		Description: e.config.Description,
		StartTime:   e.startTime,
		EndTime:     end,
		Duration:    end.Sub(e.startTime),
		Scenarios:   make(map[string]*ScenarioResult, len(e.scenarios)),
		MaxVUs:      e.tally.Peak(),
		Metrics:     snap,
		Passed:      verdict.Passed && !aborted,
		Thresholds:  verdict.Results,
		Aborted:     aborted,
		AbortReason: reason,
	}

	var checkSets [][]performance.CheckCount
	for _, name := range e.order {
		runner := e.scenarios[name]
		checks := runner.Pool.Checks().Snapshot()
		checkSets = append(checkSets, checks)

		sr := &ScenarioResult{
			Name:       name,
			Executor:   string(runner.Executor.Type()),
			Duration:   runner.duration,
			Iterations: runner.Pool.Iterations(),
			MaxVUs:     runner.Pool.PeakVUs(),
			Checks:     checks,
			Warnings:   runner.Pool.Warnings(),
		}
		if runner.err != nil {
			sr.Error = runner.err.Error()
		}
		result.Scenarios[name] = sr

		for _, w := range sr.Warnings {
			result.Warnings = append(result.Warnings, fmt.Sprintf("scenario %s: %s", name, w))
		}
	}
	result.Checks = performance.MergeCheckCounts(checkSets...)

	return result
}

// abort ends all scenarios early because a threshold was crossed.
func (e *Engine) abort(reason string) {
	e.abortOnce.Do(func() {
		e.mu.Lock()
		e.aborted = true
		e.abortReason = reason
		e.mu.Unlock()

		e.logger.Warn("aborting test", zap.String("reason", reason))
		for _, runner := range e.scenarios {
			runner.Executor.Stop(context.Background())
		}
	})
}

// GetConfig returns the test configuration.
func (e *Engine) GetConfig() *config.TestConfig {
	return e.config
}

// RunID returns the ID of the current or last run.
func (e *Engine) RunID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runID
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop ends every scenario early. In-flight iterations still get their
// graceful stop period; cancel the Run context to interrupt them.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil
	}
	e.mu.RUnlock()

	var errs []error
	for _, name := range e.order {
		if err := e.scenarios[name].Executor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetProgress returns the overall test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	if len(e.scenarios) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range e.scenarios {
		totalProgress += runner.Executor.GetProgress()
	}

	return totalProgress / float64(len(e.scenarios))
}

// GetLive returns a cheap progress readout for console output.
func (e *Engine) GetLive() *metrics.LiveStats {
	live := e.registry.Live()
	live.ActiveVUs = e.tally.Active()
	return live
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	stats := make(map[string]*executor.Stats, len(e.scenarios))
	for name, runner := range e.scenarios {
		stats[name] = runner.Executor.GetStats()
	}
	return stats
}

// ScenarioNames returns the scenario names in run order.
func (e *Engine) ScenarioNames() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}
