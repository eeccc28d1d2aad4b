// Package executor drives a performance.Pool over time.
//
// An executor owns the clock of one scenario: it computes the target VU
// count from the stage schedule, scales the pool towards it and, once the
// schedule is over, stops the VUs within a bounded graceful period.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance"
	"github.com/wesleyorama2/volley/internal/performance/stages"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"
)

const (
	// DefaultTick is how often the controller re-evaluates the target.
	DefaultTick = 100 * time.Millisecond

	// DefaultGracefulStop bounds how long VUs may finish in-flight work
	// after the schedule ends.
	DefaultGracefulStop = 30 * time.Second

	// hardStopWait bounds the wait for VUs after the hard context is cancelled.
	hardStopWait = 5 * time.Second
)

// Executor defines the interface for load generation strategies.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init validates and stores the configuration. Called once before Run.
	Init(ctx context.Context, config *Config) error

	// Run drives the pool and blocks until the schedule is over and the
	// VUs have stopped. Cancelling ctx aborts in-flight requests.
	Run(ctx context.Context, pool *performance.Pool) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the schedule early. VUs still get the graceful stop period.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	// Name is the scenario this executor runs.
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// VUs and Duration configure constant-vus.
	VUs      int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Stages configure ramping-vus.
	Stages []stages.Stage `json:"stages,omitempty" yaml:"stages,omitempty"`

	// GracefulStop bounds the wait for in-flight iterations. 0 means 30s.
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Tick is the controller interval. 0 means 100ms.
	Tick time.Duration `json:"tick,omitempty" yaml:"tick,omitempty"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`
	MaxVUs    int `json:"maxVUs"`

	Iterations int64 `json:"iterations"`

	// Stage info
	CurrentStage     int          `json:"currentStage"`
	CurrentStageName string       `json:"currentStageName"`
	TotalStages      int          `json:"totalStages"`
	Phase            stages.Phase `json:"phase"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}

	switch c.Type {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		if _, err := stages.NewSchedule(c.Stages); err != nil {
			return &ValidationError{Field: "stages", Message: err.Error()}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop cannot be negative"}
	}
	if c.Tick < 0 {
		return &ValidationError{Field: "tick", Message: "tick cannot be negative"}
	}

	return nil
}

// Schedule builds the stage schedule. A constant-vus configuration becomes a
// single hold stage.
func (c *Config) Schedule() (*stages.Schedule, error) {
	if c.Type == TypeConstantVUs {
		return stages.NewSchedule([]stages.Stage{{
			Duration: c.Duration,
			Target:   c.VUs,
			Hold:     true,
			Name:     "constant",
		}})
	}
	return stages.NewSchedule(c.Stages)
}

// TotalDuration calculates the scheduled duration, excluding graceful stop.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantVUs:
		return c.Duration

	case TypeRampingVUs:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total

	default:
		return 0
	}
}

func (c *Config) gracefulStop() time.Duration {
	if c.GracefulStop > 0 {
		return c.GracefulStop
	}
	return DefaultGracefulStop
}

func (c *Config) tick() time.Duration {
	if c.Tick > 0 {
		return c.Tick
	}
	return DefaultTick
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
