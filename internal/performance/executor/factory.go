package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/config"
)

// NewExecutor creates a new executor of the specified type.
//
// Supported types:
//   - "constant-vus" - Fixed number of VUs for a duration
//   - "ramping-vus" - VU count ramps up/down according to stages
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type) (Executor, error) {
	switch executorType {
	case TypeConstantVUs:
		return NewConstantVUs(), nil
	case TypeRampingVUs:
		return NewRampingVUs(), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", executorType)
	}
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
func CreateAndInitExecutor(ctx context.Context, cfg *Config) (Executor, error) {
	exec, err := NewExecutor(cfg.Type)
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// FromScenarioConfig creates and initializes the executor for the named
// scenario of a test configuration. Defaults are expected to be applied.
func FromScenarioConfig(ctx context.Context, name string, cfg *config.TestConfig, logger *zap.Logger) (Executor, *Config, error) {
	sc, ok := cfg.Scenarios[name]
	if !ok || sc == nil {
		return nil, nil, fmt.Errorf("unknown scenario %q", name)
	}

	execConfig, err := convertScenarioToExecutorConfig(name, cfg, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("scenario %s: %w", name, err)
	}
	execConfig.Logger = logger

	exec, err := CreateAndInitExecutor(ctx, execConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("scenario %s: %w", name, err)
	}

	return exec, execConfig, nil
}

func convertScenarioToExecutorConfig(name string, cfg *config.TestConfig, sc *config.ScenarioConfig) (*Config, error) {
	execType := Type(sc.Executor)
	if execType == "" {
		execType = TypeRampingVUs
		if len(sc.Stages) == 0 {
			execType = TypeConstantVUs
		}
	}

	out := &Config{
		Name: name,
		Type: execType,
		VUs:  sc.VUs,
	}

	graceful, err := cfg.GracefulStopDuration(sc)
	if err != nil {
		return nil, err
	}
	out.GracefulStop = graceful

	switch execType {
	case TypeConstantVUs:
		dur, err := config.ParseDurationString(sc.Duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		out.Duration = dur

	default:
		st, err := sc.ScheduleStages()
		if err != nil {
			return nil, err
		}
		out.Stages = st
	}

	return out, nil
}

// IsValidExecutorType returns true if the type is a valid executor type.
func IsValidExecutorType(executorType string) bool {
	switch Type(executorType) {
	case TypeConstantVUs, TypeRampingVUs:
		return true
	default:
		return false
	}
}

// GetSupportedExecutors returns a list of all supported executor types.
func GetSupportedExecutors() []Type {
	return []Type{TypeConstantVUs, TypeRampingVUs}
}

// CalculateMaxVUs returns the highest VU count the configuration asks for.
func CalculateMaxVUs(cfg *Config) int {
	switch cfg.Type {
	case TypeRampingVUs:
		maxVUs := 0
		for _, stage := range cfg.Stages {
			if stage.Target > maxVUs {
				maxVUs = stage.Target
			}
		}
		return maxVUs
	default:
		return cfg.VUs
	}
}
