package executor

import (
	"context"
	"fmt"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// Each VU runs iterations back to back, separated only by the scenario
// think-time (closed model). It is a ramping executor with a single hold
// stage, so start-up and shutdown behave the same way.
type ConstantVUs struct {
	*RampingVUs
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{RampingVUs: NewRampingVUs()}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, config.Type)
	}
	return e.init(config)
}

// Ensure ConstantVUs implements Executor
var _ Executor = (*ConstantVUs)(nil)
