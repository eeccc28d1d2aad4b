// Package stages turns a list of (duration, target) stages into a target
// concurrency over elapsed test time.
package stages

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Phase describes what the load profile is doing at a point in time.
type Phase string

const (
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// Stage defines a window of the load profile.
//
// A ramp stage moves linearly from the previous stage's target (0 for the
// first stage) to Target over Duration. A hold stage stays flat at Target for
// its whole Duration.
type Stage struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Target   int           `json:"target" yaml:"target"`
	Hold     bool          `json:"hold,omitempty" yaml:"hold,omitempty"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
}

// Schedule is an immutable, validated sequence of stages.
//
// Example:
//
//	stages:
//	  - duration: 30s
//	    target: 50     # Ramp from 0 to 50 VUs over 30s
//	  - duration: 1m
//	    target: 100
//	    hold: true     # Stay at 100 VUs for 1 minute
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type Schedule struct {
	stages []Stage
	total  time.Duration
}

// NewSchedule validates the stages and builds a Schedule.
func NewSchedule(stages []Stage) (*Schedule, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	s := &Schedule{stages: make([]Stage, len(stages))}
	copy(s.stages, stages)

	for i, st := range s.stages {
		if st.Duration <= 0 {
			return nil, fmt.Errorf("stage %d: duration must be > 0, got %s", i+1, st.Duration)
		}
		if st.Target < 0 {
			return nil, fmt.Errorf("stage %d: target cannot be negative, got %d", i+1, st.Target)
		}
		s.total += st.Duration
	}

	return s, nil
}

// MustSchedule is like NewSchedule but panics on invalid input.
func MustSchedule(stages ...Stage) *Schedule {
	s, err := NewSchedule(stages)
	if err != nil {
		panic(err)
	}
	return s
}

// Target returns the target concurrency at the given elapsed time.
func (s *Schedule) Target(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prevTarget := 0

	for _, stage := range s.stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			if stage.Hold {
				return stage.Target
			}

			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return int(target + 0.5)
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	// Past all stages
	return s.stages[len(s.stages)-1].Target
}

// StageIndex returns the index of the stage active at elapsed, or len(stages)
// once the schedule is over.
func (s *Schedule) StageIndex(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageEnd time.Duration
	for i, stage := range s.stages {
		stageEnd += stage.Duration
		if elapsed < stageEnd {
			return i
		}
	}
	return len(s.stages)
}

// Phase classifies the stage active at elapsed.
func (s *Schedule) Phase(elapsed time.Duration) Phase {
	idx := s.StageIndex(elapsed)
	if idx >= len(s.stages) {
		return PhaseDone
	}

	stage := s.stages[idx]
	if stage.Hold {
		return PhaseSteady
	}

	prevTarget := 0
	if idx > 0 {
		prevTarget = s.stages[idx-1].Target
	}

	switch {
	case stage.Target > prevTarget:
		return PhaseRampUp
	case stage.Target < prevTarget:
		return PhaseRampDown
	default:
		return PhaseSteady
	}
}

// TotalDuration is the sum of all stage durations.
func (s *Schedule) TotalDuration() time.Duration {
	return s.total
}

// MaxTarget is the highest target of any stage.
func (s *Schedule) MaxTarget() int {
	maxTarget := 0
	for _, stage := range s.stages {
		if stage.Target > maxTarget {
			maxTarget = stage.Target
		}
	}
	return maxTarget
}

// Len returns the number of stages.
func (s *Schedule) Len() int {
	return len(s.stages)
}

// Stages returns a copy of the stage list.
func (s *Schedule) Stages() []Stage {
	out := make([]Stage, len(s.stages))
	copy(out, s.stages)
	return out
}

// ParseStages parses the CLI shorthand "30s:50,1m:100!,30s:0".
// A trailing "!" on the target marks a hold stage.
func ParseStages(spec string) ([]Stage, error) {
	var out []Stage

	parts := strings.Split(spec, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		dur, err := time.ParseDuration(durationStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		hold := strings.HasSuffix(targetStr, "!")
		targetStr = strings.TrimSuffix(targetStr, "!")

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		out = append(out, Stage{
			Duration: dur,
			Target:   target,
			Hold:     hold,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return out, nil
}
