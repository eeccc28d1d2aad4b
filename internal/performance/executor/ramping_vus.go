package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance"
	"github.com/wesleyorama2/volley/internal/performance/stages"
)

// RampingVUs ramps VU count up and down according to stages.
//
// A controller re-evaluates the schedule every tick and scales the pool to
// the interpolated target, so VU counts follow the ramp in small steps
// instead of jumping at stage boundaries.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 50     # Ramp from 0 to 50 VUs over 30s
//	  - duration: 1m
//	    target: 100    # Ramp from 50 to 100 VUs over 1 minute
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config   *Config
	schedule *stages.Schedule

	// State
	startTime    time.Time
	targetVUs    atomic.Int32
	currentStage atomic.Int32
	running      atomic.Bool
	finished     atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once

	pool *performance.Pool
	mu   sync.RWMutex
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{stopCh: make(chan struct{})}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeRampingVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, config.Type)
	}
	return e.init(config)
}

func (e *RampingVUs) init(config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	schedule, err := config.Schedule()
	if err != nil {
		return err
	}

	e.config = config
	e.schedule = schedule
	return nil
}

// Run drives the pool through the schedule and then stops its VUs.
//
// When the schedule ends the VUs are asked to stop: sleeps return at once
// and in-flight iterations get GracefulStop to complete. VUs still running
// afterwards are interrupted by cancelling their context.
func (e *RampingVUs) Run(ctx context.Context, pool *performance.Pool) error {
	if e.schedule == nil {
		return errors.New("executor not initialized")
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("executor already running")
	}
	defer e.running.Store(false)

	log := e.config.logger().With(zap.String("scenario", e.config.Name))

	hardCtx, hardCancel := context.WithCancel(ctx)
	defer hardCancel()
	done := make(chan struct{})

	e.mu.Lock()
	e.pool = pool
	e.startTime = time.Now()
	e.mu.Unlock()

	log.Info("scenario started",
		zap.String("executor", string(e.config.Type)),
		zap.Int("stages", e.schedule.Len()),
		zap.Int("max_target", e.schedule.MaxTarget()),
		zap.Duration("duration", e.schedule.TotalDuration()))

	e.control(hardCtx, pool, done)

	close(done)
	e.finished.Store(true)
	pool.StopAll()

	grace := e.config.gracefulStop()
	if left := pool.Wait(grace); left > 0 {
		log.Warn("graceful stop expired, interrupting VUs",
			zap.Int("vus", left),
			zap.Duration("graceful_stop", grace))
		hardCancel()
		if left = pool.Wait(hardStopWait); left > 0 {
			log.Error("VUs did not exit after interrupt", zap.Int("vus", left))
		}
	}

	e.targetVUs.Store(0)
	pool.Scale(ctx, done, 0)

	log.Info("scenario finished",
		zap.Int64("iterations", pool.Iterations()),
		zap.Duration("elapsed", time.Since(e.startTime)))

	return nil
}

// control scales the pool every tick until the schedule is over, Stop is
// called or ctx is cancelled.
func (e *RampingVUs) control(ctx context.Context, pool *performance.Pool, done <-chan struct{}) {
	ticker := time.NewTicker(e.config.tick())
	defer ticker.Stop()

	end := time.NewTimer(e.schedule.TotalDuration())
	defer end.Stop()

	for {
		elapsed := time.Since(e.startTime)
		if elapsed >= e.schedule.TotalDuration() {
			return
		}

		target := e.schedule.Target(elapsed)
		e.targetVUs.Store(int32(target))
		e.currentStage.Store(int32(e.schedule.StageIndex(elapsed)))
		pool.Scale(ctx, done, target)

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-end.C:
			return
		case <-ticker.C:
		}
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	if e.finished.Load() {
		return 1.0
	}

	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	if start.IsZero() || e.schedule == nil {
		return 0.0
	}

	total := e.schedule.TotalDuration()
	progress := float64(time.Since(start)) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns current active VU count.
func (e *RampingVUs) GetActiveVUs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.pool == nil {
		return 0
	}
	return e.pool.Active()
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := &Stats{
		StartTime:   e.startTime,
		CurrentTime: time.Now(),
		TargetVUs:   int(e.targetVUs.Load()),
		Phase:       stages.PhaseDone,
	}
	if e.schedule == nil {
		return stats
	}

	stats.TotalDuration = e.schedule.TotalDuration()
	stats.TotalStages = e.schedule.Len()
	stats.MaxVUs = e.schedule.MaxTarget()

	if !e.startTime.IsZero() {
		stats.Elapsed = time.Since(e.startTime)
	}
	if e.pool != nil {
		stats.ActiveVUs = e.pool.Active()
		stats.Iterations = e.pool.Iterations()
	}

	stageIdx := int(e.currentStage.Load())
	stats.CurrentStage = stageIdx
	if stageIdx < e.schedule.Len() {
		stats.CurrentStageName = e.schedule.Stages()[stageIdx].Name
	}
	if !e.finished.Load() {
		stats.Phase = e.schedule.Phase(stats.Elapsed)
	}

	return stats
}

// Stop ends the schedule early. It is safe to call more than once.
func (e *RampingVUs) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	return nil
}

// Ensure RampingVUs implements Executor
var _ Executor = (*RampingVUs)(nil)
