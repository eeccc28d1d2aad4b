// Package performance runs virtual users against an HTTP target.
//
// A Pool owns the virtual users of one scenario. Each VirtualUser loops over
// iterations of a Scenario; every iteration gets a fresh Session that issues
// requests, runs checks and sleeps, recording samples into a metrics.Registry.
//
// Two signals end a VU. The done channel is the soft end of the test: sleeps
// return immediately and no new iteration starts, but requests in flight are
// allowed to finish. Cancelling the context is the hard end and aborts
// requests in flight.
package performance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is between iterations.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop after the
	// current iteration.
	VUStateStopping
	// VUStateStopped indicates the VU goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrVUStopped is returned by RunIteration once a stop was requested.
var ErrVUStopped = errors.New("virtual user is stopping")

// VirtualUser is a single simulated user executing iterations.
type VirtualUser struct {
	// ID is unique within a pool, starting at 1.
	ID int

	pool *Pool

	state     atomic.Int32
	iteration atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func newVirtualUser(id int, pool *Pool) *VirtualUser {
	return &VirtualUser{
		ID:     id,
		pool:   pool,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Iterations returns the number of iterations started.
func (vu *VirtualUser) Iterations() int64 {
	return vu.iteration.Load()
}

// Run executes iterations until done is closed, ctx is cancelled or a stop
// is requested. Iteration failures never end the loop.
func (vu *VirtualUser) Run(ctx context.Context, done <-chan struct{}) {
	defer vu.markStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-vu.stopCh:
			return
		default:
		}

		if err := vu.RunIteration(ctx, done); err != nil {
			if errors.Is(err, ErrVUStopped) {
				return
			}
			vu.pool.logger.Debug("iteration failed",
				zap.Int("vu", vu.ID),
				zap.Int64("iteration", vu.Iterations()),
				zap.Error(err))
		}
	}
}

// RunIteration runs the scenario once. Errors and panics from the scenario
// are recovered, recorded as a failed iteration and returned.
func (vu *VirtualUser) RunIteration(ctx context.Context, done <-chan struct{}) (err error) {
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return ErrVUStopped
	}
	defer vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	iter := vu.iteration.Add(1)
	sess := newSession(ctx, done, vu, iter)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in iteration: %v", r)
			vu.pool.logger.Debug("recovered scenario panic",
				zap.Int("vu", vu.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}

		// Iterations cut off by the hard stop are not counted.
		if ctx.Err() != nil {
			return
		}

		end := time.Now()
		b := vu.pool.registry.Builtin()
		b.Iterations.Add(metrics.Sample{Metric: metrics.Iterations, Time: end, Value: 1})
		b.IterationDuration.Add(metrics.Sample{Metric: metrics.IterationDuration, Time: end, Value: metrics.Millis(end.Sub(start))})
		b.IterationsFailed.Add(metrics.Sample{Metric: metrics.IterationsFailed, Time: end, Value: metrics.Bool(err != nil)})
		vu.pool.iterations.Add(1)
	}()

	return vu.pool.scenario.Run(ctx, sess)
}

// RequestStop asks the VU to stop after its current iteration. Sleeps in
// progress return immediately.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the VU goroutine to exit.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(VUStateStopped))
	close(vu.doneCh)
}
