// Package rate paces HTTP requests to a global requests-per-second cap.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter hands out send slots spaced 1/rate apart. Slots are assigned in
// call order, so concurrent VUs never share one and the observed rate stays
// at or below the cap. A caller that arrives after its slot would have
// started goes immediately; idle time is not banked as burst.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	now      func() time.Time

	granted atomic.Int64
	waited  atomic.Int64 // nanoseconds
}

// Stats describes how much the limiter slowed callers down.
type Stats struct {
	Rate     float64
	Granted  int64
	WaitTime time.Duration
}

// NewLimiter returns a limiter for perSecond events, or nil when perSecond
// is not positive. A nil *Limiter never blocks.
func NewLimiter(perSecond float64) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	return &Limiter{
		interval: time.Duration(float64(time.Second) / perSecond),
		now:      time.Now,
	}
}

// Reserve claims the next slot and returns when it starts.
func (l *Limiter) Reserve() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)
	l.granted.Add(1)
	return slot
}

// Wait blocks until the caller's slot starts or ctx is done. The slot is
// consumed even when ctx ends first.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	delay := l.Reserve().Sub(l.now())
	if delay <= 0 {
		return ctx.Err()
	}
	l.waited.Add(int64(delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rate returns the configured events per second.
func (l *Limiter) Rate() float64 {
	if l == nil {
		return 0
	}
	return float64(time.Second) / float64(l.interval)
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return Stats{
		Rate:     l.Rate(),
		Granted:  l.granted.Load(),
		WaitTime: time.Duration(l.waited.Load()),
	}
}
