package performance

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/performance/metrics"
	"github.com/wesleyorama2/volley/internal/performance/rate"
)

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewHTTPClient builds the client shared by all VUs of a pool.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed targets
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxVUs caps concurrent VUs; larger targets are clamped with a
	// warning. 0 means unlimited.
	MaxVUs int

	// HTTP configures the shared client.
	HTTP HTTPClientConfig

	// Variables are available to templates as {{name}}.
	Variables map[string]string

	// Headers are added to every request that does not set them.
	Headers map[string]string

	// UserAgent is sent unless a request sets its own.
	UserAgent string

	// Limiter paces requests of every pool sharing it. Nil means unlimited.
	Limiter *rate.Limiter

	// Tally sums VU counts of pools sharing a registry. Nil gives the pool
	// its own.
	Tally *VUTally
}

// VUTally sums the VU counts of pools that record into the same registry,
// so the vus and vus_max gauges cover every scenario.
type VUTally struct {
	mu        sync.Mutex
	active    int
	allocated int
	peak      int
}

// NewVUTally creates an empty tally.
func NewVUTally() *VUTally {
	return &VUTally{}
}

// record applies a pool's change and records the summed gauges. Samples are
// added under the lock so the last vus sample matches the final totals.
func (t *VUTally) record(registry *metrics.Registry, activeDelta, allocatedDelta int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active += activeDelta
	t.allocated += allocatedDelta
	if t.allocated > t.peak {
		t.peak = t.allocated
	}

	now := time.Now()
	b := registry.Builtin()
	b.VUs.Add(metrics.Sample{Metric: metrics.VUs, Time: now, Value: float64(t.active)})
	b.VUsMax.Add(metrics.Sample{Metric: metrics.VUsMax, Time: now, Value: float64(t.peak)})
}

// Active returns the summed active VUs as of the last recording.
func (t *VUTally) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Peak returns the highest summed number of allocated VUs.
func (t *VUTally) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Pool manages the virtual users of one scenario.
//
// It provides:
//   - VU spawning and cooperative stopping
//   - A shared HTTP client for connection reuse
//   - Graceful shutdown coordination
//
// Executors drive the pool through Scale.
type Pool struct {
	scenario Scenario
	registry *metrics.Registry
	config   PoolConfig
	logger   *zap.Logger
	client   *http.Client
	checks   *CheckStats

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID   atomic.Int32
	iterations atomic.Int64
	wg         sync.WaitGroup

	tally         *VUTally
	gaugeMu       sync.Mutex
	lastActive    int
	lastAllocated int
	peak          int

	warnMu   sync.Mutex
	clamped  bool
	warnings []string
}

// NewPool creates a pool for scenario. A nil logger disables logging.
func NewPool(scenario Scenario, registry *metrics.Registry, cfg PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	tally := cfg.Tally
	if tally == nil {
		tally = NewVUTally()
	}

	return &Pool{
		tally:    tally,
		scenario: scenario,
		registry: registry,
		config:   cfg,
		logger:   logger,
		client:   NewHTTPClient(cfg.HTTP),
		checks:   NewCheckStats(),
		vus:      make(map[int]*VirtualUser),
	}
}

// Registry returns the metrics registry the pool records into.
func (p *Pool) Registry() *metrics.Registry {
	return p.registry
}

// Checks returns per-check pass/fail counts.
func (p *Pool) Checks() *CheckStats {
	return p.checks
}

// Scale adjusts the number of active VUs to target. New VUs start running
// immediately in their own goroutine; surplus VUs are asked to stop after
// their current iteration. Returns the resulting active count.
func (p *Pool) Scale(ctx context.Context, done <-chan struct{}, target int) int {
	if target < 0 {
		target = 0
	}
	target = p.clamp(target)

	active := p.activeVUs()

	switch {
	case target > len(active):
		for i := len(active); i < target; i++ {
			p.spawn(ctx, done)
		}

	case target < len(active):
		// Stop the newest VUs first.
		sort.Slice(active, func(i, j int) bool { return active[i].ID > active[j].ID })
		for _, vu := range active[:len(active)-target] {
			vu.RequestStop()
		}
	}

	count := p.Active()
	p.recordGauges(count)
	return count
}

func (p *Pool) clamp(target int) int {
	maxVUs := p.config.MaxVUs
	if maxVUs <= 0 || target <= maxVUs {
		p.warnMu.Lock()
		p.clamped = false
		p.warnMu.Unlock()
		return target
	}

	p.warnMu.Lock()
	defer p.warnMu.Unlock()

	if !p.clamped {
		p.clamped = true
		msg := fmt.Sprintf("target of %d VUs exceeds the limit of %d, running %d VUs", target, maxVUs, maxVUs)
		p.warnings = append(p.warnings, msg)
		p.logger.Warn("VU target exceeds limit, degrading",
			zap.Int("target", target),
			zap.Int("max_vus", maxVUs))
	}
	return maxVUs
}

func (p *Pool) spawn(ctx context.Context, done <-chan struct{}) *VirtualUser {
	vu := newVirtualUser(int(p.nextVUID.Add(1)), p)

	p.vusMu.Lock()
	p.vus[vu.ID] = vu
	p.vusMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.remove(vu.ID)
		vu.Run(ctx, done)
	}()

	return vu
}

func (p *Pool) remove(id int) {
	p.vusMu.Lock()
	delete(p.vus, id)
	p.vusMu.Unlock()
}

func (p *Pool) recordGauges(active int) {
	p.gaugeMu.Lock()
	defer p.gaugeMu.Unlock()

	allocated := p.Spawned()
	if allocated > p.peak {
		p.peak = allocated
	}
	p.tally.record(p.registry, active-p.lastActive, allocated-p.lastAllocated)
	p.lastActive, p.lastAllocated = active, allocated
}

// activeVUs returns VUs that are idle or running, excluding those asked to stop.
func (p *Pool) activeVUs() []*VirtualUser {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	out := make([]*VirtualUser, 0, len(p.vus))
	for _, vu := range p.vus {
		switch vu.State() {
		case VUStateIdle, VUStateRunning:
			out = append(out, vu)
		}
	}
	return out
}

// Active returns the number of VUs that are idle or running.
func (p *Pool) Active() int {
	return len(p.activeVUs())
}

// Spawned returns the number of VU goroutines that have not exited yet,
// including VUs that are stopping.
func (p *Pool) Spawned() int {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()
	return len(p.vus)
}

// PeakVUs returns the highest number of VUs this pool had allocated.
func (p *Pool) PeakVUs() int {
	p.gaugeMu.Lock()
	defer p.gaugeMu.Unlock()
	return p.peak
}

// Iterations returns the number of iterations completed by the pool's VUs.
func (p *Pool) Iterations() int64 {
	return p.iterations.Load()
}

// StopAll asks every VU to stop after its current iteration.
func (p *Pool) StopAll() {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	for _, vu := range p.vus {
		vu.RequestStop()
	}
}

// Wait waits up to grace for all VU goroutines to exit and returns the
// number still running afterwards.
func (p *Pool) Wait(grace time.Duration) int {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return 0
	case <-timer.C:
		return p.Spawned()
	}
}

// Close releases idle connections of the shared client.
func (p *Pool) Close() {
	p.client.CloseIdleConnections()
}

// Warnings returns degradation warnings raised so far.
func (p *Pool) Warnings() []string {
	p.warnMu.Lock()
	defer p.warnMu.Unlock()

	out := make([]string, len(p.warnings))
	copy(out, p.warnings)
	return out
}
