package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/planly/notifier/internal/metrics"
)

var (
	// ErrAcquireTimeout means the pool stayed saturated past the acquire
	// timeout. Recoverable: the caller may retry.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
	// ErrDraining means the pool is shutting down. Not retryable.
	ErrDraining = errors.New("pool: draining")
)

const validationPingTimeout = 2 * time.Second

// Options configures a Pool. Zero values fall back to safe defaults via
// normalize, so a partially filled Options never produces a broken pool.
type Options struct {
	Name             string
	MinConns         int
	MaxConns         int
	AcquireTimeout   time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	ValidationWindow time.Duration
	Logger           *slog.Logger
}

func (o *Options) normalize() {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.MaxConns < 1 {
		o.MaxConns = 10
	}
	if o.MinConns < 0 {
		o.MinConns = 0
	}
	if o.MinConns > o.MaxConns {
		o.MinConns = o.MaxConns
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.ValidationWindow <= 0 {
		o.ValidationWindow = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// acquireResult resolves one pending acquire exactly once: the buffered
// channel is written under the pool mutex and read by a single waiter.
type acquireResult struct {
	conn *PooledConn
	err  error
}

type pendingAcquire struct {
	ready      chan acquireResult
	enqueuedAt time.Time
	resolved   bool
}

// Pool is a bounded set of reusable backing-store connections. Multiple
// named pools are independent instances; there is no package-level state.
type Pool struct {
	opts    Options
	factory Factory
	log     *slog.Logger

	mu        sync.Mutex
	available map[string]*PooledConn
	active    map[string]*PooledConn
	pending   []*pendingAcquire
	creating  int
	draining  bool

	counters counters

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New builds a pool, warms it to MinConns synchronously, and starts the
// idle reaper.
func New(ctx context.Context, factory Factory, opts Options) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool: nil factory")
	}
	opts.normalize()

	p := &Pool{
		opts:       opts,
		factory:    factory,
		log:        opts.Logger.With("pool", opts.Name),
		available:  make(map[string]*PooledConn),
		active:     make(map[string]*PooledConn),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	for i := 0; i < opts.MinConns; i++ {
		pc, err := p.create(ctx)
		if err != nil {
			p.destroyAll()
			return nil, fmt.Errorf("warm pool %q: %w", opts.Name, err)
		}
		p.mu.Lock()
		p.available[pc.id] = pc
		p.updatePeakLocked()
		p.publishGaugesLocked()
		p.mu.Unlock()
	}

	go p.reapLoop()
	return p, nil
}

// Acquire returns an idle validated connection, creates one when below
// MaxConns, or queues the caller until a release or the acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()
	deadline := start.Add(p.opts.AcquireTimeout)

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			metrics.PoolAcquires.WithLabelValues(p.opts.Name, "draining").Inc()
			return nil, ErrDraining
		}

		if pc := p.takeIdleLocked(); pc != nil {
			stale := time.Since(pc.lastUsedAt) > p.opts.ValidationWindow
			p.active[pc.id] = pc
			p.publishGaugesLocked()
			p.mu.Unlock()

			if stale && !p.validate(ctx, pc) {
				// Silently replace: a bad idle connection must never
				// fail an unrelated caller.
				p.discard(pc, "failed validation")
				continue
			}
			p.recordAcquire(pc, start)
			return pc, nil
		}

		if p.sizeLocked()+p.creating < p.opts.MaxConns {
			p.creating++
			p.mu.Unlock()

			pc, err := p.create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				metrics.PoolAcquires.WithLabelValues(p.opts.Name, "error").Inc()
				return nil, fmt.Errorf("pool %q: create connection: %w", p.opts.Name, err)
			}
			if p.draining {
				p.mu.Unlock()
				p.discard(pc, "created during drain")
				return nil, ErrDraining
			}
			p.active[pc.id] = pc
			p.updatePeakLocked()
			p.publishGaugesLocked()
			p.mu.Unlock()

			p.recordAcquire(pc, start)
			return pc, nil
		}

		pa := &pendingAcquire{
			ready:      make(chan acquireResult, 1),
			enqueuedAt: time.Now(),
		}
		p.pending = append(p.pending, pa)
		p.mu.Unlock()

		res := p.waitPending(ctx, pa, deadline)
		if res.err != nil {
			return nil, res.err
		}
		p.recordAcquire(res.conn, start)
		return res.conn, nil
	}
}

// waitPending blocks on the pending slot until handoff, timeout, or
// context cancellation.
func (p *Pool) waitPending(ctx context.Context, pa *pendingAcquire, deadline time.Time) acquireResult {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case res := <-pa.ready:
		return res
	case <-timer.C:
		if res, delivered := p.cancelPending(pa); delivered {
			// A release resolved the slot between timeout and removal.
			return res
		}
		metrics.PoolAcquires.WithLabelValues(p.opts.Name, "timeout").Inc()
		return acquireResult{err: ErrAcquireTimeout}
	case <-ctx.Done():
		if res, delivered := p.cancelPending(pa); delivered {
			return res
		}
		return acquireResult{err: ctx.Err()}
	}
}

// cancelPending removes a pending slot. When the slot was already
// resolved, the queued result is consumed and returned so the connection
// is not leaked.
func (p *Pool) cancelPending(pa *pendingAcquire) (acquireResult, bool) {
	p.mu.Lock()
	if pa.resolved {
		p.mu.Unlock()
		return <-pa.ready, true
	}
	pa.resolved = true
	for i, queued := range p.pending {
		if queued == pa {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	return acquireResult{}, false
}

// Release returns a connection to the pool. The oldest pending acquire,
// if any, receives it directly without the connection going idle.
// Releasing an unknown connection is a logged no-op.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[pc.id]; !ok {
		p.mu.Unlock()
		p.log.Warn("release of unknown connection ignored", "conn_id", pc.id)
		return
	}
	pc.lastUsedAt = time.Now()
	p.counters.released++

	if p.draining {
		delete(p.active, pc.id)
		p.publishGaugesLocked()
		p.mu.Unlock()
		p.discard(pc, "released during drain")
		return
	}

	if pa := p.nextPendingLocked(); pa != nil {
		// Direct handoff: the connection stays in the active set, so it
		// can never be claimed by a second acquirer.
		pa.resolved = true
		pa.ready <- acquireResult{conn: pc}
		p.mu.Unlock()
		return
	}

	delete(p.active, pc.id)
	p.available[pc.id] = pc
	p.publishGaugesLocked()
	p.mu.Unlock()
}

// Resize adjusts the pool bounds. Growth creates connections synchronously
// up to the new minimum; shrinking destroys idle connections only.
func (p *Pool) Resize(ctx context.Context, min, max int) error {
	if min < 0 || max < 1 || min > max {
		return fmt.Errorf("pool %q: invalid bounds min=%d max=%d", p.opts.Name, min, max)
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return ErrDraining
	}
	p.opts.MinConns = min
	p.opts.MaxConns = max

	var victims []*PooledConn
	for id, pc := range p.available {
		if p.sizeLocked() <= max {
			break
		}
		delete(p.available, id)
		victims = append(victims, pc)
	}
	missing := min - p.sizeLocked()
	p.mu.Unlock()

	for _, pc := range victims {
		p.discard(pc, "resize shrink")
	}

	for i := 0; i < missing; i++ {
		pc, err := p.create(ctx)
		if err != nil {
			return fmt.Errorf("pool %q: grow to min: %w", p.opts.Name, err)
		}
		p.mu.Lock()
		p.available[pc.id] = pc
		p.updatePeakLocked()
		p.publishGaugesLocked()
		p.mu.Unlock()
	}
	return nil
}

// Drain rejects all pending acquires with ErrDraining and destroys every
// connection, active or idle. Used only at process shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true

	for _, pa := range p.pending {
		if !pa.resolved {
			pa.resolved = true
			pa.ready <- acquireResult{err: ErrDraining}
		}
	}
	p.pending = nil

	victims := make([]*PooledConn, 0, len(p.available)+len(p.active))
	for id, pc := range p.available {
		delete(p.available, id)
		victims = append(victims, pc)
	}
	for id, pc := range p.active {
		delete(p.active, id)
		victims = append(victims, pc)
	}
	p.publishGaugesLocked()
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	for _, pc := range victims {
		p.discard(pc, "drain")
	}
	p.log.Info("pool drained", "destroyed", len(victims))
}

// Size reports current total live connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

func (p *Pool) sizeLocked() int {
	return len(p.available) + len(p.active)
}

// takeIdleLocked removes and returns one idle connection, preferring the
// most recently used so stale ones age toward the reaper.
func (p *Pool) takeIdleLocked() *PooledConn {
	var newest *PooledConn
	for _, pc := range p.available {
		if newest == nil || pc.lastUsedAt.After(newest.lastUsedAt) {
			newest = pc
		}
	}
	if newest != nil {
		delete(p.available, newest.id)
	}
	return newest
}

func (p *Pool) nextPendingLocked() *pendingAcquire {
	for len(p.pending) > 0 {
		pa := p.pending[0]
		p.pending = p.pending[1:]
		if !pa.resolved {
			return pa
		}
	}
	return nil
}

func (p *Pool) create(ctx context.Context) (*PooledConn, error) {
	connectCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	conn, err := p.factory(connectCtx)
	if err != nil {
		return nil, err
	}
	pc := newPooledConn(conn)

	p.mu.Lock()
	p.counters.created++
	p.mu.Unlock()
	return pc, nil
}

func (p *Pool) validate(ctx context.Context, pc *PooledConn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, validationPingTimeout)
	defer cancel()
	if err := pc.conn.Ready(pingCtx); err != nil {
		p.log.Warn("pooled connection failed readiness check", "conn_id", pc.id, "error", err)
		return false
	}
	return true
}

// discard removes a connection from whichever set still holds it and
// closes it. Close errors are swallowed and logged.
func (p *Pool) discard(pc *PooledConn, reason string) {
	p.mu.Lock()
	delete(p.available, pc.id)
	delete(p.active, pc.id)
	p.counters.destroyed++
	p.publishGaugesLocked()
	p.mu.Unlock()

	if err := pc.conn.Close(); err != nil {
		p.log.Warn("closing pooled connection failed", "conn_id", pc.id, "reason", reason, "error", err)
	}
}

func (p *Pool) destroyAll() {
	p.mu.Lock()
	victims := make([]*PooledConn, 0, len(p.available))
	for id, pc := range p.available {
		delete(p.available, id)
		victims = append(victims, pc)
	}
	p.mu.Unlock()
	for _, pc := range victims {
		_ = pc.conn.Close()
	}
}

func (p *Pool) recordAcquire(pc *PooledConn, start time.Time) {
	elapsed := time.Since(start)
	p.mu.Lock()
	pc.acquireCount++
	pc.lastUsedAt = time.Now()
	p.counters.recordAcquireLocked(elapsed)
	p.mu.Unlock()

	metrics.PoolAcquires.WithLabelValues(p.opts.Name, "ok").Inc()
	metrics.PoolAcquireLatency.WithLabelValues(p.opts.Name).Observe(elapsed.Seconds())
}

func (p *Pool) updatePeakLocked() {
	if size := p.sizeLocked(); size > p.counters.peak {
		p.counters.peak = size
	}
}

func (p *Pool) publishGaugesLocked() {
	metrics.PoolConnections.WithLabelValues(p.opts.Name, "active").Set(float64(len(p.active)))
	metrics.PoolConnections.WithLabelValues(p.opts.Name, "idle").Set(float64(len(p.available)))
}

func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reap(time.Now())
		case <-p.stopReaper:
			return
		}
	}
}

// reap destroys idle connections past the idle timeout, never shrinking
// the pool below MinConns.
func (p *Pool) reap(now time.Time) {
	p.mu.Lock()
	var victims []*PooledConn
	for id, pc := range p.available {
		// victims are already deleted, so sizeLocked reflects them
		if p.sizeLocked() <= p.opts.MinConns {
			break
		}
		if now.Sub(pc.lastUsedAt) > p.opts.IdleTimeout {
			delete(p.available, id)
			victims = append(victims, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range victims {
		p.discard(pc, "idle past timeout")
	}
	if len(victims) > 0 {
		p.log.Info("reaped idle connections", "count", len(victims))
	}
}
