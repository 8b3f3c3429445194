package ws

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/planly/notifier/internal/metrics"
)

const limiterSweepInterval = 5 * time.Minute

// ConnLimiter counts connection attempts per remote address in a fixed
// window and bans addresses that exceed the threshold. Bans auto-expire
// and are not renewable mid-ban.
type ConnLimiter struct {
	limit  int
	window time.Duration
	banFor time.Duration

	mu      sync.Mutex
	windows map[string]connWindow
	bans    map[string]time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type connWindow struct {
	count   int
	resetAt time.Time
}

// NewConnLimiter builds a limiter and starts its sweep loop.
func NewConnLimiter(limit int, window, banFor time.Duration) *ConnLimiter {
	l := &ConnLimiter{
		limit:   limit,
		window:  window,
		banFor:  banFor,
		windows: make(map[string]connWindow),
		bans:    make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow records one connection attempt. It returns false when the
// address is banned or the attempt crosses the threshold; crossing the
// threshold adds a ban.
func (l *ConnLimiter) Allow(addr string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, banned := l.bans[addr]; banned {
		if now.Before(expiry) {
			return false
		}
		delete(l.bans, addr)
	}

	w, ok := l.windows[addr]
	if !ok || now.After(w.resetAt) {
		l.windows[addr] = connWindow{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	w.count++
	l.windows[addr] = w
	if w.count > l.limit {
		l.bans[addr] = now.Add(l.banFor)
		metrics.RateLimited.WithLabelValues("connection").Inc()
		return false
	}
	return true
}

// Banned reports whether the address currently sits in the ban set.
func (l *ConnLimiter) Banned(addr string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.bans[addr]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(l.bans, addr)
		return false
	}
	return true
}

func (l *ConnLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *ConnLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, addr)
		}
	}
	for addr, expiry := range l.bans {
		if now.After(expiry) {
			delete(l.bans, addr)
		}
	}
}

// Close stops the sweep loop.
func (l *ConnLimiter) Close() {
	l.once.Do(func() { close(l.stopCh) })
}

// EventLimiter throttles events per second per remote address with a
// token bucket per key. Violations drop the event only; the connection
// stays up.
type EventLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	buckets map[string]*eventBucket
	stopCh  chan struct{}
	once    sync.Once
}

type eventBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewEventLimiter builds a limiter allowing eventsPerSecond sustained
// with an equal burst.
func NewEventLimiter(eventsPerSecond int) *EventLimiter {
	l := &EventLimiter{
		perSecond: rate.Limit(eventsPerSecond),
		burst:     eventsPerSecond,
		buckets:   make(map[string]*eventBucket),
		stopCh:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether one more event from the address fits the budget.
func (l *EventLimiter) Allow(addr string) bool {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		b = &eventBucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[addr] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.lim.Allow() {
		metrics.RateLimited.WithLabelValues("event").Inc()
		return false
	}
	return true
}

func (l *EventLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *EventLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterSweepInterval {
			delete(l.buckets, addr)
		}
	}
}

// Close stops the sweep loop.
func (l *EventLimiter) Close() {
	l.once.Do(func() { close(l.stopCh) })
}
