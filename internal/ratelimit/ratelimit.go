package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultConnectionMax = 10
	DefaultMessageMax    = 50
)

// Limiter is a sliding-window counter keyed by identity (IP or peer id).
// Old timestamps are pruned lazily on each check, so memory stays bounded
// by active keys times the per-window rate.
type Limiter struct {
	max    int
	window time.Duration

	mu   sync.Mutex
	keys map[string][]time.Time

	// now is swapped in tests to drive the window.
	now func() time.Time
}

// New creates a limiter allowing max events per key within window.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = DefaultConnectionMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		max:    max,
		window: window,
		keys:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether key may perform another event now, and records the
// event only when allowed.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.keys[key][:0]
	for _, t := range l.keys[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.max {
		l.keys[key] = recent
		return false
	}
	l.keys[key] = append(recent, now)
	return true
}

// Forget drops all state for key, e.g. when its peer disconnects.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Prune removes keys whose events all fell out of the window. Callers may
// run it on a timer; Allow already prunes the keys it touches.
func (l *Limiter) Prune() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, events := range l.keys {
		live := false
		for _, t := range events {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.keys, key)
		}
	}
}
