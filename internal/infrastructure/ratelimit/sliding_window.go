// Package ratelimit provides per-client sliding-window limiters.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = 60 * time.Second
)

// SlidingWindow admits at most limit calls per key within any window.
// Each key keeps the timestamps of its admitted calls; stale entries are
// pruned lazily when the key is checked.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) { sw.now = now }
}

func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	sw := &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

func (sw *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	cutoff := now.Add(-sw.window)
	sw.sweep(now, cutoff)

	hits := sw.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= sw.limit {
		sw.hits[key] = kept
		return false, nil
	}
	if len(kept) == 0 {
		delete(sw.hits, key)
		kept = nil
	}

	sw.hits[key] = append(kept, now)
	return true, nil
}

// sweep drops keys whose newest hit has left the window. It runs at most
// once per window.
func (sw *SlidingWindow) sweep(now, cutoff time.Time) {
	if now.Sub(sw.lastSweep) < sw.window {
		return
	}
	sw.lastSweep = now
	for key, hits := range sw.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(sw.hits, key)
		}
	}
}

// Len reports how many keys are currently tracked.
func (sw *SlidingWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.hits)
}

// Remaining reports how many calls key may still make in the current window.
func (sw *SlidingWindow) Remaining(key string) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := sw.now().Add(-sw.window)
	n := 0
	for _, t := range sw.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return sw.limit - n
}
