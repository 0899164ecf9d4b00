package api

import (
	"sync"
	"time"

	"bulkblock.org/config"
)

// throttleBreaker detects soft throttling: bursts of 403 responses with an
// empty body that the upstream emits instead of a proper 429. When the
// threshold is crossed inside the sliding window, dispatch pauses for the
// cool-down period. Any successful response closes the breaker.
type throttleBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	coolDown  time.Duration

	hits  []time.Time
	until time.Time

	now func() time.Time
}

func newThrottleBreaker(cfg config.ThrottleConfig) *throttleBreaker {
	return &throttleBreaker{
		threshold: cfg.Threshold,
		window:    cfg.Window,
		coolDown:  cfg.CoolDown,
		now:       time.Now,
	}
}

// recordHit notes one empty-body 403 and reports whether the breaker just
// tripped.
func (b *throttleBreaker) recordHit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.hits = append(b.hits, now)
	b.prune(now)

	if len(b.hits) >= b.threshold && now.After(b.until) {
		b.until = now.Add(b.coolDown)
		b.hits = nil
		return true
	}
	return false
}

// recordSuccess closes the breaker and clears the hit history.
func (b *throttleBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hits = nil
	b.until = time.Time{}
}

// waitTime returns the remaining cool-down, zero when dispatch may proceed.
func (b *throttleBreaker) waitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.until) {
		return b.until.Sub(now)
	}
	return 0
}

// prune drops hits that fell out of the sliding window. Callers hold the lock.
func (b *throttleBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.hits[:0]
	for _, hit := range b.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	b.hits = kept
}
