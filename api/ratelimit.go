package api

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Endpoint families for rate-limit accounting. The three GraphQL user-read
// endpoints share one upstream bucket; the REST endpoints have their own.
const (
	FamilyUserRead    = "user_read"
	FamilyBlockCreate = "block_create"
	FamilyVerify      = "verify_credentials"
)

// Documented ceilings, tracked for diagnostics only; enforcement is driven
// by the response headers.
const (
	UserReadCeiling    = 150 // requests / 15 min
	BlockCreateCeiling = 300 // requests / 15 min
)

const (
	// resetPad is added to the reset instant before resuming dispatch.
	resetPad = 10 * time.Second

	// maxRateLimitWait bounds how long the dispatcher blocks on a window.
	maxRateLimitWait = 15 * time.Minute
)

// snapshot is the last known rate-limit state of one endpoint family.
type snapshot struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// rateLimits is the per-endpoint accountant. It is shared by all goroutines
// dispatching against the same session; a short lock around each snapshot's
// read-modify-write is all the synchronization needed.
type rateLimits struct {
	mu        sync.Mutex
	snapshots map[string]snapshot
}

func newRateLimits() *rateLimits {
	return &rateLimits{snapshots: make(map[string]snapshot)}
}

// update ingests the rate-limit headers of one response.
func (r *rateLimits) update(family string, limit, remaining, reset string) {
	if limit == "" && remaining == "" && reset == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshots[family]
	if v, err := strconv.Atoi(limit); err == nil {
		snap.Limit = v
	}
	if v, err := strconv.Atoi(remaining); err == nil {
		snap.Remaining = v
	}
	if v, err := strconv.ParseInt(reset, 10, 64); err == nil {
		snap.Reset = time.Unix(v, 0)
	}
	r.snapshots[family] = snap
}

// get returns the current snapshot for a family.
func (r *rateLimits) get(family string) snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[family]
}

// waitTime returns how long dispatch on the family must pause: zero unless
// the window is exhausted and the reset lies in the future.
func (r *rateLimits) waitTime(family string, now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.snapshots[family]
	if !ok || snap.Remaining > 0 || snap.Reset.IsZero() || !snap.Reset.After(now) {
		return 0
	}
	wait := snap.Reset.Sub(now) + resetPad
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	return wait
}

// awaitWindow blocks until the family's window allows dispatch or the
// context is canceled.
func (r *rateLimits) awaitWindow(ctx context.Context, family string, log *logrus.Logger, sleep sleepFunc) error {
	wait := r.waitTime(family, time.Now())
	if wait <= 0 {
		return nil
	}
	log.WithFields(logrus.Fields{
		"endpoint": family,
		"wait":     wait.Round(time.Second).String(),
	}).Warn("rate limit window exhausted, waiting for reset")
	return sleep(ctx, wait)
}
