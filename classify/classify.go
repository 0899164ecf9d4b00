// Package classify decides what to do with a failed upstream interaction.
// It is a pure policy layer: the same Failure always yields the same
// Classification, and no I/O happens here. The processing manager and the
// API client both consult it, at run time and when resuming from history.
package classify

import (
	"strings"
	"time"
)

// UserState is the account state reported by the upstream for a target.
type UserState string

const (
	StateActive      UserState = "active"
	StateSuspended   UserState = "suspended"
	StateNotFound    UserState = "not_found"
	StateDeactivated UserState = "deactivated"
	StateUnavailable UserState = "unavailable"
	StateUnknown     UserState = "unknown"
)

// Permanent reports whether s means the target can never be blocked.
// Permanent states are never retried and never re-contacted upstream.
func (s UserState) Permanent() bool {
	switch s {
	case StateSuspended, StateNotFound, StateDeactivated:
		return true
	}
	return false
}

// Kind names the flavor of a transient failure.
type Kind string

const (
	KindRateLimit   Kind = "rate_limit"
	KindServerError Kind = "server_error"
	KindUnavailable Kind = "unavailable"
	KindNetwork     Kind = "network"
	KindUnknown     Kind = "unknown"
)

// Verdict discriminates the classification outcome.
type Verdict int

const (
	// VerdictPermanent: record the failure, never retry, never call upstream
	// for this target again.
	VerdictPermanent Verdict = iota

	// VerdictTransient: record the failure, the target stays retry-eligible.
	VerdictTransient

	// VerdictAuth: the session is likely stale. Reload the cookie jar and
	// retry the call exactly once, then surface.
	VerdictAuth
)

// Failure describes one failed interaction. Zero values mean "not known":
// HTTPStatus 0 means no HTTP response was received.
type Failure struct {
	HTTPStatus int
	Message    string
	EmptyBody  bool
	UserState  UserState
	Network    bool
	Timeout    bool

	// ProviderCode is the numeric error code from the response body, when
	// one was present.
	ProviderCode int

	// RateLimitReset is the reset instant from the rate-limit headers,
	// when the response carried one.
	RateLimitReset time.Time
}

// Classification is the decision for one Failure.
type Classification struct {
	Verdict Verdict

	// State is set for permanent verdicts.
	State UserState

	// Kind and Wait are set for transient verdicts. Wait is the suggested
	// pause before the next attempt on the same endpoint.
	Kind Kind
	Wait time.Duration
}

const (
	// BaseBackoff is the first retry interval; it doubles per attempt.
	BaseBackoff = 60 * time.Second

	// MaxBackoff caps every computed wait.
	MaxBackoff = 900 * time.Second

	// DefaultMaxAttempts bounds retries during interactive runs.
	DefaultMaxAttempts = 3

	// AutoRetryMaxAttempts bounds retries during the auto-retry pass.
	AutoRetryMaxAttempts = 10
)

// permanentCodes map numeric provider-error codes to permanent states.
var permanentCodes = map[int]UserState{
	50: StateNotFound,
	63: StateSuspended,
}

// permanentMarkers map provider-error substrings to permanent states.
var permanentMarkers = []struct {
	marker string
	state  UserState
}{
	{"suspended", StateSuspended},
	{"not found", StateNotFound},
	{"not_found", StateNotFound},
	{"deactivated", StateDeactivated},
}

// Classify maps a raw failure to its handling decision. The decision table
// follows the observed upstream behavior: 401 means a stale session, 429
// and 5xx are waiting games, empty-body 403 is undocumented throttling, and
// provider-error strings identify accounts that are gone for good.
func Classify(f Failure) Classification {
	switch f.HTTPStatus {
	case 401:
		return Classification{Verdict: VerdictAuth}
	case 429:
		return Classification{
			Verdict: VerdictTransient,
			Kind:    KindRateLimit,
			Wait:    rateLimitWait(f.RateLimitReset),
		}
	case 500, 502, 503, 504:
		return Classification{Verdict: VerdictTransient, Kind: KindServerError, Wait: BaseBackoff}
	case 403:
		if f.EmptyBody {
			// Undocumented throttling signature; the dispatcher's circuit
			// decides the actual cool-down.
			return Classification{Verdict: VerdictTransient, Kind: KindUnknown, Wait: BaseBackoff}
		}
	}

	if f.UserState.Permanent() {
		return Classification{Verdict: VerdictPermanent, State: f.UserState}
	}
	if state, ok := permanentCodes[f.ProviderCode]; ok {
		return Classification{Verdict: VerdictPermanent, State: state}
	}
	if f.UserState == StateUnavailable {
		return Classification{Verdict: VerdictTransient, Kind: KindUnavailable, Wait: BaseBackoff}
	}

	lower := strings.ToLower(f.Message)
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m.marker) {
			return Classification{Verdict: VerdictPermanent, State: m.state}
		}
	}
	if strings.Contains(lower, "unavailable") {
		return Classification{Verdict: VerdictTransient, Kind: KindUnavailable, Wait: BaseBackoff}
	}

	if f.Network || f.Timeout {
		return Classification{Verdict: VerdictTransient, Kind: KindNetwork, Wait: BaseBackoff}
	}

	return Classification{Verdict: VerdictTransient, Kind: KindUnknown, Wait: BaseBackoff}
}

// rateLimitWait derives the wait from the reset header, clamped to
// [BaseBackoff, MaxBackoff].
func rateLimitWait(reset time.Time) time.Duration {
	wait := BaseBackoff
	if !reset.IsZero() {
		wait = time.Until(reset)
	}
	return clamp(wait, BaseBackoff, MaxBackoff)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
