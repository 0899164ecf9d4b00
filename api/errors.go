package api

import (
	"errors"
	"fmt"
	"time"

	"bulkblock.org/classify"
)

// ErrAuthExpired is returned when a call still gets 401 after the cookie
// file has been reloaded and the call retried. The session cannot be
// repaired from inside the process; the user has to re-export cookies.
var ErrAuthExpired = errors.New("session expired, re-export browser cookies")

// Error describes one failed upstream call with everything the retry
// classifier needs to place it.
type Error struct {
	Op             string
	HTTPStatus     int
	Message        string
	ProviderCode   int
	EmptyBody      bool
	UserState      classify.UserState
	Network        bool
	Timeout        bool
	RateLimitReset time.Time
}

func (e *Error) Error() string {
	switch {
	case e.Network:
		return fmt.Sprintf("%s: network error: %s", e.Op, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.HTTPStatus, e.Message)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.HTTPStatus)
	}
}

// Failure converts the error into the classifier's input shape.
func (e *Error) Failure() classify.Failure {
	return classify.Failure{
		HTTPStatus:     e.HTTPStatus,
		Message:        e.Message,
		ProviderCode:   e.ProviderCode,
		EmptyBody:      e.EmptyBody,
		UserState:      e.UserState,
		Network:        e.Network,
		Timeout:        e.Timeout,
		RateLimitReset: e.RateLimitReset,
	}
}
