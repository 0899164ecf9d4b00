// Package api implements the authenticated upstream client: GraphQL user
// lookups, the REST block endpoint and credential verification, with
// per-endpoint rate-limit accounting, soft-throttle detection and one-shot
// session recovery on 401.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bulkblock.org/cache"
	"bulkblock.org/config"
)

// HTTPClient is the transport seam. *http.Client satisfies it; tests swap in
// a scripted implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// sleepFunc pauses for d or until ctx is done. Injected so tests run waits
// instantly.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const (
	requestTimeout = 30 * time.Second

	// recoveryPause sits between a cookie reload and the retried call, giving
	// the upstream session stores a moment to converge.
	recoveryPause = 2 * time.Second

	userAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
)

// Client talks to the upstream API on behalf of one session.
type Client struct {
	http    HTTPClient
	jar     *config.CookieJar
	cache   *cache.Cache
	limits  *rateLimits
	breaker *throttleBreaker
	log     *logrus.Logger
	sleep   sleepFunc

	withTxID         bool
	withForwardedFor bool

	mu       sync.Mutex
	callerID string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport.
func WithHTTPClient(h HTTPClient) Option {
	return func(c *Client) { c.http = h }
}

// WithSleep replaces the wait primitive.
func WithSleep(fn sleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// New builds a client from the run configuration. The cookie jar must
// already be loaded; cache may be nil when resolution caching is unwanted.
func New(cfg *config.Config, jar *config.CookieJar, cc *cache.Cache, log *logrus.Logger, opts ...Option) (*Client, error) {
	if err := VerifyFeatureFlags(); err != nil {
		return nil, err
	}

	c := &Client{
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		jar:              jar,
		cache:            cc,
		limits:           newRateLimits(),
		breaker:          newThrottleBreaker(cfg.Throttle),
		log:              log,
		sleep:            sleepContext,
		withTxID:         !cfg.DisableHeaderEnhancement,
		withForwardedFor: cfg.EnableForwardedFor,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// setHeaders stamps the session and identification headers onto a request.
// Called per attempt so a reloaded jar is picked up by the retry.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Cookie", c.jar.Header())
	req.Header.Set("X-Csrf-Token", c.jar.CSRF())
	req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	req.Header.Set("X-Twitter-Active-User", "yes")
	req.Header.Set("X-Twitter-Client-Language", "en")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	if c.withTxID {
		req.Header.Set("X-Client-Transaction-Id", newTransactionID())
	}
	if c.withForwardedFor {
		req.Header.Set("X-Xp-Forwarded-For", forwardedForAddr())
	}
}

// do runs one logical call: wait out the throttle circuit and the endpoint's
// rate-limit window, dispatch, and retry exactly once through a cookie
// reload when the first attempt comes back 401.
func (c *Client) do(ctx context.Context, op, family string, build func() (*http.Request, error)) ([]byte, error) {
	// An operator can swap the cookie file mid-run; pick it up before
	// dispatching. A failed recheck keeps the loaded session.
	if err := c.jar.MaybeReload(); err != nil {
		c.log.WithError(err).Warn("cookie file recheck failed, keeping the loaded session")
	}

	recovered := false
	for {
		if wait := c.breaker.waitTime(); wait > 0 {
			c.log.WithField("wait", wait.Round(time.Second).String()).
				Warn("soft throttle cool-down active, pausing dispatch")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		if err := c.limits.awaitWindow(ctx, family, c.log, c.sleep); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("%s: building request: %w", op, err)
		}
		c.setHeaders(req)

		body, apiErr := c.dispatch(ctx, op, family, req)
		if apiErr == nil {
			return body, nil
		}
		if apiErr.HTTPStatus == 401 {
			if recovered {
				return nil, fmt.Errorf("%s: %w", op, ErrAuthExpired)
			}
			recovered = true
			if err := c.recoverSession(ctx); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}
		return nil, apiErr
	}
}

// dispatch performs a single HTTP exchange and folds the response into the
// accountant and the throttle circuit.
func (c *Client) dispatch(ctx context.Context, op, family string, req *http.Request) ([]byte, *Error) {
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		apiErr := &Error{Op: op, Message: err.Error(), Network: true}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			apiErr.Timeout = true
		}
		return nil, apiErr
	}
	defer resp.Body.Close()

	c.limits.update(family,
		resp.Header.Get("x-rate-limit-limit"),
		resp.Header.Get("x-rate-limit-remaining"),
		resp.Header.Get("x-rate-limit-reset"),
	)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, HTTPStatus: resp.StatusCode, Message: err.Error(), Network: true}
	}

	if resp.StatusCode == http.StatusOK {
		c.breaker.recordSuccess()
		return body, nil
	}

	message, code := errorDetails(body)
	apiErr := &Error{
		Op:           op,
		HTTPStatus:   resp.StatusCode,
		Message:      message,
		ProviderCode: code,
		EmptyBody:    len(strings.TrimSpace(string(body))) == 0,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if v, perr := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64); perr == nil {
			apiErr.RateLimitReset = time.Unix(v, 0)
		}
	}
	if resp.StatusCode == http.StatusForbidden && apiErr.EmptyBody {
		if c.breaker.recordHit() {
			c.log.Warn("soft throttle detected, opening cool-down")
		}
	}
	return nil, apiErr
}

// recoverSession reloads the cookie jar, clears the cached caller identity
// and pauses before the retry.
func (c *Client) recoverSession(ctx context.Context) error {
	c.log.Info("got 401, reloading cookie jar and retrying once")

	c.mu.Lock()
	c.callerID = ""
	c.mu.Unlock()

	if err := c.jar.Reload(); err != nil {
		return err
	}
	return c.sleep(ctx, recoveryPause)
}

// RateLimitStatus exposes the last known window of an endpoint family for
// the reporter.
func (c *Client) RateLimitStatus(family string) (limit, remaining int, reset time.Time) {
	snap := c.limits.get(family)
	return snap.Limit, snap.Remaining, snap.Reset
}
