package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkblock.org/account"
	"bulkblock.org/cache"
	"bulkblock.org/classify"
	"bulkblock.org/config"
)

type mockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func httpResponse(status int, body string, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func testJar(t *testing.T) *config.CookieJar {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ct0":"csrf-token","auth_token":"auth-secret"}`), 0o644))
	jar, err := config.LoadCookieJar(path)
	require.NoError(t, err)
	return jar
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig() *config.Config {
	return &config.Config{
		Throttle: config.ThrottleConfig{
			Threshold: 5,
			Window:    5 * time.Minute,
			CoolDown:  30 * time.Minute,
		},
	}
}

// newTestClient wires a client over the mock transport. Sleeps are recorded
// instead of slept.
func newTestClient(t *testing.T, cfg *config.Config, mock *mockHTTPClient, cc *cache.Cache) (*Client, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	client, err := New(cfg, testJar(t), cc, quietLogger(),
		WithHTTPClient(mock),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)
	require.NoError(t, err)
	return client, &slept
}

func activeUserBody(id, screenName string, rel map[string]bool) string {
	legacy := map[string]interface{}{
		"screen_name": screenName,
		"name":        "Some User",
	}
	for k, v := range rel {
		legacy[k] = v
	}
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"user": map[string]interface{}{
				"result": map[string]interface{}{
					"__typename": "User",
					"rest_id":    id,
					"legacy":     legacy,
				},
			},
		},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestSessionHeaders(t *testing.T) {
	var captured *http.Request
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return httpResponse(200, activeUserBody("1001", "spammer", nil), nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	_, err := client.UserByScreenName(context.Background(), "spammer")
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "Bearer "+bearerToken, captured.Header.Get("Authorization"))
	assert.Equal(t, "csrf-token", captured.Header.Get("X-Csrf-Token"))
	assert.Equal(t, "OAuth2Session", captured.Header.Get("X-Twitter-Auth-Type"))
	assert.Contains(t, captured.Header.Get("Cookie"), "auth_token=auth-secret")
	assert.NotEmpty(t, captured.Header.Get("X-Client-Transaction-Id"))
	assert.Empty(t, captured.Header.Get("X-Xp-Forwarded-For"))
}

func TestHeaderToggles(t *testing.T) {
	cfg := testConfig()
	cfg.DisableHeaderEnhancement = true
	cfg.EnableForwardedFor = true

	var captured *http.Request
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return httpResponse(200, activeUserBody("1001", "spammer", nil), nil), nil
	}}
	client, _ := newTestClient(t, cfg, mock, nil)

	_, err := client.UserByScreenName(context.Background(), "spammer")
	require.NoError(t, err)

	assert.Empty(t, captured.Header.Get("X-Client-Transaction-Id"))
	assert.NotEmpty(t, captured.Header.Get("X-Xp-Forwarded-For"))
}

func TestGraphQLRequestCarriesFeatures(t *testing.T) {
	var captured *http.Request
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		return httpResponse(200, activeUserBody("1001", "spammer", nil), nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	_, err := client.UserByScreenName(context.Background(), "@spammer")
	require.NoError(t, err)

	query := captured.URL.Query()
	var variables map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(query.Get("variables")), &variables))
	assert.Equal(t, "spammer", variables["screen_name"])

	var features map[string]bool
	require.NoError(t, json.Unmarshal([]byte(query.Get("features")), &features))
	for _, name := range requiredFeatureFlags {
		assert.Contains(t, features, name)
	}
}

func TestUserByScreenName_States(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		state classify.UserState
	}{
		{
			name:  "Active",
			body:  activeUserBody("1001", "spammer", nil),
			state: classify.StateActive,
		},
		{
			name:  "Suspended",
			body:  `{"data":{"user":{"result":{"__typename":"UserUnavailable","reason":"Suspended"}}}}`,
			state: classify.StateSuspended,
		},
		{
			name:  "Unavailable",
			body:  `{"data":{"user":{"result":{"__typename":"UserUnavailable","reason":"Protected"}}}}`,
			state: classify.StateUnavailable,
		},
		{
			name:  "NotFoundError",
			body:  `{"data":{},"errors":[{"message":"User not found."}]}`,
			state: classify.StateNotFound,
		},
		{
			name:  "EmptyResult",
			body:  `{"data":{"user":{}}}`,
			state: classify.StateNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
				return httpResponse(200, tt.body, nil), nil
			}}
			client, _ := newTestClient(t, testConfig(), mock, nil)

			resolved, err := client.UserByScreenName(context.Background(), "spammer")
			require.NoError(t, err)
			assert.Equal(t, tt.state, resolved.Profile.State)
		})
	}
}

func TestUserByScreenName_RelationshipFields(t *testing.T) {
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(200, activeUserBody("1001", "friend", map[string]bool{
			"following": true, "blocking": false,
		}), nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	resolved, err := client.UserByScreenName(context.Background(), "friend")
	require.NoError(t, err)
	assert.True(t, resolved.Relationship.Following)
	assert.False(t, resolved.Relationship.Blocking)
	assert.Equal(t, "1001", resolved.Profile.ID)
}

func TestUsersByRestIDs_ChunksAtFifty(t *testing.T) {
	var chunkSizes []int
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		var variables struct {
			UserIDs []string `json:"userIds"`
		}
		if err := json.Unmarshal([]byte(req.URL.Query().Get("variables")), &variables); err != nil {
			return nil, err
		}
		chunkSizes = append(chunkSizes, len(variables.UserIDs))

		users := make([]map[string]interface{}, 0, len(variables.UserIDs))
		for _, id := range variables.UserIDs {
			users = append(users, map[string]interface{}{
				"result": map[string]interface{}{
					"__typename": "User",
					"rest_id":    id,
					"legacy":     map[string]interface{}{"screen_name": "u" + id},
				},
			})
		}
		body, _ := json.Marshal(map[string]interface{}{
			"data": map[string]interface{}{"users": users},
		})
		return httpResponse(200, string(body), nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	ids := make([]string, 120)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i+1)
	}

	results, err := client.UsersByRestIDs(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, results, 120)
	assert.Equal(t, []int{50, 50, 20}, chunkSizes)
}

func TestBlockUser(t *testing.T) {
	var captured *http.Request
	var form url.Values
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ := io.ReadAll(req.Body)
		form, _ = url.ParseQuery(string(body))
		return httpResponse(200, `{"id_str":"1001","screen_name":"spammer"}`, nil), nil
	}}

	cc, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cc.PutRelationship("1001", &account.Relationship{Blocking: false}))

	client, _ := newTestClient(t, testConfig(), mock, cc)
	require.NoError(t, client.BlockUser(context.Background(), "1001"))

	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, "application/x-www-form-urlencoded", captured.Header.Get("Content-Type"))
	assert.Equal(t, "1001", form.Get("user_id"))

	// The relationship snapshot is stale after a block.
	_, ok := cc.GetRelationship("1001")
	assert.False(t, ok)
}

func TestAuthRecovery_RetriesOnceAfterReload(t *testing.T) {
	calls := 0
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpResponse(401, `{"errors":[{"message":"Could not authenticate you"}]}`, nil), nil
		}
		return httpResponse(200, `{"id_str":"42","screen_name":"me"}`, nil), nil
	}}
	client, slept := newTestClient(t, testConfig(), mock, nil)

	id, err := client.CallerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, 2, calls)
	assert.Contains(t, *slept, recoveryPause)
}

func TestAuthRecovery_SecondUnauthorizedSurfaces(t *testing.T) {
	calls := 0
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		return httpResponse(401, "", nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	_, err := client.CallerID(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, 2, calls)
}

func TestCallerIDIsCached(t *testing.T) {
	calls := 0
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		return httpResponse(200, `{"id_str":"42","screen_name":"me"}`, nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	for i := 0; i < 3; i++ {
		id, err := client.CallerID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "42", id)
	}
	assert.Equal(t, 1, calls)
}

func TestRateLimitWindowPausesDispatch(t *testing.T) {
	reset := time.Now().Add(30 * time.Second).Unix()
	calls := 0
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		return httpResponse(200, activeUserBody("1001", "spammer", nil), map[string]string{
			"x-rate-limit-limit":     "150",
			"x-rate-limit-remaining": "0",
			"x-rate-limit-reset":     fmt.Sprintf("%d", reset),
		}), nil
	}}
	client, slept := newTestClient(t, testConfig(), mock, nil)

	_, err := client.UserByScreenName(context.Background(), "first")
	require.NoError(t, err)
	assert.Empty(t, *slept)

	// The window is now exhausted: the next call waits for reset plus pad.
	_, err = client.UserByScreenName(context.Background(), "second")
	require.NoError(t, err)
	require.Len(t, *slept, 1)
	assert.Greater(t, (*slept)[0], 20*time.Second)
	assert.LessOrEqual(t, (*slept)[0], 30*time.Second+resetPad)
}

func TestRateLimitError_CarriesReset(t *testing.T) {
	reset := time.Now().Add(5 * time.Minute).Unix()
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(429, `{"errors":[{"message":"Rate limit exceeded"}]}`, map[string]string{
			"x-rate-limit-reset": fmt.Sprintf("%d", reset),
		}), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	err := client.BlockUser(context.Background(), "1001")
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.HTTPStatus)
	assert.Equal(t, time.Unix(reset, 0), apiErr.RateLimitReset)

	cls := classify.Classify(apiErr.Failure())
	assert.Equal(t, classify.VerdictTransient, cls.Verdict)
	assert.Equal(t, classify.KindRateLimit, cls.Kind)
}

func TestThrottleBreaker_TripsAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Throttle.Threshold = 3

	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(403, "", nil), nil
	}}
	client, slept := newTestClient(t, testConfig(), mock, nil)
	client.breaker = newThrottleBreaker(cfg.Throttle)

	for i := 0; i < 3; i++ {
		err := client.BlockUser(context.Background(), "1001")
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		assert.True(t, apiErr.EmptyBody)
	}

	// Tripping happens after the response, so nothing was slept yet.
	assert.Empty(t, *slept)
	assert.Equal(t, cfg.Throttle.CoolDown, client.breaker.waitTime().Round(time.Second))

	// The next dispatch waits out the cool-down first.
	_ = client.BlockUser(context.Background(), "1001")
	require.NotEmpty(t, *slept)
	assert.InDelta(t, float64(cfg.Throttle.CoolDown), float64((*slept)[0]), float64(time.Second))
}

func TestThrottleBreaker_DefaultThresholdIsFive(t *testing.T) {
	breaker := newThrottleBreaker(config.ThrottleConfig{
		Threshold: 5,
		Window:    5 * time.Minute,
		CoolDown:  30 * time.Minute,
	})

	for i := 0; i < 4; i++ {
		assert.False(t, breaker.recordHit())
		assert.Zero(t, breaker.waitTime())
	}
	assert.True(t, breaker.recordHit())
	assert.Greater(t, breaker.waitTime(), 29*time.Minute)
}

func TestThrottleBreaker_SuccessCloses(t *testing.T) {
	breaker := newThrottleBreaker(config.ThrottleConfig{
		Threshold: 3,
		Window:    time.Minute,
		CoolDown:  time.Minute,
	})

	breaker.recordHit()
	breaker.recordHit()
	breaker.recordSuccess()
	breaker.recordHit()
	breaker.recordHit()

	// The success reset the count; four raw hits never tripped it.
	assert.Zero(t, breaker.waitTime())

	assert.True(t, breaker.recordHit())
	assert.Greater(t, breaker.waitTime(), time.Duration(0))
}

func TestThrottleBreaker_WindowExpiresHits(t *testing.T) {
	now := time.Now()
	breaker := newThrottleBreaker(config.ThrottleConfig{
		Threshold: 2,
		Window:    time.Minute,
		CoolDown:  time.Minute,
	})
	breaker.now = func() time.Time { return now }

	breaker.recordHit()
	now = now.Add(2 * time.Minute)

	// The first hit fell out of the window.
	assert.False(t, breaker.recordHit())
	assert.True(t, breaker.recordHit())
}

func TestNetworkErrorClassification(t *testing.T) {
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	err := client.BlockUser(context.Background(), "1001")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Network)

	cls := classify.Classify(apiErr.Failure())
	assert.Equal(t, classify.KindNetwork, cls.Kind)
}

func TestResolveUsers_UsesCacheAndPopulatesIt(t *testing.T) {
	cc, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	calls := 0
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		return httpResponse(200, activeUserBody("1001", "spammer", nil), nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, cc)

	first, err := client.ResolveUsers(context.Background(), []string{"spammer"}, config.FormatScreenName)
	require.NoError(t, err)
	require.Contains(t, first, "spammer")
	assert.Equal(t, 1, calls)

	// Second resolution is answered from the cache.
	second, err := client.ResolveUsers(context.Background(), []string{"spammer"}, config.FormatScreenName)
	require.NoError(t, err)
	require.Contains(t, second, "spammer")
	assert.Equal(t, "1001", second["spammer"].Profile.ID)
	assert.Equal(t, 1, calls)
}

func TestResolveUsers_TransientFailureLeavesTargetUnresolved(t *testing.T) {
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return httpResponse(500, `{"errors":[{"message":"Internal error"}]}`, nil), nil
	}}
	client, _ := newTestClient(t, testConfig(), mock, nil)

	results, err := client.ResolveUsers(context.Background(), []string{"spammer"}, config.FormatScreenName)
	require.NoError(t, err)
	assert.NotContains(t, results, "spammer")
}

func TestVerifyFeatureFlags(t *testing.T) {
	assert.NoError(t, VerifyFeatureFlags())
}

func TestErrorDetailsExtraction(t *testing.T) {
	message, code := errorDetails([]byte(`{"errors":[{"message":"User has been suspended.","code":63},{"message":"Dup"}]}`))
	assert.Equal(t, "User has been suspended.; Dup", message)
	assert.Equal(t, 63, code)

	message, code = errorDetails([]byte("plain text"))
	assert.Equal(t, "plain text", message)
	assert.Zero(t, code)

	message, code = errorDetails([]byte("  "))
	assert.Equal(t, "", message)
	assert.Zero(t, code)
}

func TestCookieFileChangeIsPickedUp(t *testing.T) {
	var tokens []string
	mock := &mockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		tokens = append(tokens, req.Header.Get("X-Csrf-Token"))
		return httpResponse(200, `{"id_str":"42","screen_name":"me"}`, nil), nil
	}}

	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"ct0":"csrf-token","auth_token":"auth-secret"}`), 0o644))
	jar, err := config.LoadCookieJar(path)
	require.NoError(t, err)

	client, err := New(testConfig(), jar, nil, quietLogger(), WithHTTPClient(mock))
	require.NoError(t, err)

	_, err = client.CallerID(context.Background())
	require.NoError(t, err)

	// Swap the cookie file on disk; the next dispatch notices the new mtime.
	require.NoError(t, os.WriteFile(path, []byte(`{"ct0":"fresh-token","auth_token":"fresh-secret"}`), 0o644))
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(time.Second)))

	_, err = client.UserByScreenName(context.Background(), "spammer")
	require.NoError(t, err)

	require.Len(t, tokens, 2)
	assert.Equal(t, "csrf-token", tokens[0])
	assert.Equal(t, "fresh-token", tokens[1])
}
