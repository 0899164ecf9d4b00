package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"bulkblock.org/account"
	"bulkblock.org/classify"
)

const (
	userByScreenNameURL = "https://x.com/i/api/graphql/7mjxD3-C6BxitPMVQ6w0-Q/UserByScreenName"
	userByRestIDURL     = "https://x.com/i/api/graphql/I5nvpI91ljifos1Y3Lltyg/UserByRestId"
	usersByRestIDsURL   = "https://x.com/i/api/graphql/GD4q8bBE2i6cqWw2iT74Gg/UsersByRestIds"
	blockCreateURL      = "https://x.com/i/api/1.1/blocks/create.json"
	verifyURL           = "https://x.com/i/api/1.1/account/verify_credentials.json"
)

// MaxBatchIDs is the upstream's per-call ceiling for the batched id lookup.
const MaxBatchIDs = 50

// graphqlFeatures is the feature-flag table every GraphQL call must carry.
// The upstream rejects calls with missing flags, so this table is the single
// place to edit when it starts demanding a new one.
var graphqlFeatures = map[string]bool{
	"hidden_profile_subscriptions_enabled":                              true,
	"rweb_tipjar_consumption_enabled":                                   true,
	"responsive_web_graphql_exclude_directive_enabled":                  true,
	"verified_phone_label_enabled":                                      false,
	"subscriptions_verification_info_is_identity_verified_enabled":      true,
	"subscriptions_verification_info_verified_since_enabled":            true,
	"highlights_tweets_tab_ui_enabled":                                  true,
	"responsive_web_twitter_article_notes_tab_enabled":                  true,
	"subscriptions_feature_can_gift_premium":                            true,
	"creator_subscriptions_tweet_preview_api_enabled":                   true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled": false,
	"responsive_web_graphql_timeline_navigation_enabled":                true,
}

// requiredFeatureFlags are the flags the upstream is known to reject calls
// without. VerifyFeatureFlags fails fast at client construction when an
// edit to the table drops one.
var requiredFeatureFlags = []string{
	"hidden_profile_subscriptions_enabled",
	"responsive_web_graphql_exclude_directive_enabled",
	"verified_phone_label_enabled",
	"responsive_web_graphql_timeline_navigation_enabled",
}

// VerifyFeatureFlags checks the flag table covers every known-required flag.
func VerifyFeatureFlags() error {
	for _, name := range requiredFeatureFlags {
		if _, ok := graphqlFeatures[name]; !ok {
			return fmt.Errorf("graphql feature table is missing required flag %q", name)
		}
	}
	return nil
}

func encodeJSONParam(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// graphqlGet builds a GET request with variables and the feature table as
// query parameters.
func graphqlGet(endpoint string, variables map[string]interface{}) (*http.Request, error) {
	vars, err := encodeJSONParam(variables)
	if err != nil {
		return nil, err
	}
	features, err := encodeJSONParam(graphqlFeatures)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("variables", vars)
	query.Set("features", features)
	return http.NewRequest(http.MethodGet, endpoint+"?"+query.Encode(), nil)
}

// gqlError is one entry of a provider error array. The REST endpoints carry
// a numeric code alongside the message; GraphQL errors usually do not.
type gqlError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// gqlUser is the user result object shared by all three lookup endpoints.
type gqlUser struct {
	Typename string `json:"__typename"`
	RestID   string `json:"rest_id"`
	Reason   string `json:"reason"`
	Legacy   struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
		Protected  bool   `json:"protected"`
		Verified   bool   `json:"verified"`
		Following  bool   `json:"following"`
		FollowedBy bool   `json:"followed_by"`
		Blocking   bool   `json:"blocking"`
		BlockedBy  bool   `json:"blocked_by"`
		Muting     bool   `json:"muting"`
	} `json:"legacy"`
}

// resolvedFromResult maps one user result object to the domain shape.
// identifier is the input the caller asked about, used when the response
// carries no usable handle or id.
func resolvedFromResult(u *gqlUser, identifier string) *account.Resolved {
	r := &account.Resolved{
		Profile: account.Profile{
			ID:          u.RestID,
			ScreenName:  u.Legacy.ScreenName,
			DisplayName: u.Legacy.Name,
			State:       classify.StateActive,
			Protected:   u.Legacy.Protected,
			Verified:    u.Legacy.Verified,
		},
	}
	if r.Profile.ScreenName == "" {
		r.Profile.ScreenName = strings.TrimPrefix(identifier, "@")
	}

	if u.Typename == "UserUnavailable" {
		switch {
		case strings.Contains(strings.ToLower(u.Reason), "suspended"):
			r.Profile.State = classify.StateSuspended
		default:
			r.Profile.State = classify.StateUnavailable
		}
		return r
	}

	r.Relationship = account.Relationship{
		Following:  u.Legacy.Following,
		FollowedBy: u.Legacy.FollowedBy,
		Blocking:   u.Legacy.Blocking,
		BlockedBy:  u.Legacy.BlockedBy,
		Muting:     u.Legacy.Muting,
	}
	return r
}

// notFound builds the resolution for an account the upstream says does not
// exist. No upstream error is raised: absence is a permanent answer.
func notFound(identifier string) *account.Resolved {
	return &account.Resolved{
		Profile: account.Profile{
			ScreenName: strings.TrimPrefix(identifier, "@"),
			State:      classify.StateNotFound,
		},
	}
}

// singleUserEnvelope is the response shape of UserByScreenName and
// UserByRestId.
type singleUserEnvelope struct {
	Data struct {
		User struct {
			Result *gqlUser `json:"result"`
		} `json:"user"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

// batchUsersEnvelope is the response shape of UsersByRestIds.
type batchUsersEnvelope struct {
	Data struct {
		Users []struct {
			Result *gqlUser `json:"result"`
		} `json:"users"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

func parseSingleUser(op string, body []byte, identifier string) (*account.Resolved, error) {
	var env singleUserEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", op, err)
	}

	if env.Data.User.Result == nil {
		for _, e := range env.Errors {
			if strings.Contains(strings.ToLower(e.Message), "not found") {
				return notFound(identifier), nil
			}
		}
		// An empty result without an explaining error still means the
		// account is gone.
		return notFound(identifier), nil
	}
	return resolvedFromResult(env.Data.User.Result, identifier), nil
}

// UserByScreenName resolves one handle. Unavailable and missing accounts
// come back as a Resolved whose state explains why, not as an error.
func (c *Client) UserByScreenName(ctx context.Context, handle string) (*account.Resolved, error) {
	const op = "UserByScreenName"
	handle = strings.TrimPrefix(handle, "@")

	body, err := c.do(ctx, op, FamilyUserRead, func() (*http.Request, error) {
		return graphqlGet(userByScreenNameURL, map[string]interface{}{
			"screen_name":              handle,
			"withSafetyModeUserFields": true,
		})
	})
	if err != nil {
		return nil, err
	}
	return parseSingleUser(op, body, handle)
}

// UserByRestID resolves one numeric id.
func (c *Client) UserByRestID(ctx context.Context, id string) (*account.Resolved, error) {
	const op = "UserByRestId"

	body, err := c.do(ctx, op, FamilyUserRead, func() (*http.Request, error) {
		return graphqlGet(userByRestIDURL, map[string]interface{}{
			"userId":                   id,
			"withSafetyModeUserFields": true,
		})
	})
	if err != nil {
		return nil, err
	}
	resolved, perr := parseSingleUser(op, body, id)
	if perr != nil {
		return nil, perr
	}
	if resolved.Profile.ID == "" {
		resolved.Profile.ID = id
	}
	return resolved, nil
}

// UsersByRestIDs resolves numeric ids in chunks of at most MaxBatchIDs per
// call. Ids the upstream does not echo back are absent from the returned
// map.
func (c *Client) UsersByRestIDs(ctx context.Context, ids []string) (map[string]*account.Resolved, error) {
	const op = "UsersByRestIds"
	results := make(map[string]*account.Resolved, len(ids))

	for start := 0; start < len(ids); start += MaxBatchIDs {
		end := start + MaxBatchIDs
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		body, err := c.do(ctx, op, FamilyUserRead, func() (*http.Request, error) {
			return graphqlGet(usersByRestIDsURL, map[string]interface{}{
				"userIds": chunk,
			})
		})
		if err != nil {
			return nil, err
		}

		var env batchUsersEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%s: decoding response: %w", op, err)
		}
		for _, entry := range env.Data.Users {
			if entry.Result == nil || entry.Result.RestID == "" {
				continue
			}
			results[entry.Result.RestID] = resolvedFromResult(entry.Result, entry.Result.RestID)
		}
	}
	return results, nil
}

// blockResponse is the REST block endpoint's success body.
type blockResponse struct {
	IDStr      string `json:"id_str"`
	ScreenName string `json:"screen_name"`
}

// BlockUser issues the block call for a numeric id and invalidates the
// target's cached relationship on success.
func (c *Client) BlockUser(ctx context.Context, id string) error {
	const op = "BlockUser"

	form := url.Values{}
	form.Set("user_id", id)
	encoded := form.Encode()

	body, err := c.do(ctx, op, FamilyBlockCreate, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, blockCreateURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return err
	}

	var parsed blockResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	if c.cache != nil {
		c.cache.InvalidateRelationship(id)
	}
	return nil
}

// verifyResponse is the credential verification body.
type verifyResponse struct {
	IDStr      string `json:"id_str"`
	ScreenName string `json:"screen_name"`
}

// CallerID returns the authenticated account's numeric id, verifying the
// credentials on first use and caching the answer. Session recovery clears
// the cached value.
func (c *Client) CallerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.callerID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	const op = "VerifyCredentials"
	body, err := c.do(ctx, op, FamilyVerify, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, verifyURL, nil)
	})
	if err != nil {
		return "", err
	}

	var parsed verifyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%s: decoding response: %w", op, err)
	}
	if parsed.IDStr == "" {
		return "", fmt.Errorf("%s: response carries no account id", op)
	}

	c.mu.Lock()
	c.callerID = parsed.IDStr
	c.mu.Unlock()

	c.log.WithField("screen_name", parsed.ScreenName).Info("credentials verified")
	return parsed.IDStr, nil
}

// errorDetails extracts the provider error message and first numeric code
// from a failed response body, falling back to a truncated raw body.
func errorDetails(body []byte) (string, int) {
	var env struct {
		Errors []gqlError `json:"errors"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		code := 0
		parts := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			parts = append(parts, e.Message)
			if code == 0 {
				code = e.Code
			}
		}
		return strings.Join(parts, "; "), code
	}

	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed, 0
}
