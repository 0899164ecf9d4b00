package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cookie names the session requires. The CSRF token doubles as a request
// header on every mutating call; the auth token carries the login.
const (
	CSRFCookie = "ct0"
	AuthCookie = "auth_token"
)

// upstreamDomains are the cookie domains accepted from browser exports.
var upstreamDomains = map[string]bool{
	".x.com":       true,
	".twitter.com": true,
	"x.com":        true,
	"twitter.com":  true,
}

// CookieJar holds the session cookies read from disk plus the file mtime of
// the last successful load, so the jar is only re-read when the file changed
// or a recovery explicitly asks for it. Safe for concurrent use.
type CookieJar struct {
	path string

	mu      sync.RWMutex
	cookies map[string]string
	mtime   time.Time
}

// browserCookie is one entry of a browser-export cookie file.
type browserCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
}

// LoadCookieJar reads the cookie jar at path. Two file shapes are accepted:
// a browser-export array of {name, value, domain} objects (filtered to the
// upstream domains) or a flat name-to-value map. Absence of the CSRF or
// auth cookie is a hard configuration error.
func LoadCookieJar(path string) (*CookieJar, error) {
	jar := &CookieJar{path: path}
	if err := jar.Reload(); err != nil {
		return nil, err
	}
	return jar, nil
}

// Reload unconditionally re-reads the cookie file from disk.
func (j *CookieJar) Reload() error {
	info, err := os.Stat(j.path)
	if err != nil {
		return fmt.Errorf("%w: cookie jar %s: %v", ErrConfig, j.path, err)
	}

	data, err := os.ReadFile(j.path)
	if err != nil {
		return fmt.Errorf("%w: reading cookie jar %s: %v", ErrConfig, j.path, err)
	}

	cookies, err := parseCookies(data)
	if err != nil {
		return fmt.Errorf("%w: parsing cookie jar %s: %v", ErrConfig, j.path, err)
	}

	for _, required := range []string{CSRFCookie, AuthCookie} {
		if cookies[required] == "" {
			return fmt.Errorf("%w: cookie jar %s is missing the %q cookie", ErrConfig, j.path, required)
		}
	}

	j.mu.Lock()
	j.cookies = cookies
	j.mtime = info.ModTime()
	j.mu.Unlock()
	return nil
}

// MaybeReload re-reads the cookie file only if its mtime changed since the
// last load. Used on the hot path so an operator can swap cookies mid-run.
func (j *CookieJar) MaybeReload() error {
	info, err := os.Stat(j.path)
	if err != nil {
		return fmt.Errorf("%w: cookie jar %s: %v", ErrConfig, j.path, err)
	}

	j.mu.RLock()
	unchanged := info.ModTime().Equal(j.mtime)
	j.mu.RUnlock()
	if unchanged {
		return nil
	}
	return j.Reload()
}

// CSRF returns the CSRF token value.
func (j *CookieJar) CSRF() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cookies[CSRFCookie]
}

// Header renders the jar as a Cookie request header value. Cookies are
// sorted by name so the header is deterministic.
func (j *CookieJar) Header() string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	names := make([]string, 0, len(j.cookies))
	for name := range j.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+j.cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func parseCookies(data []byte) (map[string]string, error) {
	// Try the browser-export array shape first.
	var exported []browserCookie
	if err := json.Unmarshal(data, &exported); err == nil {
		cookies := make(map[string]string)
		for _, c := range exported {
			if c.Domain == "" || upstreamDomains[c.Domain] {
				cookies[c.Name] = c.Value
			}
		}
		return cookies, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}
