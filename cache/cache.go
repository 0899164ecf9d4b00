// Package cache implements the three-tier on-disk cache that keeps resolve
// traffic off the upstream API: handle-to-id lookups, account profiles and
// relationship snapshots. Each tier is a directory with one self-describing
// JSON file per entry; tiers age out independently.
//
// Readers treat an absent, malformed or expired file as a miss and unlink
// it. Writers truncate-then-write, so a concurrent reader sees the old
// entry, the new entry, or a transient malformed file it discards. That is
// the whole consistency story; no locks are held across processes.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"bulkblock.org/account"
)

// Tier TTLs. Lookups are effectively immutable, profiles drift slowly,
// relationships are the freshest-needed data because the safety filter
// depends on them.
const (
	LookupTTL       = 24 * time.Hour
	ProfileTTL      = 1 * time.Hour
	RelationshipTTL = 30 * time.Minute
)

// Entry-count ceilings per tier. Lookups are unbounded.
const (
	ProfileCap      = 1000
	RelationshipCap = 500
)

// Tier directory names under the cache root.
const (
	lookupDir       = "lookups"
	profileDir      = "profiles"
	relationshipDir = "relationships"
)

// envelope is the on-disk record shape shared by all tiers.
type envelope struct {
	Identifier string          `json:"identifier"`
	CapturedAt time.Time       `json:"captured_at"`
	Value      json.RawMessage `json:"value"`
}

// Cache is a handle to the cache root. Methods are safe for concurrent use
// by goroutines of one process; cross-process races resolve per-file.
type Cache struct {
	root string
}

// Open prepares the cache directories under root and runs an opportunistic
// eviction pass.
func Open(root string) (*Cache, error) {
	for _, dir := range []string{lookupDir, profileDir, relationshipDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}
	c := &Cache{root: root}
	c.EvictExcess()
	return c, nil
}

// get reads one entry, enforcing the tier TTL. Stale or malformed files
// are unlinked on the spot.
func (c *Cache) get(dir, identifier string, ttl time.Duration, value interface{}) bool {
	path := filepath.Join(c.root, dir, identifier)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		os.Remove(path)
		return false
	}
	if time.Since(env.CapturedAt) > ttl {
		os.Remove(path)
		return false
	}
	if err := json.Unmarshal(env.Value, value); err != nil {
		os.Remove(path)
		return false
	}
	return true
}

// put writes one entry with the current capture timestamp.
func (c *Cache) put(dir, identifier string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", identifier, err)
	}
	env := envelope{
		Identifier: identifier,
		CapturedAt: time.Now().UTC(),
		Value:      raw,
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.root, dir, identifier), data, 0o644)
}

// GetLookup returns the cached numeric id for a handle.
func (c *Cache) GetLookup(handle string) (string, bool) {
	var id string
	ok := c.get(lookupDir, handle, LookupTTL, &id)
	return id, ok
}

// PutLookup stores a handle-to-id mapping.
func (c *Cache) PutLookup(handle, id string) error {
	return c.put(lookupDir, handle, id)
}

// GetProfile returns the cached profile for a numeric id.
func (c *Cache) GetProfile(id string) (*account.Profile, bool) {
	profile := &account.Profile{}
	if !c.get(profileDir, id, ProfileTTL, profile) {
		return nil, false
	}
	return profile, true
}

// PutProfile stores a profile keyed by numeric id.
func (c *Cache) PutProfile(id string, profile *account.Profile) error {
	return c.put(profileDir, id, profile)
}

// GetRelationship returns the cached relationship snapshot for an id.
func (c *Cache) GetRelationship(id string) (*account.Relationship, bool) {
	rel := &account.Relationship{}
	if !c.get(relationshipDir, id, RelationshipTTL, rel) {
		return nil, false
	}
	return rel, true
}

// PutRelationship stores a relationship snapshot keyed by numeric id.
func (c *Cache) PutRelationship(id string, rel *account.Relationship) error {
	return c.put(relationshipDir, id, rel)
}

// InvalidateRelationship drops the relationship entry for an id. Called
// after a successful block so a later run does not skip the target as
// already blocked from stale data; the profile entry is intentionally kept.
func (c *Cache) InvalidateRelationship(id string) {
	os.Remove(filepath.Join(c.root, relationshipDir, id))
}

// EvictExcess trims the bounded tiers down to their ceilings, removing
// oldest-by-mtime entries first. It is opportunistic: run at open and after
// large batches, never on the hot request path.
func (c *Cache) EvictExcess() {
	c.evictDir(profileDir, ProfileCap)
	c.evictDir(relationshipDir, RelationshipCap)
}

func (c *Cache) evictDir(dir string, cap int) {
	path := filepath.Join(c.root, dir)
	entries, err := os.ReadDir(path)
	if err != nil || len(entries) <= cap {
		return
	}

	type aged struct {
		name  string
		mtime time.Time
	}
	files := make([]aged, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: entry.Name(), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.Before(files[j].mtime)
	})

	for i := 0; i < len(files)-cap; i++ {
		os.Remove(filepath.Join(path, files[i].name))
	}
}
