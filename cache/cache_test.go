package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkblock.org/account"
	"bulkblock.org/classify"
	"bulkblock.org/config"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	return c
}

// writeAged writes an entry whose capture timestamp lies age in the past.
func writeAged(t *testing.T, c *Cache, dir, identifier string, value interface{}, age time.Duration) {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	env := envelope{
		Identifier: identifier,
		CapturedAt: time.Now().UTC().Add(-age),
		Value:      raw,
	}
	data, err := json.Marshal(&env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(c.root, dir, identifier), data, 0o644))
}

func TestLookupRoundTrip(t *testing.T) {
	c := openTestCache(t)

	_, ok := c.GetLookup("spammer")
	assert.False(t, ok)

	require.NoError(t, c.PutLookup("spammer", "1001"))
	id, ok := c.GetLookup("spammer")
	assert.True(t, ok)
	assert.Equal(t, "1001", id)
}

func TestExpiredEntryIsMissAndUnlinked(t *testing.T) {
	c := openTestCache(t)

	writeAged(t, c, lookupDir, "old", "1001", LookupTTL+time.Minute)

	_, ok := c.GetLookup("old")
	assert.False(t, ok)

	_, err := os.Stat(filepath.Join(c.root, lookupDir, "old"))
	assert.True(t, os.IsNotExist(err))
}

func TestMalformedEntryIsMissAndUnlinked(t *testing.T) {
	c := openTestCache(t)

	path := filepath.Join(c.root, profileDir, "1001")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok := c.GetProfile("1001")
	assert.False(t, ok)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTierTTLsDiffer(t *testing.T) {
	c := openTestCache(t)
	age := 45 * time.Minute

	writeAged(t, c, lookupDir, "spammer", "1001", age)
	writeAged(t, c, profileDir, "1001", &account.Profile{ID: "1001"}, age)
	writeAged(t, c, relationshipDir, "1001", &account.Relationship{}, age)

	// 45 minutes: lookup (24h) and profile (1h) still fresh, relationship
	// (30m) expired.
	_, ok := c.GetLookup("spammer")
	assert.True(t, ok)
	_, ok = c.GetProfile("1001")
	assert.True(t, ok)
	_, ok = c.GetRelationship("1001")
	assert.False(t, ok)
}

func TestInvalidateRelationship(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.PutProfile("1001", &account.Profile{ID: "1001"}))
	require.NoError(t, c.PutRelationship("1001", &account.Relationship{Following: true}))

	c.InvalidateRelationship("1001")

	_, ok := c.GetRelationship("1001")
	assert.False(t, ok)
	_, ok = c.GetProfile("1001")
	assert.True(t, ok)
}

func TestEvictExcessKeepsNewest(t *testing.T) {
	c := openTestCache(t)

	over := 20
	for i := 0; i < RelationshipCap+over; i++ {
		id := fmt.Sprintf("%d", i)
		require.NoError(t, c.PutRelationship(id, &account.Relationship{}))
		// Spread mtimes so eviction order is well defined.
		mtime := time.Now().Add(time.Duration(i-RelationshipCap-over) * time.Second)
		require.NoError(t, os.Chtimes(filepath.Join(c.root, relationshipDir, id), mtime, mtime))
	}

	c.EvictExcess()

	entries, err := os.ReadDir(filepath.Join(c.root, relationshipDir))
	require.NoError(t, err)
	assert.Len(t, entries, RelationshipCap)

	// The oldest entries are the ones that went.
	_, err = os.Stat(filepath.Join(c.root, relationshipDir, "0"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(c.root, relationshipDir, fmt.Sprintf("%d", RelationshipCap+over-1)))
	assert.NoError(t, err)
}

func TestAnalyzeCoverage(t *testing.T) {
	c := openTestCache(t)

	// full: every tier fresh.
	full := &account.Resolved{
		Profile:      account.Profile{ID: "1", ScreenName: "full", State: classify.StateActive},
		Relationship: account.Relationship{Following: true},
	}
	c.Store(full)

	// partial: lookup known, profile and relationship missing.
	require.NoError(t, c.PutLookup("partial", "2"))

	cov := c.Analyze([]string{"full", "partial", "miss"}, config.FormatScreenName)

	require.Len(t, cov.Full, 1)
	assert.Equal(t, "1", cov.Full["full"].Profile.ID)
	assert.True(t, cov.Full["full"].Relationship.Following)

	require.Len(t, cov.FetchIDs, 1)
	assert.Equal(t, "2", cov.FetchIDs["partial"])

	assert.Equal(t, []string{"miss"}, cov.ResolveHandles)
}

func TestAnalyzeCoverage_UserIDFormat(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.PutProfile("1", &account.Profile{ID: "1", State: classify.StateActive}))
	require.NoError(t, c.PutRelationship("1", &account.Relationship{}))

	cov := c.Analyze([]string{"1", "2"}, config.FormatUserID)

	assert.Len(t, cov.Full, 1)
	assert.Empty(t, cov.ResolveHandles)
	assert.Equal(t, "2", cov.FetchIDs["2"])
}

func TestStorePopulatesAllTiers(t *testing.T) {
	c := openTestCache(t)

	c.Store(&account.Resolved{
		Profile: account.Profile{ID: "7", ScreenName: "someone", State: classify.StateActive},
	})

	id, ok := c.GetLookup("someone")
	assert.True(t, ok)
	assert.Equal(t, "7", id)

	profile, ok := c.GetProfile("7")
	require.True(t, ok)
	assert.Equal(t, "someone", profile.ScreenName)

	_, ok = c.GetRelationship("7")
	assert.True(t, ok)
}

func TestStoreIgnoresUnidentified(t *testing.T) {
	c := openTestCache(t)

	c.Store(&account.Resolved{Profile: account.Profile{ScreenName: "ghost", State: classify.StateNotFound}})

	_, ok := c.GetLookup("ghost")
	assert.False(t, ok)
}
