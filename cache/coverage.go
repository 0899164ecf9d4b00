package cache

import (
	"bulkblock.org/account"
	"bulkblock.org/config"
)

// Coverage partitions a batch of identifiers by how much of it the cache
// can already answer. The API client uses it to issue the minimum number
// of upstream calls.
type Coverage struct {
	// Full maps identifiers whose lookup, profile and relationship are all
	// fresh to their assembled resolution. These need no upstream call.
	Full map[string]*account.Resolved

	// FetchIDs are identifiers whose numeric id is known (directly or via
	// the lookup tier) but whose profile or relationship is missing or
	// stale. They can go through the batched id endpoint. Keyed original
	// identifier → numeric id.
	FetchIDs map[string]string

	// ResolveHandles are handle identifiers with no cached lookup. Each
	// needs an individual by-handle call; the upstream offers no batch
	// variant for handles.
	ResolveHandles []string
}

// Analyze classifies every identifier of a batch as a full hit, a partial
// hit or a miss.
func (c *Cache) Analyze(batch []string, format config.Format) *Coverage {
	cov := &Coverage{
		Full:     make(map[string]*account.Resolved),
		FetchIDs: make(map[string]string),
	}

	for _, identifier := range batch {
		id := identifier
		if format == config.FormatScreenName {
			cached, ok := c.GetLookup(identifier)
			if !ok {
				cov.ResolveHandles = append(cov.ResolveHandles, identifier)
				continue
			}
			id = cached
		}

		profile, profileOK := c.GetProfile(id)
		rel, relOK := c.GetRelationship(id)
		if profileOK && relOK {
			cov.Full[identifier] = &account.Resolved{
				Profile:      *profile,
				Relationship: *rel,
			}
			continue
		}
		cov.FetchIDs[identifier] = id
	}
	return cov
}

// Store populates all three tiers from a resolved user. The lookup tier is
// only written when the handle is known.
func (c *Cache) Store(r *account.Resolved) {
	if r.Profile.ID == "" {
		return
	}
	if r.Profile.ScreenName != "" {
		_ = c.PutLookup(r.Profile.ScreenName, r.Profile.ID)
	}
	_ = c.PutProfile(r.Profile.ID, &r.Profile)
	_ = c.PutRelationship(r.Profile.ID, &r.Relationship)
}
