package api

import (
	"context"
	"errors"

	"bulkblock.org/account"
	"bulkblock.org/config"
)

// ResolveUsers resolves a batch of target identifiers to profiles and
// relationship snapshots, answering from the cache wherever it can. Handles
// with no cached id go through individual by-handle calls; the rest go
// through the batched id endpoint. Targets that could not be resolved are
// absent from the returned map.
//
// Auth failures abort the whole batch; transient per-target failures are
// logged and leave the target unresolved for the caller to record.
func (c *Client) ResolveUsers(ctx context.Context, batch []string, format config.Format) (map[string]*account.Resolved, error) {
	cov := c.coverage(batch, format)
	results := cov.fullHits

	for _, handle := range cov.resolveHandles {
		resolved, err := c.UserByScreenName(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrAuthExpired) || ctx.Err() != nil {
				return nil, err
			}
			c.log.WithField("target", handle).WithError(err).Warn("handle resolution failed")
			continue
		}
		results[handle] = resolved
		c.storeResolved(resolved)
	}

	if len(cov.fetchIDs) > 0 {
		ids := make([]string, 0, len(cov.fetchIDs))
		byID := make(map[string]string, len(cov.fetchIDs))
		for identifier, id := range cov.fetchIDs {
			ids = append(ids, id)
			byID[id] = identifier
		}

		fetched, err := c.UsersByRestIDs(ctx, ids)
		if err != nil {
			if errors.Is(err, ErrAuthExpired) || ctx.Err() != nil {
				return nil, err
			}
			c.log.WithError(err).Warn("batched id resolution failed")
		}
		for id, resolved := range fetched {
			identifier, ok := byID[id]
			if !ok {
				continue
			}
			results[identifier] = resolved
			c.storeResolved(resolved)
		}
	}

	if c.cache != nil {
		c.cache.EvictExcess()
	}
	return results, nil
}

// batchCoverage is the cache's answer for one batch, normalized so the
// resolver works the same with and without a cache.
type batchCoverage struct {
	fullHits       map[string]*account.Resolved
	fetchIDs       map[string]string
	resolveHandles []string
}

func (c *Client) coverage(batch []string, format config.Format) batchCoverage {
	if c.cache == nil {
		cov := batchCoverage{fullHits: make(map[string]*account.Resolved), fetchIDs: make(map[string]string)}
		for _, identifier := range batch {
			if format == config.FormatUserID {
				cov.fetchIDs[identifier] = identifier
			} else {
				cov.resolveHandles = append(cov.resolveHandles, identifier)
			}
		}
		return cov
	}

	analyzed := c.cache.Analyze(batch, format)
	return batchCoverage{
		fullHits:       analyzed.Full,
		fetchIDs:       analyzed.FetchIDs,
		resolveHandles: analyzed.ResolveHandles,
	}
}

func (c *Client) storeResolved(r *account.Resolved) {
	if c.cache != nil {
		c.cache.Store(r)
	}
}
