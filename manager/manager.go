// Package manager drives the blocking pipeline: it reads the target list,
// prefilters against recorded history, resolves the remainder through the
// API client, applies the relationship safety filter and records every
// disposition durably. A run killed at any point resumes from the history
// with no duplicate block calls.
package manager

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bulkblock.org/account"
	"bulkblock.org/classify"
	"bulkblock.org/config"
	"bulkblock.org/store"
)

// API is the upstream surface the pipeline needs. *api.Client satisfies it.
type API interface {
	CallerID(ctx context.Context) (string, error)
	ResolveUsers(ctx context.Context, batch []string, format config.Format) (map[string]*account.Resolved, error)
	BlockUser(ctx context.Context, id string) error
}

// Manager owns one pipeline run over one datastore.
type Manager struct {
	api   API
	store *store.Store
	cfg   *config.Config
	log   *logrus.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Manager.
func New(a API, s *store.Store, cfg *config.Config, log *logrus.Logger) *Manager {
	return &Manager{
		api:   a,
		store: s,
		cfg:   cfg,
		log:   log,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// RunOptions shape one pipeline run.
type RunOptions struct {
	// Limit caps how many targets are taken from the list; zero means all.
	Limit int

	// AutoRetry appends an unattended retry pass over eligible failures
	// after the main list is processed.
	AutoRetry bool
}

// Summary is the outcome tally of one run.
type Summary struct {
	SessionID string

	Total            int
	Processed        int
	Blocked          int
	Skipped          int
	AlreadyBlocked   int
	PermanentSkipped int
	Failed           int
	Retried          int
}

// Run processes the target list. It returns the summary of whatever was
// processed even when aborting on an auth failure or cancellation, so the
// caller can report partial progress.
func (m *Manager) Run(ctx context.Context, targets *config.TargetList, opts RunOptions) (*Summary, error) {
	users := dedupe(targets.Users)
	if opts.Limit > 0 && len(users) > opts.Limit {
		m.log.WithFields(logrus.Fields{
			"limit": opts.Limit,
			"total": len(users),
		}).Info("limited run, processing the head of the target list")
		users = users[:opts.Limit]
	}

	sessionID, err := m.store.StartSession(len(users))
	if err != nil {
		return nil, err
	}
	summary := &Summary{SessionID: sessionID, Total: len(users)}

	// Verifying credentials up front fails fast on a dead session instead
	// of burning through the first batch.
	if _, err := m.api.CallerID(ctx); err != nil {
		return summary, err
	}

	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}

	for start := 0; start < len(users); start += batchSize {
		end := start + batchSize
		if end > len(users) {
			end = len(users)
		}
		if err := m.processBatch(ctx, users[start:end], targets.Format, sessionID, summary); err != nil {
			m.updateSession(sessionID, summary)
			return summary, err
		}
		m.updateSession(sessionID, summary)
	}

	if opts.AutoRetry {
		retried, err := m.retryPass(ctx, classify.AutoRetryMaxAttempts, sessionID, summary)
		summary.Retried = retried
		if err != nil {
			m.updateSession(sessionID, summary)
			return summary, err
		}
		m.updateSession(sessionID, summary)
	}

	if err := m.store.CompleteSession(sessionID); err != nil {
		m.log.WithError(err).Warn("marking session complete failed")
	}
	return summary, nil
}

// dedupe drops repeated identifiers, keeping the first occurrence order.
// Target lists merged from several exports routinely repeat accounts; each
// one gets at most one block call per run.
func dedupe(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (m *Manager) updateSession(id string, s *Summary) {
	err := m.store.UpdateSession(id, s.Processed, s.Blocked, s.Skipped, s.Failed)
	if err != nil {
		m.log.WithError(err).Warn("updating session counters failed")
	}
}
