package manager

import (
	"context"

	"bulkblock.org/config"
	"bulkblock.org/store"
)

// Retry runs a standalone retry pass over eligible failed targets with the
// given attempt ceiling.
func (m *Manager) Retry(ctx context.Context, ceiling int) (*Summary, error) {
	sessionID, err := m.store.StartSession(0)
	if err != nil {
		return nil, err
	}
	summary := &Summary{SessionID: sessionID}

	if _, err := m.api.CallerID(ctx); err != nil {
		return summary, err
	}

	retried, err := m.retryPass(ctx, ceiling, sessionID, summary)
	summary.Retried = retried
	summary.Total = retried
	m.updateSession(sessionID, summary)
	if err != nil {
		return summary, err
	}

	if err := m.store.CompleteSession(sessionID); err != nil {
		m.log.WithError(err).Warn("marking session complete failed")
	}
	return summary, nil
}

// retryPass reprocesses every currently eligible failed target once. The
// candidate set is computed up front, so a target failing again inside the
// pass is not picked up a second time; there is no recursion.
func (m *Manager) retryPass(ctx context.Context, ceiling int, sessionID string, summary *Summary) (int, error) {
	candidates, err := m.store.RetryCandidates(ceiling)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		m.log.Info("no retry-eligible targets")
		return 0, nil
	}
	m.log.WithField("candidates", len(candidates)).Info("starting retry pass")

	retried := 0
	for _, candidate := range candidates {
		identifier, format := candidateIdentity(&candidate)

		resolved, err := m.api.ResolveUsers(ctx, []string{identifier}, format)
		if err != nil {
			return retried, err
		}
		blocked, err := m.processTarget(ctx, identifier, format, resolved[identifier], sessionID, summary)
		if err != nil {
			return retried, err
		}
		retried++

		if !blocked {
			continue
		}
		if err := m.sleep(ctx, m.cfg.Delay); err != nil {
			return retried, err
		}
	}
	return retried, nil
}

// candidateIdentity picks the strongest identifier a stored record offers.
func candidateIdentity(o *store.Outcome) (string, config.Format) {
	if o.UserID != "" {
		return o.UserID, config.FormatUserID
	}
	return o.ScreenName, config.FormatScreenName
}
