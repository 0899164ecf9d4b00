package manager

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bulkblock.org/account"
	"bulkblock.org/api"
	"bulkblock.org/classify"
	"bulkblock.org/config"
	"bulkblock.org/store"
)

// processBatch runs one batch through prefilter, resolution and blocking.
// The prefilter reads the whole batch's history in two store calls before
// any upstream traffic happens; permanently failed and already blocked
// targets never reach the API.
func (m *Manager) processBatch(ctx context.Context, batch []string, format config.Format, sessionID string, summary *Summary) error {
	permanent, err := m.store.PermanentFailures(batch, format)
	if err != nil {
		return err
	}
	successful, err := m.store.Successful(batch, format)
	if err != nil {
		return err
	}

	pending := make([]string, 0, len(batch))
	for _, identifier := range batch {
		if info, ok := permanent[identifier]; ok {
			summary.Processed++
			summary.PermanentSkipped++
			m.log.WithFields(logrus.Fields{
				"target": identifier,
				"state":  info.UserState,
			}).Debug("skipping permanently failed target")
			continue
		}
		if _, ok := successful[identifier]; ok {
			summary.Processed++
			summary.AlreadyBlocked++
			m.log.WithField("target", identifier).Debug("already blocked, skipping")
			continue
		}
		pending = append(pending, identifier)
	}
	if len(pending) == 0 {
		return nil
	}

	resolved, err := m.api.ResolveUsers(ctx, pending, format)
	if err != nil {
		return err
	}

	for _, identifier := range pending {
		blocked, err := m.processTarget(ctx, identifier, format, resolved[identifier], sessionID, summary)
		if err != nil {
			return err
		}
		// The pacing delay guards block traffic; targets dispatched without
		// a block call move on immediately.
		if !blocked {
			continue
		}
		if err := m.sleep(ctx, m.cfg.Delay); err != nil {
			return err
		}
	}
	return nil
}

// processTarget records the disposition of one pending target. The returned
// bool reports whether a block call went upstream. A nil resolution means
// the resolver could not answer for it; that is recorded as a transient
// failure so a later retry pass picks it up.
func (m *Manager) processTarget(ctx context.Context, identifier string, format config.Format, r *account.Resolved, sessionID string, summary *Summary) (bool, error) {
	summary.Processed++
	outcome := baseOutcome(identifier, format, r, sessionID)

	if r == nil {
		outcome.Status = store.StatusFailed
		outcome.UserState = classify.StateUnknown
		outcome.ErrorKind = string(classify.KindUnknown)
		outcome.ErrorMessage = "target could not be resolved"
		summary.Failed++
		return false, m.record(outcome)
	}

	if r.Profile.State.Permanent() {
		outcome.Status = store.StatusFailed
		outcome.UserState = r.Profile.State
		summary.Failed++
		m.log.WithFields(logrus.Fields{
			"target": identifier,
			"state":  r.Profile.State,
		}).Info("target is gone, recording permanent failure")
		return false, m.record(outcome)
	}

	if !r.Blockable() {
		outcome.Status = store.StatusFailed
		outcome.UserState = r.Profile.State
		outcome.ErrorKind = string(classify.KindUnavailable)
		summary.Failed++
		return false, m.record(outcome)
	}

	if reason := r.SkipReason(); reason != "" {
		outcome.Status = store.StatusSkipped
		outcome.SkipReason = reason
		summary.Skipped++
		m.log.WithFields(logrus.Fields{
			"target": identifier,
			"reason": reason,
		}).Info("safety filter skip")
		return false, m.record(outcome)
	}

	err := m.api.BlockUser(ctx, r.Profile.ID)
	if err != nil && ctx.Err() == nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			if cls := classify.Classify(apiErr.Failure()); cls.Verdict == classify.VerdictTransient && cls.Kind == classify.KindRateLimit {
				// Record the rate-limited attempt, wait out the window and
				// retry the block once within this run.
				failed := outcome
				applyBlockError(&failed, err)
				if recErr := m.record(failed); recErr != nil {
					return true, recErr
				}
				m.log.WithFields(logrus.Fields{
					"target": identifier,
					"wait":   cls.Wait.Round(time.Second).String(),
				}).Warn("rate limited, retrying the block once after the wait")
				if sleepErr := m.sleep(ctx, cls.Wait); sleepErr != nil {
					return true, sleepErr
				}
				err = m.api.BlockUser(ctx, r.Profile.ID)
			}
		}
	}
	if err != nil {
		return pacedAfterBlockError(err), m.recordBlockFailure(ctx, identifier, outcome, err, summary)
	}

	outcome.Status = store.StatusSuccess
	outcome.UserState = classify.StateActive
	summary.Blocked++
	m.log.WithFields(logrus.Fields{
		"target": identifier,
		"id":     r.Profile.ID,
	}).Info("blocked")
	return true, m.record(outcome)
}

// recordBlockFailure classifies a failed block call. Cancellations abort the
// run unrecorded; an auth failure aborts it too, but the attempt still lands
// in the history so a later run retries this target. Everything else is
// recorded and the run moves on.
func (m *Manager) recordBlockFailure(ctx context.Context, identifier string, outcome store.Outcome, err error, summary *Summary) error {
	if ctx.Err() != nil {
		return err
	}

	applyBlockError(&outcome, err)
	summary.Failed++

	if errors.Is(err, api.ErrAuthExpired) {
		if recErr := m.record(outcome); recErr != nil {
			return recErr
		}
		return err
	}

	m.log.WithFields(logrus.Fields{
		"target": identifier,
		"error":  outcome.ErrorMessage,
		"status": outcome.HTTPStatus,
	}).Warn("block call failed")
	return m.record(outcome)
}

// pacedAfterBlockError reports whether the pacing delay applies after a
// failed block call. A permanently failed target moves on immediately.
func pacedAfterBlockError(err error) bool {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return classify.Classify(apiErr.Failure()).Verdict != classify.VerdictPermanent
	}
	return true
}

// applyBlockError folds a block call error into the outcome record.
func applyBlockError(o *store.Outcome, err error) {
	o.Status = store.StatusFailed

	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		o.UserState = classify.StateUnknown
		o.ErrorKind = string(classify.KindUnknown)
		o.ErrorMessage = err.Error()
		return
	}

	cls := classify.Classify(apiErr.Failure())
	o.HTTPStatus = apiErr.HTTPStatus
	o.ErrorMessage = apiErr.Message
	switch cls.Verdict {
	case classify.VerdictPermanent:
		o.UserState = cls.State
	default:
		o.UserState = classify.StateUnknown
		o.ErrorKind = string(cls.Kind)
	}
}

func (m *Manager) record(o store.Outcome) error {
	return m.store.RecordOutcome(o)
}

// baseOutcome seeds the outcome record with identity fields.
func baseOutcome(identifier string, format config.Format, r *account.Resolved, sessionID string) store.Outcome {
	o := store.Outcome{SessionID: sessionID}
	if format == config.FormatUserID {
		o.UserID = identifier
	} else {
		o.ScreenName = strings.TrimPrefix(identifier, "@")
	}
	if r != nil {
		if r.Profile.ID != "" {
			o.UserID = r.Profile.ID
		}
		if r.Profile.ScreenName != "" {
			o.ScreenName = r.Profile.ScreenName
		}
		o.DisplayName = r.Profile.DisplayName
	}
	return o
}
