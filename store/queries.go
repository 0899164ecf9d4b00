package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"bulkblock.org/classify"
	"bulkblock.org/config"
)

// FailureInfo is the prefilter view of a permanently failed target.
type FailureInfo struct {
	ScreenName   string
	UserID       string
	UserState    classify.UserState
	ErrorKind    string
	ErrorMessage string
	UpdatedAt    time.Time
}

// PermanentFailures resolves a whole batch of identifiers in one read
// transaction and returns the subset recorded as permanent failures. This
// is the primary N+1 elimination on the hot path: one call, one snapshot,
// no per-identifier queries.
func (s *Store) PermanentFailures(batch []string, format config.Format) (map[string]FailureInfo, error) {
	results := make(map[string]FailureInfo)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, identifier := range batch {
			o, err := getByIdentifier(tx, identifier, format)
			if err != nil {
				return err
			}
			if o == nil || o.Status != StatusFailed || !o.UserState.Permanent() {
				continue
			}
			results[identifier] = FailureInfo{
				ScreenName:   o.ScreenName,
				UserID:       o.UserID,
				UserState:    o.UserState,
				ErrorKind:    o.ErrorKind,
				ErrorMessage: o.ErrorMessage,
				UpdatedAt:    o.UpdatedAt,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying permanent failures: %w", err)
	}
	return results, nil
}

// Successful resolves a batch in one read transaction and returns the
// subset already blocked.
func (s *Store) Successful(batch []string, format config.Format) (map[string]Outcome, error) {
	results := make(map[string]Outcome)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, identifier := range batch {
			o, err := getByIdentifier(tx, identifier, format)
			if err != nil {
				return err
			}
			if o == nil || o.Status != StatusSuccess {
				continue
			}
			results[identifier] = *o
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying successful outcomes: %w", err)
	}
	return results, nil
}

// Get returns the record for one identifier, or nil when none exists.
func (s *Store) Get(identifier string, format config.Format) (*Outcome, error) {
	var outcome *Outcome
	err := s.db.View(func(tx *bolt.Tx) error {
		o, err := getByIdentifier(tx, identifier, format)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying outcome %s: %w", identifier, err)
	}
	return outcome, nil
}

// RetryCandidates returns failed records whose state is transient, whose
// attempt count is below ceiling, and whose backoff window since the last
// attempt has elapsed. Candidates are ordered oldest-attempt first.
func (s *Store) RetryCandidates(ceiling int) ([]Outcome, error) {
	now := time.Now().UTC()
	var candidates []Outcome

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			o := Outcome{}
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decoding outcome %s: %w", k, err)
			}
			if o.Status != StatusFailed || o.UserState.Permanent() || o.Attempts >= ceiling {
				return nil
			}
			if !o.LastAttemptAt.IsZero() {
				// Deterministic gate: jitter applies to the live retry
				// loop, not to eligibility.
				wait := classify.BackoffWithJitter(o.Attempts-1, func() float64 { return 0.5 })
				if now.Sub(o.LastAttemptAt) < wait {
					return nil
				}
			}
			candidates = append(candidates, o)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying retry candidates: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAttemptAt.Before(candidates[j].LastAttemptAt)
	})
	return candidates, nil
}

// Filter selects failed records for the mutation helpers. A nil or empty
// Identifiers slice selects every failed record.
type Filter struct {
	Identifiers []string
	Format      config.Format
}

func (f Filter) matches(o *Outcome) bool {
	if o.Status != StatusFailed {
		return false
	}
	if len(f.Identifiers) == 0 {
		return true
	}
	for _, identifier := range f.Identifiers {
		if f.Format == config.FormatUserID && o.UserID == identifier {
			return true
		}
		if f.Format != config.FormatUserID && o.ScreenName == identifier {
			return true
		}
	}
	return false
}

// mutateFailed applies fn to every failed record matching the filter and
// returns how many records changed.
func (s *Store) mutateFailed(filter Filter, fn func(*Outcome)) (int, error) {
	affected := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		outcomes := tx.Bucket(bucketOutcomes)
		cursor := outcomes.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			o := Outcome{}
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decoding outcome %s: %w", k, err)
			}
			if !filter.matches(&o) {
				continue
			}
			fn(&o)
			o.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(&o)
			if err != nil {
				return err
			}
			if err := outcomes.Put(k, data); err != nil {
				return err
			}
			affected++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// ResetAttempts zeroes the attempt counter of matching failed records and
// clears the backoff gate, so the next retry pass reconsiders them. This is
// an explicit mutation, distinct from the increment done by RecordOutcome.
func (s *Store) ResetAttempts(filter Filter) (int, error) {
	return s.mutateFailed(filter, func(o *Outcome) {
		o.Attempts = 0
		o.LastAttemptAt = time.Time{}
	})
}

// ClearErrors blanks the stored error message of matching failed records.
func (s *Store) ClearErrors(filter Filter) (int, error) {
	return s.mutateFailed(filter, func(o *Outcome) {
		o.ErrorMessage = ""
	})
}

// ResetFailed fully resets matching failed records: message, attempt
// counter, HTTP status and user state.
func (s *Store) ResetFailed(filter Filter) (int, error) {
	return s.mutateFailed(filter, func(o *Outcome) {
		o.ErrorMessage = ""
		o.ErrorKind = ""
		o.Attempts = 0
		o.LastAttemptAt = time.Time{}
		o.HTTPStatus = 0
		o.UserState = classify.StateUnknown
	})
}

// Stats are the aggregate totals over the outcome history.
type Stats struct {
	Total          int
	Blocked        int
	Skipped        int
	Failed         int
	CeilingReached int
	RetryEligible  int
	ByUserState    map[classify.UserState]int
}

// Stats aggregates the whole outcome bucket in one read transaction.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ByUserState: make(map[classify.UserState]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			o := Outcome{}
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decoding outcome %s: %w", k, err)
			}
			stats.Total++
			if o.UserState != "" {
				stats.ByUserState[o.UserState]++
			}
			switch o.Status {
			case StatusSuccess:
				stats.Blocked++
			case StatusSkipped:
				stats.Skipped++
			case StatusFailed:
				stats.Failed++
				if o.Attempts >= classify.AutoRetryMaxAttempts {
					stats.CeilingReached++
				} else if !o.UserState.Permanent() {
					stats.RetryEligible++
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return stats, nil
}

// Breakdown groups failures for diagnosis.
type Breakdown struct {
	ByUserState  map[classify.UserState]int
	ByHTTPStatus map[int]int
	ByErrorKind  map[string]int

	// Samples holds up to a handful of recent error messages per kind.
	Samples map[string][]string
}

const samplesPerKind = 5

// FailureBreakdown aggregates failed records by user state, HTTP status and
// error kind, carrying a few sample messages per kind.
func (s *Store) FailureBreakdown() (*Breakdown, error) {
	b := &Breakdown{
		ByUserState:  make(map[classify.UserState]int),
		ByHTTPStatus: make(map[int]int),
		ByErrorKind:  make(map[string]int),
		Samples:      make(map[string][]string),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			o := Outcome{}
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decoding outcome %s: %w", k, err)
			}
			if o.Status != StatusFailed {
				return nil
			}
			if o.UserState != "" {
				b.ByUserState[o.UserState]++
			}
			if o.HTTPStatus != 0 {
				b.ByHTTPStatus[o.HTTPStatus]++
			}
			kind := o.ErrorKind
			if kind == "" {
				kind = "other"
			}
			b.ByErrorKind[kind]++
			if o.ErrorMessage != "" && len(b.Samples[kind]) < samplesPerKind {
				b.Samples[kind] = append(b.Samples[kind], o.ErrorMessage)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying failure breakdown: %w", err)
	}
	return b, nil
}

// ErrorSamples returns up to limit distinct error messages from failed
// records, most recently updated first.
func (s *Store) ErrorSamples(limit int) ([]string, error) {
	type sample struct {
		message string
		updated time.Time
	}
	var samples []sample
	seen := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			o := Outcome{}
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decoding outcome %s: %w", k, err)
			}
			if o.Status != StatusFailed || o.ErrorMessage == "" || seen[o.ErrorMessage] {
				return nil
			}
			seen[o.ErrorMessage] = true
			samples = append(samples, sample{message: o.ErrorMessage, updated: o.UpdatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying error samples: %w", err)
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].updated.After(samples[j].updated)
	})
	if len(samples) > limit {
		samples = samples[:limit]
	}

	messages := make([]string, len(samples))
	for i, s := range samples {
		messages[i] = s.message
	}
	return messages, nil
}
