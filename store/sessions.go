package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Session is the per-run processing log entry. Every outcome written during
// a run carries its session id, so the reporter can distinguish runs.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	TotalTargets int       `json:"total_targets"`
	Processed    int       `json:"processed"`
	Blocked      int       `json:"blocked"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`
	Completed    bool      `json:"completed"`
}

// StartSession creates a new session record and returns its id.
func (s *Store) StartSession(totalTargets int) (string, error) {
	session := Session{
		ID:           uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		TotalTargets: totalTargets,
	}
	if err := s.putSession(&session); err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}
	return session.ID, nil
}

// UpdateSession records the running counters of a session.
func (s *Store) UpdateSession(id string, processed, blocked, skipped, errors int) error {
	return s.modifySession(id, func(session *Session) {
		session.Processed = processed
		session.Blocked = blocked
		session.Skipped = skipped
		session.Errors = errors
	})
}

// CompleteSession marks a session as finished.
func (s *Store) CompleteSession(id string) error {
	return s.modifySession(id, func(session *Session) {
		session.Completed = true
	})
}

// GetSession returns a session record by id, or nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	var session *Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return nil
		}
		session = &Session{}
		return json.Unmarshal(data, session)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	return session, nil
}

func (s *Store) putSession(session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(session.ID), data)
	})
}

func (s *Store) modifySession(id string, fn func(*Session)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s not found", id)
		}
		session := &Session{}
		if err := json.Unmarshal(data, session); err != nil {
			return err
		}
		fn(session)
		updated, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
}
