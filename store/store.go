// Package store persists per-target outcome history in a single bbolt file.
//
// bbolt gives the properties the pipeline depends on: committed transactions
// survive a process kill, a single writer runs concurrently with any number
// of snapshot readers, and readers never observe torn state. The store keeps
// one record per target; records are upserted, never deleted.
//
// Keying: records are keyed by numeric id once known, otherwise by
// "@handle". A handle index maps handles to the current record key, so a
// record created handle-only migrates in place when its id is resolved.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"bulkblock.org/classify"
	"bulkblock.org/config"
)

// Bucket names.
var (
	bucketOutcomes    = []byte("outcomes")
	bucketHandleIndex = []byte("handle_index")
	bucketSessions    = []byte("sessions")
)

// Status is the terminal disposition of one attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is the durable record for one target. Uniqueness is by numeric id
// when known, else handle.
type Outcome struct {
	ScreenName   string             `json:"screen_name,omitempty"`
	UserID       string             `json:"user_id,omitempty"`
	DisplayName  string             `json:"display_name,omitempty"`
	Status       Status             `json:"status"`
	UserState    classify.UserState `json:"user_state"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	HTTPStatus   int                `json:"http_status,omitempty"`
	SkipReason   string             `json:"skip_reason,omitempty"`
	Attempts     int                `json:"attempts"`
	FirstSeen    time.Time          `json:"first_seen"`
	UpdatedAt    time.Time          `json:"updated_at"`

	// LastAttemptAt gates retry eligibility; an explicit reset clears it
	// while UpdatedAt keeps tracking the last mutation.
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	// SessionID identifies the run that produced the latest mutation.
	SessionID string `json:"session_id,omitempty"`
}

// key returns the record key for o.
func (o *Outcome) key() []byte {
	if o.UserID != "" {
		return []byte(o.UserID)
	}
	return []byte("@" + o.ScreenName)
}

// Store wraps the bbolt database. One Store owns its file; open errors are
// fatal to the process, per-query errors are surfaced unchanged.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the datastore at path and bootstraps the schema.
// The parent directory is created when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating datastore directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening datastore %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOutcomes, bucketHandleIndex, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordOutcome upserts the record for the target identified by o. Attempts
// is set to max(existing+1, 1); FirstSeen is preserved. Success records are
// terminal and never mutated again. When a handle-only record learns its
// numeric id, it is rewritten under the id key and the handle index is
// repointed, so no duplicate row appears.
func (s *Store) RecordOutcome(o Outcome) error {
	if o.UserID == "" && o.ScreenName == "" {
		return fmt.Errorf("outcome has neither user id nor handle")
	}

	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		outcomes := tx.Bucket(bucketOutcomes)
		index := tx.Bucket(bucketHandleIndex)

		existing, existingKey, err := lookupTx(tx, &o)
		if err != nil {
			return err
		}

		if existing != nil && existing.Status == StatusSuccess {
			// Terminal: a successful block is never re-attempted.
			return nil
		}

		if existing != nil {
			o.Attempts = existing.Attempts + 1
			o.FirstSeen = existing.FirstSeen
			if o.UserID == "" {
				o.UserID = existing.UserID
			}
			if o.ScreenName == "" {
				o.ScreenName = existing.ScreenName
			}
			if o.DisplayName == "" {
				o.DisplayName = existing.DisplayName
			}
		} else {
			o.Attempts = 1
			o.FirstSeen = now
		}
		o.UpdatedAt = now
		o.LastAttemptAt = now

		newKey := o.key()
		if existing != nil && string(existingKey) != string(newKey) {
			// Handle-only record resolved to an id: migrate in place.
			if err := outcomes.Delete(existingKey); err != nil {
				return err
			}
		}

		data, err := json.Marshal(&o)
		if err != nil {
			return fmt.Errorf("encoding outcome: %w", err)
		}
		if err := outcomes.Put(newKey, data); err != nil {
			return err
		}
		if o.ScreenName != "" {
			if err := index.Put([]byte(o.ScreenName), newKey); err != nil {
				return err
			}
		}
		return nil
	})
}

// lookupTx finds the existing record for o inside tx, trying the id key,
// then the handle index, then the bare handle key.
func lookupTx(tx *bolt.Tx, o *Outcome) (*Outcome, []byte, error) {
	outcomes := tx.Bucket(bucketOutcomes)
	index := tx.Bucket(bucketHandleIndex)

	var keys [][]byte
	if o.UserID != "" {
		keys = append(keys, []byte(o.UserID))
	}
	if o.ScreenName != "" {
		if indexed := index.Get([]byte(o.ScreenName)); indexed != nil {
			keys = append(keys, indexed)
		}
		keys = append(keys, []byte("@"+o.ScreenName))
	}

	for _, key := range keys {
		if data := outcomes.Get(key); data != nil {
			existing := &Outcome{}
			if err := json.Unmarshal(data, existing); err != nil {
				return nil, nil, fmt.Errorf("decoding outcome %s: %w", key, err)
			}
			return existing, key, nil
		}
	}
	return nil, nil, nil
}

// getByIdentifier resolves one identifier in the given format inside tx.
func getByIdentifier(tx *bolt.Tx, identifier string, format config.Format) (*Outcome, error) {
	probe := &Outcome{}
	if format == config.FormatUserID {
		probe.UserID = identifier
	} else {
		probe.ScreenName = identifier
	}
	o, _, err := lookupTx(tx, probe)
	return o, err
}
