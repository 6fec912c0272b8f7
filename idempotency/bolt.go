// Package idempotency remembers the response to a client-keyed request so a
// retried checkout replays the first answer instead of opening a second
// order and payment intent.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "checkout_requests"

const (
	StateInFlight  = "in_flight"
	StateCompleted = "completed"
)

var (
	// ErrKeyReused is returned when a key arrives with a different request body.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	ErrNotFound  = errors.New("idempotency record not found")
)

type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	StatusCode  int       `json:"status_code,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Store struct {
	db *bolt.DB
	// Completed records are replayed for ttl; in-flight ones are reclaimable
	// after lease.
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

// New opens (or creates) the bolt file at path.
func New(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl, lease: time.Minute, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin claims key for a new request. When the key is already known the
// stored record is returned with started=false and nothing is written.
func (s *Store) Begin(key, fingerprint string) (*Record, bool, error) {
	var (
		result  Record
		started bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		now := s.now().UTC()

		if raw := b.Get([]byte(key)); raw != nil {
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if !s.expired(existing, now) {
				if existing.Fingerprint != fingerprint {
					return ErrKeyReused
				}
				result = existing
				return nil
			}
		}

		result = Record{
			Key:         key,
			Fingerprint: fingerprint,
			State:       StateInFlight,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		started = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, started, nil
}

// Complete stores the response for a key claimed by Begin.
func (s *Store) Complete(key string, statusCode int, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.State = StateCompleted
		rec.StatusCode = statusCode
		rec.Body = body
		rec.UpdatedAt = s.now().UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Release forgets key so the client may retry. Missing keys are not an error.
func (s *Store) Release(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
}

// Purge deletes expired records and reports how many were removed.
func (s *Store) Purge() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		now := s.now().UTC()
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil || s.expired(rec, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *Store) expired(rec Record, now time.Time) bool {
	if rec.State == StateInFlight {
		return now.Sub(rec.UpdatedAt) > s.lease
	}
	return now.Sub(rec.CreatedAt) > s.ttl
}
