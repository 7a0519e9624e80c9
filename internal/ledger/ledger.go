// Package ledger is a supplemental, bbolt-backed audit trail of fully
// applied pushes: (destination, push_id) pairs. The Application consults
// it before each destination sync and skips a push already recorded for
// that destination. It is additive — without it (a nil ledger), the
// Synchronizer's own idempotency (skipping existing tags, force-creating
// refs only once) still makes re-delivery safe.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("applied_pushes")

// Ledger records a best-effort audit trail on disk.
type Ledger struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record entry describing one applied destination sync.
type Record struct {
	DestinationURL string    `json:"destination_url"`
	PushID         int64     `json:"push_id"`
	RepoURL        string    `json:"repo_url"`
	AppliedAt      time.Time `json:"applied_at"`
}

func key(destinationURL string, pushID int64) []byte {
	return []byte(fmt.Sprintf("%s#%d", destinationURL, pushID))
}

// RecordApplied stores a Record for one (destination, push_id) pair,
// overwriting any prior entry for the same key.
func (l *Ledger) RecordApplied(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(r.DestinationURL, r.PushID), data)
	})
}

// WasApplied reports whether a record already exists for (destinationURL,
// pushID).
func (l *Ledger) WasApplied(destinationURL string, pushID int64) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketName).Get(key(destinationURL, pushID)) != nil
		return nil
	})
	return found, err
}
