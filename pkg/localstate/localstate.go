// Package localstate is the shard's bbolt-backed local ledger: the
// dead-letter record of uploads that exhausted their retry budget, and
// the seen-update-id index gap recovery uses to dedup overlapping
// refetches against their legitimate neighbors.
package localstate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeadLetter = []byte("dead_letter")
	bucketSeenIDs    = []byte("seen_update_ids")
)

// Store is a bbolt-backed key-value store for one shard's local state.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// both buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local state db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDeadLetter); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSeenIDs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDeadLetter persists a dead-letter record keyed by local path,
// overwriting any prior record for the same path (retry count and
// timestamps are expected to accumulate via the caller).
func (s *Store) RecordDeadLetter(rec types.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).Put([]byte(rec.LocalPath), data)
	})
}

// ListDeadLetters returns every dead-letter record currently recorded.
func (s *Store) ListDeadLetters() ([]types.DeadLetterRecord, error) {
	var out []types.DeadLetterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			var rec types.DeadLetterRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal dead letter %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteDeadLetter removes a dead-letter record once its file has been
// manually retried and confirmed uploaded.
func (s *Store) DeleteDeadLetter(localPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).Delete([]byte(localPath))
	})
}

// MarkSeen records updateID as written, for gap-recovery dedup. It is
// idempotent.
func (s *Store) MarkSeen(updateID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSeenIDs).Put([]byte(updateID), []byte{1})
	})
}

// Seen reports whether updateID has already been written, so gap
// recovery's necessarily-overlapping refetch can skip records it
// already wrote via the normal ingestion path.
func (s *Store) Seen(updateID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSeenIDs).Get([]byte(updateID))
		found = v != nil
		return nil
	})
	return found, err
}
