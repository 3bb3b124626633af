// Package cursor implements the per-shard atomic cursor store: the
// single source of truth for how far a shard has progressed, split
// into a locally-durable position (the rename commit point) and a
// remote-confirmed position (advanced only after the upload queue
// drains). Every mutation goes through the transactional API so the
// invariants in types.Cursor's doc comment can never be violated by a
// direct field write.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/types"
)

// Store manages one shard's cursor file on disk.
type Store struct {
	mu   sync.Mutex
	path string
	cur  types.Cursor

	pendingOpen bool
	preBegin    types.Cursor

	broker *events.Broker
}

// SetBroker attaches an event broker so Commit and ConfirmGCS publish
// batch.committed/gcs.confirmed lifecycle events. Optional; a Store
// with no broker attached simply skips publication.
func (s *Store) SetBroker(b *events.Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = b
}

// Open loads the cursor at path, or creates a fresh cursor for
// (migrationID, synchronizerID, shardIndex) if no file exists yet. A
// corrupt primary file falls back to path.bak; if that also fails to
// parse, CursorCorruptionError is returned and the shard must exit for
// the Reconciler to resolve.
func Open(path string, migrationID int64, synchronizerID string, shardIndex int) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.cur = types.Cursor{
			MigrationID:    migrationID,
			SynchronizerID: synchronizerID,
			ShardIndex:     shardIndex,
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor %s: %w", path, err)
	}

	var cur types.Cursor
	if jsonErr := json.Unmarshal(data, &cur); jsonErr != nil {
		bak, bakErr := os.ReadFile(path + ".bak")
		if bakErr != nil {
			return nil, &errkind.CursorCorruptionError{Path: path, Err: jsonErr}
		}
		if jsonErr2 := json.Unmarshal(bak, &cur); jsonErr2 != nil {
			return nil, &errkind.CursorCorruptionError{Path: path, Err: jsonErr2}
		}
	}

	s.cur = cur
	return s, nil
}

// Snapshot returns a copy of the current cursor state for read-only
// consumers (metrics collector, status endpoint).
func (s *Store) Snapshot() types.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// ResumePosition returns the crash-safe resume point: the
// GCS-confirmed position, never the locally-committed-but-unconfirmed
// one.
func (s *Store) ResumePosition() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.LastGCSConfirmed
}

// DebugLocalPosition returns the unsafe, locally-committed position.
// Only for diagnostics; never a valid resume point on its own.
func (s *Store) DebugLocalPosition() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.LastBefore
}

// Begin declares pending data ahead of an encode+commit cycle. It is
// an error to call Begin while a transaction is already open.
func (s *Store) Begin(updates, events int64, beforeTs time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingOpen {
		return fmt.Errorf("cursor: begin called with a transaction already open")
	}

	s.preBegin = s.cur
	s.cur.InTransaction = true
	s.cur.PendingUpdates = updates
	s.cur.PendingEvents = events
	s.cur.PendingBefore = beforeTs
	s.pendingOpen = true

	return s.persist()
}

// AddPending accumulates additional counts within an open transaction.
func (s *Store) AddPending(updates, events int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pendingOpen {
		return fmt.Errorf("cursor: add_pending called with no open transaction")
	}

	s.cur.PendingUpdates += updates
	s.cur.PendingEvents += events

	return s.persist()
}

// Commit moves the pending counters into the totals and advances
// last_before. Callers must only call Commit after the encoder has
// confirmed the corresponding file exists locally.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pendingOpen {
		return fmt.Errorf("cursor: commit called with no open transaction")
	}

	s.cur.TotalUpdates += s.cur.PendingUpdates
	s.cur.TotalEvents += s.cur.PendingEvents
	s.cur.LastBefore = s.cur.PendingBefore

	if s.cur.MinTime.IsZero() || s.cur.PendingBefore.Before(s.cur.MinTime) {
		s.cur.MinTime = s.cur.PendingBefore
	}
	if s.cur.PendingBefore.After(s.cur.MaxTime) {
		s.cur.MaxTime = s.cur.PendingBefore
	}

	s.clearPending()
	if err := s.persist(); err != nil {
		return err
	}
	s.publish(events.BatchCommitted, fmt.Sprintf("committed through %s", s.cur.LastBefore))
	return nil
}

// Rollback restores the pre-begin state, discarding the open
// transaction.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pendingOpen {
		return fmt.Errorf("cursor: rollback called with no open transaction")
	}

	s.cur = s.preBegin
	s.pendingOpen = false
	return s.persist()
}

func (s *Store) clearPending() {
	s.cur.InTransaction = false
	s.cur.PendingUpdates = 0
	s.cur.PendingEvents = 0
	s.cur.PendingBefore = time.Time{}
	s.pendingOpen = false
}

// ConfirmGCS advances the remote-confirmed position. Callers must only
// call this after the upload queue's drain() has returned for the
// corresponding batch. A zero-value ts/updates/events leaves that
// field unchanged, matching the optional-args contract in spec.md §4.5.
func (s *Store) ConfirmGCS(ts time.Time, updates, events int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ts.IsZero() {
		if ts.After(s.cur.LastBefore) {
			return fmt.Errorf("cursor: confirm_gcs ts %v is ahead of last_before %v", ts, s.cur.LastBefore)
		}
		s.cur.LastGCSConfirmed = ts
	}
	s.cur.GCSConfirmedUpdates += updates
	s.cur.GCSConfirmedEvents += events

	if s.cur.GCSConfirmedUpdates > s.cur.TotalUpdates || s.cur.GCSConfirmedEvents > s.cur.TotalEvents {
		return fmt.Errorf("cursor: confirm_gcs would put confirmed counts ahead of totals")
	}

	if err := s.persist(); err != nil {
		return err
	}
	s.publish(events.GCSConfirmed, fmt.Sprintf("confirmed through %s", s.cur.LastGCSConfirmed))
	return nil
}

// publish is a no-op when no broker is attached. Callers must hold s.mu.
func (s *Store) publish(typ events.Type, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    typ,
		Message: msg,
		Metadata: map[string]string{
			"migration_id":    fmt.Sprintf("%d", s.cur.MigrationID),
			"synchronizer_id": s.cur.SynchronizerID,
			"shard_index":     fmt.Sprintf("%d", s.cur.ShardIndex),
		},
	})
}

// MarkComplete refuses if a transaction is still pending, otherwise
// sets last_gcs_confirmed = last_before and complete = true.
func (s *Store) MarkComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingOpen || s.cur.PendingUpdates != 0 || s.cur.PendingEvents != 0 {
		return fmt.Errorf("cursor: mark_complete called with nonzero pending state")
	}

	s.cur.LastGCSConfirmed = s.cur.LastBefore
	s.cur.GCSConfirmedUpdates = s.cur.TotalUpdates
	s.cur.GCSConfirmedEvents = s.cur.TotalEvents
	s.cur.Complete = true

	return s.persist()
}

// SetError records a terminal error on the cursor without otherwise
// mutating its position, so a failed shard's cursor still reflects the
// last committed position for the operator.
func (s *Store) SetError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Error = err.Error()
	return s.persist()
}

// Repair forcibly rewrites the cursor to a store-derived position,
// bypassing the transactional invariants Begin/Commit enforce. It
// exists solely for the reconciler's --fix mode (spec.md §4.9): when
// the object store shows less durable data than the local cursor
// claims, the cursor has drifted ahead of durability and must be
// pulled back to what is actually confirmed present, zeroing any
// per-counter deltas that exceeded that position. Any open transaction
// is discarded.
func (s *Store) Repair(confirmedTs time.Time, updates, events int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cur.LastBefore = confirmedTs
	s.cur.LastGCSConfirmed = confirmedTs
	s.cur.TotalUpdates = updates
	s.cur.TotalEvents = events
	s.cur.GCSConfirmedUpdates = updates
	s.cur.GCSConfirmedEvents = events
	s.cur.Error = ""
	s.clearPending()

	return s.persist()
}

// persist writes the cursor atomically: serialize, write path.tmp,
// back up the previous valid content to path.bak, then rename
// path.tmp to path. The rename is the commit point.
func (s *Store) persist() error {
	data, err := json.Marshal(s.cur)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for cursor: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cursor tmp: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.path+".bak", prev, 0o644)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename cursor into place: %w", err)
	}

	return nil
}
