// Package types defines the core domain entities shared across the
// ingestion pipeline: ledger updates, their event trees, ACS contract
// snapshot rows, and the per-shard cursor record.
package types

import "time"

// UpdateKind classifies a ledger update.
type UpdateKind string

const (
	UpdateKindTransaction  UpdateKind = "transaction"
	UpdateKindReassignment UpdateKind = "reassignment"
	UpdateKindUnknown      UpdateKind = "unknown"
)

// Update is a single ledger transaction or reassignment.
type Update struct {
	UpdateID       string
	MigrationID    int64
	SynchronizerID string
	RecordTime     time.Time // primary ordering key, monotonic within (MigrationID, SynchronizerID)
	EffectiveAt    time.Time
	Offset         int64
	Kind           UpdateKind
	RootEventIDs   []string // ordered roots of the event tree
	EventCount     int
	UpdateData     []byte // unparsed original blob, always preserved verbatim
}

// EventType classifies a node in an update's event tree.
type EventType string

const (
	EventTypeCreated          EventType = "created"
	EventTypeArchived         EventType = "archived"
	EventTypeExercised        EventType = "exercised"
	EventTypeReassignCreate   EventType = "reassign_create"
	EventTypeReassignArchive  EventType = "reassign_archive"
)

// Event is one node of an update's event tree. EventID is taken
// verbatim from the source record when present; if absent, it is
// synthesized as "<update_id>:<index>" and a warning is logged, per the
// normalizer's contract with downstream dedup.
type Event struct {
	EventID           string
	UpdateID          string
	EventType         EventType
	EventTypeOriginal string // the original nested wrapper type before flattening
	ContractID        string
	TemplateID        string
	PackageName       string
	MigrationID       int64
	ChildEventIDs     []string // ordered children; roots come from Update.RootEventIDs
	Payload           string   // opaque, preserves any field the schema does not name
	RawEvent          []byte   // unparsed original blob, always preserved verbatim
}

// ACSContract is one row of an active-contract-set snapshot.
type ACSContract struct {
	ContractID   string
	EventID      string
	TemplateID   string
	PackageName  string
	ModuleName   string
	EntityName   string
	MigrationID  int64
	RecordTime   time.Time
	SnapshotTime time.Time // the run time, distinct from RecordTime
	Payload      string
	Raw          []byte
}

// Cursor tracks ingestion progress for one (migration, synchronizer, shard).
//
// Invariants enforced at the pkg/cursor API boundary, never by direct
// field mutation: last_gcs_confirmed <= last_before;
// gcs_confirmed_* <= total_*; if Complete then both positions equal
// MaxTime and every Pending* field is zero.
type Cursor struct {
	MigrationID    int64     `json:"migration_id"`
	SynchronizerID string    `json:"synchronizer_id"`
	ShardIndex     int       `json:"shard_index"`

	LastBefore       time.Time `json:"last_before"`
	LastGCSConfirmed time.Time `json:"last_gcs_confirmed"`

	TotalUpdates int64 `json:"total_updates"`
	TotalEvents  int64 `json:"total_events"`

	GCSConfirmedUpdates int64 `json:"gcs_confirmed_updates"`
	GCSConfirmedEvents  int64 `json:"gcs_confirmed_events"`

	MinTime time.Time `json:"min_time"`
	MaxTime time.Time `json:"max_time"`

	Complete bool `json:"complete"`

	// InTransaction and the Pending* fields are mid-write diagnostics; they
	// are never a valid resume point on their own.
	InTransaction   bool      `json:"in_transaction"`
	PendingUpdates  int64     `json:"pending_updates"`
	PendingEvents   int64     `json:"pending_events"`
	PendingBefore   time.Time `json:"pending_before"`

	Error string `json:"error,omitempty"`
}

// DeadLetterRecord is a durable record of a file that exhausted its
// upload retry budget. Kept for operator visibility and manual retry;
// supplements the dead-letter mention in the upload queue's contract with
// a concrete, bbolt-backed structure (pkg/localstate).
type DeadLetterRecord struct {
	LocalPath     string    `json:"local_path"`
	RemotePath    string    `json:"remote_path"`
	Error         string    `json:"error"`
	AttemptCount  int       `json:"attempt_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}
