// Package partition computes the object-store path for a record given
// its event time. It is a pure function package: no I/O, no state, so
// it can be exercised identically by the encoder, the reconciler, and
// the partition repair tool without any of them sharing a dependency
// beyond this package.
package partition

import (
	"fmt"
	"time"
)

// Kind distinguishes the two ledger record families written under the
// "backfill"/"updates" source trees.
type Kind string

const (
	KindUpdates Kind = "updates"
	KindEvents  Kind = "events"
)

// Source distinguishes which pipeline wrote a ledger record: the
// historical backfill or the live updates tailer.
type Source string

const (
	SourceBackfill Source = "backfill"
	SourceUpdates  Source = "updates"
)

// root is the object-store tree every file this system writes lives
// under, matching spec.md §6's documented external layout.
const root = "raw"

// Ledger computes the partition path for a ledger update or event
// record. t must be UTC; the caller is responsible for never passing a
// wall-clock or local time here, since partitioning is defined purely
// in terms of the record's own UTC event time.
//
// Path shape: raw/{source}/{kind}/migration={M}/year={Y}/month={Mo}/day={D}
// All integers are unpadded, matching spec.md §4.1.
func Ledger(t time.Time, migrationID int64, kind Kind, source Source) string {
	u := t.UTC()
	return fmt.Sprintf("%s/%s/%s/migration=%d/year=%d/month=%d/day=%d",
		root, source, kind, migrationID, u.Year(), int(u.Month()), u.Day())
}

// LedgerPrefix returns the list prefix covering every ledger file of
// the given (source, kind, migration), with no day/month/year
// component. Callers that need to list an entire migration's tree
// (the reconciler, gap recovery, partition repair) must build their
// prefix from here rather than duplicating the raw/ root by hand.
func LedgerPrefix(migrationID int64, kind Kind, source Source) string {
	return fmt.Sprintf("%s/%s/%s/migration=%d/", root, source, kind, migrationID)
}

// ACS computes the partition path for one active-contract-set snapshot
// run. snapshotID is the zero-padded HHMMSS string identifying the
// run, distinct in format from the unpadded integers used by Ledger.
func ACS(t time.Time, migrationID int64, snapshotID string) string {
	u := t.UTC()
	return fmt.Sprintf("%s/acs/migration=%d/year=%d/month=%d/day=%d/snapshot_id=%s",
		root, migrationID, u.Year(), int(u.Month()), u.Day(), snapshotID)
}

// ACSPrefix returns the list prefix covering every snapshot run of the
// given migration, with no snapshot_id component.
func ACSPrefix(migrationID int64) string {
	return fmt.Sprintf("%s/acs/migration=%d/", root, migrationID)
}

// SnapshotID formats t as the zero-padded HHMMSS string used in ACS
// paths and file naming.
func SnapshotID(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%02d%02d%02d", u.Hour(), u.Minute(), u.Second())
}
