package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/cursor"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/stretchr/testify/require"
)

func writeObject(t *testing.T, store objectstore.ObjectStore, key string) {
	t.Helper()
	err := store.Put(context.Background(), key, strings.NewReader("x"), 1)
	require.NoError(t, err)
}

func newTestCursor(t *testing.T, lastBefore time.Time) *cursor.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cursor.json")
	cs, err := cursor.Open(path, 1, "sync-1", 0)
	require.NoError(t, err)
	if !lastBefore.IsZero() {
		require.NoError(t, cs.Begin(1, 1, lastBefore))
		require.NoError(t, cs.Commit())
	}
	return cs
}

func TestRunDetectsNoDriftWhenCursorMatchesDurableFloor(t *testing.T) {
	dir := t.TempDir()
	store := objectstore.NewLocalStore(dir)

	earliest := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writeObject(t, store, partition.Ledger(earliest, 1, partition.KindUpdates, partition.SourceBackfill)+"/f.bin")
	writeObject(t, store, partition.Ledger(earliest.AddDate(0, 0, 1), 1, partition.KindUpdates, partition.SourceBackfill)+"/f.bin")

	// Cursor claims progress only down to the earliest present day's start.
	cs := newTestCursor(t, earliest)

	report, err := Run(context.Background(), Config{
		Store: store, Cursor: cs, MigrationID: 1,
		Source: partition.SourceBackfill, Kind: partition.KindUpdates,
	})
	require.NoError(t, err)
	require.False(t, report.Drifted)
}

func TestRunDetectsDriftWhenCursorAheadOfDurableFloor(t *testing.T) {
	dir := t.TempDir()
	store := objectstore.NewLocalStore(dir)

	storeFloor := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	writeObject(t, store, partition.Ledger(storeFloor, 1, partition.KindUpdates, partition.SourceBackfill)+"/f.bin")

	// Cursor claims it has backfilled past Jan 1, but the store's
	// earliest durable day is Jan 5 -- a four-day gap.
	claimed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := newTestCursor(t, claimed)

	report, err := Run(context.Background(), Config{
		Store: store, Cursor: cs, MigrationID: 1,
		Source: partition.SourceBackfill, Kind: partition.KindUpdates,
	})
	require.NoError(t, err)
	require.True(t, report.Drifted)
	require.False(t, report.Fixed)
	require.True(t, cs.DebugLocalPosition().Equal(claimed), "without --fix the cursor must be untouched")
}

func TestRunFixModeRepairsCursorToStorePosition(t *testing.T) {
	dir := t.TempDir()
	store := objectstore.NewLocalStore(dir)

	storeFloor := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	writeObject(t, store, partition.Ledger(storeFloor, 1, partition.KindUpdates, partition.SourceBackfill)+"/f.bin")

	claimed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := newTestCursor(t, claimed)

	report, err := Run(context.Background(), Config{
		Store: store, Cursor: cs, MigrationID: 1,
		Source: partition.SourceBackfill, Kind: partition.KindUpdates, Fix: true,
	})
	require.NoError(t, err)
	require.True(t, report.Drifted)
	require.True(t, report.Fixed)

	snap := cs.Snapshot()
	require.True(t, snap.LastBefore.Equal(storeFloor))
	require.True(t, snap.LastGCSConfirmed.Equal(storeFloor))
	require.Equal(t, int64(0), snap.TotalUpdates)
	require.Equal(t, int64(0), snap.TotalEvents)
}

func TestRunReportsDriftWhenStoreHasNoPartitionsYet(t *testing.T) {
	dir := t.TempDir()
	store := objectstore.NewLocalStore(dir)

	claimed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := newTestCursor(t, claimed)

	report, err := Run(context.Background(), Config{
		Store: store, Cursor: cs, MigrationID: 1,
		Source: partition.SourceBackfill, Kind: partition.KindUpdates,
	})
	require.NoError(t, err)
	require.True(t, report.Drifted)
}
