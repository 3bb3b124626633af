package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/localstate"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed sequence of batches, then reports done.
type fakeSource struct {
	batches [][]types.ACSContract
	i       int
}

func (f *fakeSource) Next(ctx context.Context) ([]types.ACSContract, bool, error) {
	if f.i >= len(f.batches) {
		return nil, false, nil
	}
	b := f.batches[f.i]
	f.i++
	return b, true, nil
}

func contracts(n int) []types.ACSContract {
	out := make([]types.ACSContract, n)
	for i := range out {
		out[i] = types.ACSContract{ContractID: "c", EventID: "e", MigrationID: 1}
	}
	return out
}

func newTestWriter(t *testing.T, cfg Config) (*Writer, objectstore.ObjectStore) {
	t.Helper()
	dir := t.TempDir()

	store := objectstore.NewLocalStore(filepath.Join(dir, "store"))

	ds, err := localstate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	uploader := upload.NewQueue(upload.Config{
		Store: store, DeadLetter: ds, Workers: 2,
		HighWaterCount: 100, LowWaterCount: 10,
		HighWaterBytes: 1 << 30, LowWaterBytes: 1 << 29,
		MaxRetries: 3, RetryBaseDelay: time.Millisecond,
	})

	cfg.Store = store
	cfg.Uploader = uploader
	cfg.Encoder = encode.NewPool(2, 1)
	cfg.DataDir = filepath.Join(dir, "scratch")
	if cfg.MaxRowsPerFile == 0 {
		cfg.MaxRowsPerFile = 10
	}
	if cfg.MigrationID == 0 {
		cfg.MigrationID = 1
	}

	return NewWriter(cfg), store
}

func TestRunWritesCompleteMarkerAndUploadsAllFiles(t *testing.T) {
	snapTime := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	w, store := newTestWriter(t, Config{SnapshotTime: snapTime, MaxRowsPerFile: 5})

	src := &fakeSource{batches: [][]types.ACSContract{contracts(12)}}
	rows, files, err := w.Run(context.Background(), src)
	require.NoError(t, err)
	require.Equal(t, 12, rows)
	require.Equal(t, 3, files) // 5 + 5 + 2

	partPath := partition.ACS(snapTime, 1, partition.SnapshotID(snapTime))
	objs, err := store.List(context.Background(), partPath)
	require.NoError(t, err)
	require.Len(t, objs, files+1) // data files + _COMPLETE

	_, err = store.Stat(context.Background(), filepath.Join(partPath, completeMarker))
	require.NoError(t, err)
}

func TestRunFailsWhenSourceProducesNoRows(t *testing.T) {
	snapTime := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	w, _ := newTestWriter(t, Config{SnapshotTime: snapTime})

	src := &fakeSource{}
	_, _, err := w.Run(context.Background(), src)
	require.Error(t, err)
}

func TestRunPrunesOldCompleteSnapshotsBeyondRetention(t *testing.T) {
	migrationID := int64(1)
	times := []time.Time{
		time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 4, 2, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC),
	}

	dir := t.TempDir()
	store := objectstore.NewLocalStore(filepath.Join(dir, "store"))
	ds, err := localstate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	uploader := upload.NewQueue(upload.Config{
		Store: store, DeadLetter: ds, Workers: 2,
		HighWaterCount: 100, LowWaterCount: 10,
		HighWaterBytes: 1 << 30, LowWaterBytes: 1 << 29,
		MaxRetries: 3, RetryBaseDelay: time.Millisecond,
	})

	var lastWriter *Writer
	for _, snapTime := range times {
		w := NewWriter(Config{
			MigrationID: migrationID, SnapshotTime: snapTime, MaxRowsPerFile: 10,
			DataDir: filepath.Join(dir, "scratch"), Store: store, Uploader: uploader,
			Encoder: encode.NewPool(2, 1), RetainSnapshots: 2,
		})
		src := &fakeSource{batches: [][]types.ACSContract{contracts(3)}}
		_, _, err := w.Run(context.Background(), src)
		require.NoError(t, err)
		lastWriter = w
	}
	_ = lastWriter

	oldestPath := partition.ACS(times[0], migrationID, partition.SnapshotID(times[0]))
	objs, err := store.List(context.Background(), oldestPath)
	require.NoError(t, err)
	require.Empty(t, objs, "oldest snapshot beyond retention should have been pruned")

	for _, snapTime := range times[1:] {
		p := partition.ACS(snapTime, migrationID, partition.SnapshotID(snapTime))
		objs, err := store.List(context.Background(), p)
		require.NoError(t, err)
		require.NotEmpty(t, objs, "retained snapshot %s should still be present", snapTime)
	}
}

// TestRunPrunesChronologicallyAcrossDayBoundary pins a day/day boundary
// where directory-name order and creation order disagree: "day=10" and
// "day=11" both sort lexicographically before "day=9". Retention must
// still key off actual snapshot age, not directory-name order, or the
// truly oldest snapshot (day=9, written first) survives while a newer
// one is wrongly deleted.
func TestRunPrunesChronologicallyAcrossDayBoundary(t *testing.T) {
	migrationID := int64(1)
	times := []time.Time{
		time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC),
	}

	dir := t.TempDir()
	store := objectstore.NewLocalStore(filepath.Join(dir, "store"))
	ds, err := localstate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	uploader := upload.NewQueue(upload.Config{
		Store: store, DeadLetter: ds, Workers: 2,
		HighWaterCount: 100, LowWaterCount: 10,
		HighWaterBytes: 1 << 30, LowWaterBytes: 1 << 29,
		MaxRetries: 3, RetryBaseDelay: time.Millisecond,
	})

	for _, snapTime := range times {
		w := NewWriter(Config{
			MigrationID: migrationID, SnapshotTime: snapTime, MaxRowsPerFile: 10,
			DataDir: filepath.Join(dir, "scratch"), Store: store, Uploader: uploader,
			Encoder: encode.NewPool(2, 1), RetainSnapshots: 2,
		})
		src := &fakeSource{batches: [][]types.ACSContract{contracts(3)}}
		_, _, err := w.Run(context.Background(), src)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // force distinct ModTimes
	}

	oldestPath := partition.ACS(times[0], migrationID, partition.SnapshotID(times[0]))
	objs, err := store.List(context.Background(), oldestPath)
	require.NoError(t, err)
	require.Empty(t, objs, "day=9 snapshot, written first, should have been pruned")

	for _, snapTime := range times[1:] {
		p := partition.ACS(snapTime, migrationID, partition.SnapshotID(snapTime))
		objs, err := store.List(context.Background(), p)
		require.NoError(t, err)
		require.NotEmpty(t, objs, "retained snapshot %s should still be present", snapTime)
	}
}
