package shard

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/cursor"
	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/fetch"
	"github.com/bstolman1/ledger-archiver/pkg/localstate"
	"github.com/bstolman1/ledger-archiver/pkg/normalize"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/stretchr/testify/require"
)

// fakeSource serves one page per (before, atOrAfter) pair drawn from
// pages, in order, then reports empty forever.
type fakeSource struct {
	mu    sync.Mutex
	pages []fetch.Page
	i     int
}

func (f *fakeSource) FetchPage(ctx context.Context, before, atOrAfter time.Time) (fetch.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.pages) {
		return fetch.Page{NextBefore: before}, nil
	}
	p := f.pages[f.i]
	f.i++
	return p, nil
}

func rawUpdate(id string, recordTime time.Time) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"update_id":       id,
		"migration_id":    1,
		"synchronizer_id": "sync-1",
		"record_time":     recordTime.UTC().Format(time.RFC3339Nano),
		"transaction":     map[string]any{},
		"events": []map[string]any{
			{
				"event_id":      id + ":0",
				"contract_id":   "c1",
				"created_event": map[string]any{"x": 1},
			},
		},
	})
	return data
}

func newTestDriver(t *testing.T, src *fakeSource) (*Driver, *localstate.Store, objectstore.ObjectStore) {
	t.Helper()
	dir := t.TempDir()

	cs, err := cursor.Open(filepath.Join(dir, "cursor.json"), 1, "sync-1", 0)
	require.NoError(t, err)

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

	pool := encode.NewPool(2, 1)

	f := fetch.New(fetch.Config{Source: src, ShardLabel: "0", MaxRetries: 1, RetryBaseDelay: time.Millisecond})

	d := &Driver{
		Index: 0, Total: 1,
		MigrationID: 1, SynchronizerID: "sync-1", Source: partition.SourceBackfill,
		Fetcher: f, Cursor: cs, Encoder: pool, Uploader: uploader,
		NormalizeMode: normalize.ModeStrict, DataDir: filepath.Join(dir, "scratch"),
		CommitsPerDrain: 1, CompressionLevel: 1,
	}
	return d, ds, store
}

func TestRunBackfillCompletesAndUploadsPartitionedFiles(t *testing.T) {
	min := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	recordTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{pages: []fetch.Page{
		{Rows: []json.RawMessage{rawUpdate("upd-1", recordTime)}, NextBefore: recordTime},
	}}

	d, _, store := newTestDriver(t, src)

	err := d.RunBackfill(context.Background(), min, max)
	require.NoError(t, err)

	snap := d.Cursor.Snapshot()
	require.True(t, snap.Complete)
	require.Equal(t, int64(1), snap.TotalUpdates)
	require.Equal(t, int64(1), snap.TotalEvents)

	expectedPath := partition.Ledger(recordTime, 1, partition.KindUpdates, partition.SourceBackfill)
	objs, err := store.List(context.Background(), expectedPath)
	require.NoError(t, err)
	require.Len(t, objs, 1)
}

func TestRunBackfillRollsBackCursorOnEncodeFailure(t *testing.T) {
	min := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	recordTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	src := &fakeSource{pages: []fetch.Page{
		{Rows: []json.RawMessage{rawUpdate("upd-1", recordTime)}, NextBefore: recordTime},
	}}

	d, _, _ := newTestDriver(t, src)
	// A zero-worker pool can never acquire its semaphore, so Submit
	// blocks until ctx is cancelled and returns an error.
	d.Encoder = encode.NewPool(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := d.RunBackfill(ctx, min, max)
	require.Error(t, err)

	snap := d.Cursor.Snapshot()
	require.False(t, snap.InTransaction)
	require.Equal(t, int64(0), snap.TotalUpdates)
}

func TestRunBackfillStopsAfterThreeEmptyPages(t *testing.T) {
	min := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	src := &fakeSource{} // every call returns an empty page
	d, _, _ := newTestDriver(t, src)

	err := d.RunBackfill(context.Background(), min, max)
	require.NoError(t, err)
	require.True(t, d.Cursor.Snapshot().Complete)
}
