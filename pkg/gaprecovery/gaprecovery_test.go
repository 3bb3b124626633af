package gaprecovery

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/fetch"
	"github.com/bstolman1/ledger-archiver/pkg/localstate"
	"github.com/bstolman1/ledger-archiver/pkg/normalize"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/stretchr/testify/require"
)

func writeUpdatesFile(t *testing.T, store objectstore.ObjectStore, key string, updates []types.Update) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "part.bin")
	f, err := os.Create(tmp)
	require.NoError(t, err)

	rows := make([]any, len(updates))
	for i, u := range updates {
		rows[i] = u
	}
	batch := encode.JSONBatch{Rows: rows, Level: encode.ZstdLevel(3)}
	require.NoError(t, batch.Encode(f))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(tmp)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, bytes.NewReader(data), int64(len(data))))
}

func rawUpdate(id, syncID string, recordTime time.Time) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"update_id":       id,
		"migration_id":    1,
		"synchronizer_id": syncID,
		"record_time":     recordTime.UTC().Format(time.RFC3339Nano),
		"transaction":     map[string]any{},
		"events": []map[string]any{
			{"event_id": id + ":0", "contract_id": "c1", "created_event": map[string]any{"x": 1}},
		},
	})
	return data
}

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

func newTestConfig(t *testing.T, store objectstore.ObjectStore, src *fakeSource) Config {
	t.Helper()
	dir := t.TempDir()

	ds, err := localstate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	uploader := upload.NewQueue(upload.Config{
		Store: store, DeadLetter: ds, Workers: 2,
		HighWaterCount: 100, LowWaterCount: 10,
		HighWaterBytes: 1 << 30, LowWaterBytes: 1 << 29,
		MaxRetries: 3, RetryBaseDelay: time.Millisecond,
	})

	return Config{
		Store: store, MigrationID: 1, SynchronizerID: "sync-1", Source: partition.SourceBackfill,
		Threshold: 2 * time.Minute,
		Fetcher:   fetch.New(fetch.Config{Source: src, ShardLabel: "gap", MaxRetries: 1, RetryBaseDelay: time.Millisecond}),
		Dedup:     ds, Encoder: encode.NewPool(2, 1), Uploader: uploader,
		NormalizeMode: normalize.ModeStrict, DataDir: filepath.Join(dir, "scratch"), CompressionLevel: 1,
	}
}

func TestRunFindsGapBetweenTwoFilesBeyondThreshold(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())

	early := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	writeUpdatesFile(t, store, "raw/backfill/updates/migration=1/year=2026/month=1/day=1/a.bin",
		[]types.Update{{UpdateID: "u1", SynchronizerID: "sync-1", RecordTime: early}})
	writeUpdatesFile(t, store, "raw/backfill/updates/migration=1/year=2026/month=1/day=1/b.bin",
		[]types.Update{{UpdateID: "u2", SynchronizerID: "sync-1", RecordTime: late}})

	cfg := newTestConfig(t, store, &fakeSource{})
	cfg.DryRun = true

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, result.Gaps, 1)
	require.True(t, result.Gaps[0].Start.Equal(early))
	require.True(t, result.Gaps[0].End.Equal(late))
}

func TestRunIgnoresRowsFromOtherSynchronizers(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	writeUpdatesFile(t, store, "raw/backfill/updates/migration=1/year=2026/month=1/day=1/a.bin",
		[]types.Update{{UpdateID: "u1", SynchronizerID: "sync-1", RecordTime: t1}})
	writeUpdatesFile(t, store, "raw/backfill/updates/migration=1/year=2026/month=1/day=1/b.bin",
		[]types.Update{{UpdateID: "u2", SynchronizerID: "other-sync", RecordTime: t2}})

	cfg := newTestConfig(t, store, &fakeSource{})
	cfg.DryRun = true

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Empty(t, result.Gaps, "the only file matching sync-1 has no neighbor to gap against")
}

func TestRunRecoversGapAndDedupsAgainstSeenUpdates(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())

	early := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	writeUpdatesFile(t, store, "raw/backfill/updates/migration=1/year=2026/month=1/day=1/a.bin",
		[]types.Update{{UpdateID: "u1", SynchronizerID: "sync-1", RecordTime: early}})
	writeUpdatesFile(t, store, "raw/backfill/updates/migration=1/year=2026/month=1/day=1/b.bin",
		[]types.Update{{UpdateID: "u2", SynchronizerID: "sync-1", RecordTime: late}})

	gapRecordTime := early.Add(30 * time.Minute)
	src := &fakeSource{pages: []fetch.Page{
		{Rows: []json.RawMessage{rawUpdate("u-gap", "sync-1", gapRecordTime)}, NextBefore: gapRecordTime},
	}}

	cfg := newTestConfig(t, store, src)
	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, result.Gaps, 1)
	require.Equal(t, 1, result.Recovered)

	recoveredPath := partition.Ledger(gapRecordTime, 1, partition.KindUpdates, partition.SourceBackfill)
	objs, err := store.List(context.Background(), recoveredPath)
	require.NoError(t, err)
	require.Len(t, objs, 3) // the two seed files plus the recovered one
}
