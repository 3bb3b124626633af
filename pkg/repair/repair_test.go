package repair

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
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

func TestRunSkipsFileAlreadyInCorrectPartition(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())
	rt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	key := "raw/backfill/updates/migration=1/year=2026/month=1/day=1/a.bin"
	writeUpdatesFile(t, store, key, []types.Update{{UpdateID: "u1", RecordTime: rt}})

	reports, err := Run(context.Background(), Config{Store: store, MigrationID: 1, Source: partition.SourceBackfill})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, ActionSkip, reports[0].Action)
	require.NoError(t, reports[0].Err)
}

func TestRunReportsMoveWithoutWritingWhenNotExecute(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())
	rt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	key := "raw/backfill/updates/migration=1/year=2026/month=1/day=1/a.bin"
	writeUpdatesFile(t, store, key, []types.Update{{UpdateID: "u1", RecordTime: rt}})

	reports, err := Run(context.Background(), Config{Store: store, MigrationID: 1, Source: partition.SourceBackfill})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, ActionMove, reports[0].Action)
	require.Len(t, reports[0].TargetKeys, 1)
	require.Equal(t, partition.Ledger(rt, 1, partition.KindUpdates, partition.SourceBackfill), reports[0].TargetKeys[0])

	_, statErr := store.Stat(context.Background(), key)
	require.NoError(t, statErr, "dry-run must not touch the source file")
}

func TestRunExecuteSplitsFileAcrossPartitionsAndDeletesSource(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	key := "raw/backfill/updates/migration=1/year=2026/month=3/day=1/mixed.bin"
	writeUpdatesFile(t, store, key, []types.Update{
		{UpdateID: "u1", RecordTime: day1},
		{UpdateID: "u2", RecordTime: day2},
	})

	reports, err := Run(context.Background(), Config{
		Store: store, MigrationID: 1, Source: partition.SourceBackfill, Execute: true, Verify: true,
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	rep := reports[0]
	require.NoError(t, rep.Err)
	require.Equal(t, ActionSplit, rep.Action)
	require.Len(t, rep.TargetKeys, 2)
	require.True(t, rep.Verified)

	_, statErr := store.Stat(context.Background(), key)
	require.Error(t, statErr, "source file must be deleted after a successful split")

	for _, target := range rep.TargetKeys {
		objs, err := store.List(context.Background(), filepath.Dir(target))
		require.NoError(t, err)
		require.Len(t, objs, 1)
	}
}

func TestRunExecuteMovesFileToSinglePartition(t *testing.T) {
	store := objectstore.NewLocalStore(t.TempDir())
	rt := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)
	key := "raw/backfill/updates/migration=1/year=2026/month=1/day=1/a.bin"
	writeUpdatesFile(t, store, key, []types.Update{{UpdateID: "u1", RecordTime: rt}})

	reports, err := Run(context.Background(), Config{
		Store: store, MigrationID: 1, Source: partition.SourceBackfill, Execute: true,
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	rep := reports[0]
	require.NoError(t, rep.Err)
	require.Equal(t, ActionMove, rep.Action)
	require.Len(t, rep.TargetKeys, 1)

	want := partition.Ledger(rt, 1, partition.KindUpdates, partition.SourceBackfill)
	require.Equal(t, want, filepath.Dir(rep.TargetKeys[0]))

	_, statErr := store.Stat(context.Background(), key)
	require.Error(t, statErr)
}
