package localstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndListDeadLetters(t *testing.T) {
	s := newTestStore(t)

	rec := types.DeadLetterRecord{
		LocalPath:     "/data/part-1.parquet.zst",
		RemotePath:    "backfill/updates/migration=1/year=2026/month=7/day=31/part-1.parquet.zst",
		Error:         "terminal 403",
		AttemptCount:  3,
		FirstFailedAt: time.Now().UTC(),
		LastFailedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.RecordDeadLetter(rec))

	records, err := s.ListDeadLetters()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.LocalPath, records[0].LocalPath)
}

func TestDeleteDeadLetterRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	rec := types.DeadLetterRecord{LocalPath: "/data/part-1.parquet.zst"}
	require.NoError(t, s.RecordDeadLetter(rec))
	require.NoError(t, s.DeleteDeadLetter(rec.LocalPath))

	records, err := s.ListDeadLetters()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMarkSeenIsIdempotentAndQueryable(t *testing.T) {
	s := newTestStore(t)

	seen, err := s.Seen("upd-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkSeen("upd-1"))
	require.NoError(t, s.MarkSeen("upd-1"))

	seen, err = s.Seen("upd-1")
	require.NoError(t, err)
	require.True(t, seen)
}
