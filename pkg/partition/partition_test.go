package partition

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedgerPathUsesUnpaddedInts(t *testing.T) {
	ts := time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)
	got := Ledger(ts, 3, KindUpdates, SourceBackfill)
	require.Equal(t, "raw/backfill/updates/migration=3/year=2026/month=3/day=5", got)
}

func TestLedgerPathIsUTCRegardlessOfInputZone(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*60*60)
	// 2026-03-05 23:30 UTC-8 == 2026-03-06 07:30 UTC.
	local := time.Date(2026, time.March, 5, 23, 30, 0, 0, loc)

	got := Ledger(local, 3, KindEvents, SourceUpdates)
	require.Equal(t, "raw/updates/events/migration=3/year=2026/month=3/day=6", got)
}

func TestLedgerPathDependsOnlyOnUTCDay(t *testing.T) {
	a := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	b := time.Date(2026, time.July, 31, 23, 59, 59, 0, time.UTC)
	require.Equal(t, Ledger(a, 1, KindUpdates, SourceBackfill), Ledger(b, 1, KindUpdates, SourceBackfill))
}

func TestLedgerPrefixMatchesLedgerPathRoot(t *testing.T) {
	ts := time.Date(2026, time.March, 5, 10, 0, 0, 0, time.UTC)
	path := Ledger(ts, 3, KindUpdates, SourceBackfill)
	prefix := LedgerPrefix(3, KindUpdates, SourceBackfill)
	require.True(t, strings.HasPrefix(path, prefix), "path %q must start with prefix %q", path, prefix)
}

func TestACSPathUsesZeroPaddedSnapshotID(t *testing.T) {
	ts := time.Date(2026, time.July, 31, 9, 5, 3, 0, time.UTC)
	got := ACS(ts, 1, SnapshotID(ts))
	require.Equal(t, "raw/acs/migration=1/year=2026/month=7/day=31/snapshot_id=090503", got)
}

func TestACSPrefixMatchesACSPathRoot(t *testing.T) {
	ts := time.Date(2026, time.July, 31, 9, 5, 3, 0, time.UTC)
	path := ACS(ts, 1, SnapshotID(ts))
	prefix := ACSPrefix(1)
	require.True(t, strings.HasPrefix(path, prefix), "path %q must start with prefix %q", path, prefix)
}

func TestSnapshotIDZeroPads(t *testing.T) {
	ts := time.Date(2026, time.July, 31, 1, 2, 3, 0, time.UTC)
	require.Equal(t, "010203", SnapshotID(ts))
}
