// Package gaprecovery implements the post-hoc gap sweeper described in
// spec.md §4.10: scan a synchronizer's durable update files for
// inter-file time gaps beyond a threshold, bound C6 fetches to each
// candidate gap, and write the recovered rows through the same C3/C4
// path every other producer uses. Recovered fetches legitimately
// overlap neighboring files by construction, so every recovered row is
// deduplicated against the seen-update-id index before being written.
package gaprecovery

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/fetch"
	"github.com/bstolman1/ledger-archiver/pkg/localstate"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/metrics"
	"github.com/bstolman1/ledger-archiver/pkg/normalize"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/google/uuid"
)

// Gap is one candidate time range with no durable data despite having
// neighbors on both sides.
type Gap struct {
	Start time.Time
	End   time.Time
}

// Config configures one sweep.
type Config struct {
	Store          objectstore.ObjectStore
	MigrationID    int64
	SynchronizerID string
	Source         partition.Source
	Threshold      time.Duration

	Fetcher  *fetch.Fetcher
	Dedup    *localstate.Store
	Encoder  *encode.Pool
	Uploader *upload.Queue

	NormalizeMode    normalize.Mode
	DataDir          string
	CompressionLevel int

	DryRun  bool
	MaxGaps int // 0 = no limit

	// Broker publishes gap.found/gap.recovered lifecycle events.
	// Optional; nil skips publication entirely.
	Broker *events.Broker
}

// Result summarizes one sweep.
type Result struct {
	Gaps      []Gap
	Recovered int
}

// Run scans cfg's durable update files, finds candidate gaps, and
// (unless DryRun) recovers each one bounded by MaxGaps.
func Run(ctx context.Context, cfg Config) (Result, error) {
	logger := log.WithComponent("gaprecovery")

	ranges, err := fileRanges(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].min.Before(ranges[j].min) })

	var gaps []Gap
	for i := 1; i < len(ranges); i++ {
		delta := ranges[i].min.Sub(ranges[i-1].max)
		if delta > cfg.Threshold {
			gaps = append(gaps, Gap{Start: ranges[i-1].max, End: ranges[i].min})
		}
	}

	metrics.GapsFoundTotal.Add(float64(len(gaps)))
	logger.Info().Int("gaps_found", len(gaps)).Msg("gap scan complete")
	for _, gap := range gaps {
		publish(cfg.Broker, events.GapFound, fmt.Sprintf("gap [%s, %s] in synchronizer %s", gap.Start, gap.End, cfg.SynchronizerID))
	}

	result := Result{Gaps: gaps}
	if cfg.DryRun || len(gaps) == 0 {
		return result, nil
	}

	limit := len(gaps)
	if cfg.MaxGaps > 0 && cfg.MaxGaps < limit {
		limit = cfg.MaxGaps
		logger.Warn().Int("total_gaps", len(gaps)).Int("max_gaps", cfg.MaxGaps).Msg("dropping remaining gaps past max-gaps limit")
	}

	for _, gap := range gaps[:limit] {
		n, err := recoverGap(ctx, cfg, gap)
		if err != nil {
			return result, fmt.Errorf("recover gap [%s, %s]: %w", gap.Start, gap.End, err)
		}
		result.Recovered++
		publish(cfg.Broker, events.GapRecovered, fmt.Sprintf("recovered %d rows in gap [%s, %s]", n, gap.Start, gap.End))
	}

	if err := cfg.Uploader.Drain(ctx); err != nil {
		return result, fmt.Errorf("drain recovered uploads: %w", err)
	}
	metrics.GapsRecoveredTotal.Add(float64(limit))

	return result, nil
}

func publish(b *events.Broker, typ events.Type, msg string) {
	if b == nil {
		return
	}
	b.Publish(&events.Event{Type: typ, Message: msg})
}

type fileRange struct {
	key      string
	min, max time.Time
}

// fileRanges lists every durable update file for cfg.MigrationID,
// reads each one, and computes the (min, max) record_time of the rows
// belonging to cfg.SynchronizerID. Files with no matching rows are
// skipped: partitioning is by migration+day only (spec.md §4.1), so
// one file may legitimately hold rows from more than one synchronizer.
func fileRanges(ctx context.Context, cfg Config) ([]fileRange, error) {
	prefix := partition.LedgerPrefix(cfg.MigrationID, partition.KindUpdates, cfg.Source)
	objs, err := cfg.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var out []fileRange
	for _, o := range objs {
		r, err := cfg.Store.Get(ctx, o.Key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", o.Key, err)
		}
		rows, err := encode.ReadJSONBatchFrom(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", o.Key, err)
		}

		var min, max time.Time
		found := false
		for _, raw := range rows {
			var u types.Update
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, fmt.Errorf("decode update row in %s: %w", o.Key, err)
			}
			if u.SynchronizerID != cfg.SynchronizerID {
				continue
			}
			if !found || u.RecordTime.Before(min) {
				min = u.RecordTime
			}
			if !found || u.RecordTime.After(max) {
				max = u.RecordTime
			}
			found = true
		}
		if found {
			out = append(out, fileRange{key: o.Key, min: min, max: max})
		}
	}
	return out, nil
}

// recoverGap bounds a C6 backfill walk to [gap.Start, gap.End],
// deduplicates every row against the seen-update-id index, and writes
// survivors through the same encode/upload path a shard uses.
func recoverGap(ctx context.Context, cfg Config, gap Gap) (int, error) {
	bc := fetch.NewBackfillCursor(cfg.Fetcher, gap.End, gap.Start)

	recovered := 0
	for !bc.Done() {
		res, err := bc.Next(ctx)
		if err != nil {
			return recovered, err
		}
		switch res.Kind {
		case fetch.Failure:
			return recovered, res.Err
		case fetch.SuccessEmpty:
			continue
		case fetch.SuccessData:
			n, err := commitRecoveredPage(ctx, cfg, res)
			if err != nil {
				return recovered, err
			}
			recovered += n
		}
	}
	return recovered, nil
}

func commitRecoveredPage(ctx context.Context, cfg Config, res fetch.Result) (int, error) {
	var updates []types.Update
	var events []types.Event

	for _, raw := range res.Rows {
		u, evs, err := normalize.Normalize(raw, cfg.NormalizeMode)
		if err != nil {
			if cfg.NormalizeMode == normalize.ModeStrict {
				return 0, fmt.Errorf("normalize: %w", err)
			}
			continue
		}

		seen, err := cfg.Dedup.Seen(u.UpdateID)
		if err != nil {
			return 0, fmt.Errorf("dedup lookup: %w", err)
		}
		if seen {
			continue
		}
		if err := cfg.Dedup.MarkSeen(u.UpdateID); err != nil {
			return 0, fmt.Errorf("mark seen: %w", err)
		}

		updates = append(updates, u)
		events = append(events, evs...)
	}

	if len(updates) == 0 {
		return 0, nil
	}

	updateGroups := map[string][]any{}
	for _, u := range updates {
		path := partition.Ledger(u.RecordTime, cfg.MigrationID, partition.KindUpdates, cfg.Source)
		updateGroups[path] = append(updateGroups[path], u)
	}
	eventsByUpdate := map[string]time.Time{}
	for _, u := range updates {
		eventsByUpdate[u.UpdateID] = u.RecordTime
	}
	eventGroups := map[string][]any{}
	for _, e := range events {
		t, ok := eventsByUpdate[e.UpdateID]
		if !ok {
			continue
		}
		path := partition.Ledger(t, cfg.MigrationID, partition.KindEvents, cfg.Source)
		eventGroups[path] = append(eventGroups[path], e)
	}

	for kind, groups := range map[string]map[string][]any{"updates": updateGroups, "events": eventGroups} {
		for path, rows := range groups {
			item, err := submitGroup(ctx, cfg, kind, path, rows)
			if err != nil {
				return 0, err
			}
			if err := cfg.Uploader.Enqueue(ctx, item); err != nil {
				return 0, fmt.Errorf("enqueue %s: %w", item.LocalPath, err)
			}
		}
	}

	return len(updates), nil
}

func submitGroup(ctx context.Context, cfg Config, kind, partitionPath string, rows []any) (upload.Item, error) {
	name := fmt.Sprintf("%s-%d-%s.bin", kind, time.Now().UnixMilli(), uuid.New().String()[:8])
	remotePath := filepath.Join(partitionPath, name)
	localPath := filepath.Join(cfg.DataDir, remotePath)

	job := encode.Job{
		Kind:             kind,
		Shard:            "gaprecovery",
		TargetPath:       localPath,
		Batch:            encode.JSONBatch{Rows: rows, Level: encode.ZstdLevel(cfg.CompressionLevel)},
		CompressionLevel: cfg.CompressionLevel,
	}
	if err := cfg.Encoder.Submit(ctx, job); err != nil {
		return upload.Item{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return upload.Item{LocalPath: localPath, RemotePath: remotePath}, nil
}
