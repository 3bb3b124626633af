package shard

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/cursor"
	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/fetch"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/normalize"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/google/uuid"
)

// Driver owns one shard's cursor, fetcher, and sub-window, and drives
// the commit loop described in spec.md §4.7: fetch -> normalize ->
// cursor.Begin -> encode -> cursor.Commit -> enqueue upload, draining
// and confirming the cursor's remote position every CommitsPerDrain
// commits and at shard completion.
type Driver struct {
	Index int
	Total int

	MigrationID    int64
	SynchronizerID string
	Source         partition.Source

	Fetcher  *fetch.Fetcher
	Cursor   *cursor.Store
	Encoder  *encode.Pool
	Uploader *upload.Queue

	NormalizeMode    normalize.Mode
	DataDir          string
	CommitsPerDrain  int
	CompressionLevel int

	// Broker publishes shard.started/shard.complete lifecycle events.
	// Optional; nil skips publication entirely.
	Broker *events.Broker
}

// RunBackfill drives the shard's commit loop across its sub-window
// [shardMin, shardMax]. It returns nil only once the shard's cursor has
// been marked complete; any other outcome (fetch failure, encode
// failure) returns a non-nil error after recording it on the cursor, so
// the calling command can exit non-zero without losing the shard's
// last committed position.
func (d *Driver) RunBackfill(ctx context.Context, shardMin, shardMax time.Time) error {
	logger := log.WithShard(d.Index)
	d.publish(events.ShardStarted, fmt.Sprintf("shard %d starting over [%s, %s]", d.Index, shardMin, shardMax))

	before := shardMax
	if resume := d.Cursor.ResumePosition(); !resume.IsZero() && resume.Before(shardMax) {
		before = resume
	}

	bc := fetch.NewBackfillCursor(d.Fetcher, before, shardMin)

	commits := 0
	for !bc.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := bc.Next(ctx)
		if err != nil {
			return err
		}

		switch res.Kind {
		case fetch.Failure:
			_ = d.Cursor.SetError(res.Err)
			logger.Error().Err(res.Err).Msg("fetch failed, shard exiting")
			return res.Err

		case fetch.SuccessEmpty:
			continue

		case fetch.SuccessData:
			if err := d.commitPage(ctx, res); err != nil {
				_ = d.Cursor.SetError(err)
				return err
			}
			commits++
			if d.CommitsPerDrain > 0 && commits%d.CommitsPerDrain == 0 {
				if err := d.drainAndConfirm(ctx); err != nil {
					return err
				}
			}
		}
	}

	if err := d.drainAndConfirm(ctx); err != nil {
		return err
	}

	if err := d.Cursor.MarkComplete(); err != nil {
		return fmt.Errorf("mark shard complete: %w", err)
	}

	logger.Info().Msg("shard complete")
	d.publish(events.ShardComplete, fmt.Sprintf("shard %d complete", d.Index))
	return nil
}

func (d *Driver) publish(typ events.Type, msg string) {
	if d.Broker == nil {
		return
	}
	d.Broker.Publish(&events.Event{
		Type:    typ,
		Message: msg,
		Metadata: map[string]string{
			"migration_id":    fmt.Sprintf("%d", d.MigrationID),
			"synchronizer_id": d.SynchronizerID,
			"shard_index":     fmt.Sprintf("%d", d.Index),
		},
	})
}

// commitPage normalizes every row in a fetched page, partitions the
// resulting updates and events by day, encodes one file per partition,
// and only then commits the cursor — so a crash between encode and
// commit always resumes by re-fetching the same page rather than
// silently skipping it.
func (d *Driver) commitPage(ctx context.Context, res fetch.Result) error {
	var (
		updates          []types.Update
		events           []types.Event
		recordTimeByUpID = map[string]time.Time{}
	)

	for _, raw := range res.Rows {
		u, evs, err := normalize.Normalize(raw, d.NormalizeMode)
		if err != nil {
			if d.NormalizeMode == normalize.ModeStrict {
				return fmt.Errorf("normalize: %w", err)
			}
			log.Warn(fmt.Sprintf("skipping record that failed lenient normalization: %v", err))
			continue
		}
		updates = append(updates, u)
		recordTimeByUpID[u.UpdateID] = u.RecordTime
		events = append(events, evs...)
	}

	if len(updates) == 0 {
		return nil
	}

	earliest := res.NextCursor

	if err := d.Cursor.Begin(int64(len(updates)), int64(len(events)), earliest); err != nil {
		return fmt.Errorf("cursor begin: %w", err)
	}

	files, err := d.encodePartitions(ctx, updates, events, recordTimeByUpID)
	if err != nil {
		if rbErr := d.Cursor.Rollback(); rbErr != nil {
			log.Error(fmt.Sprintf("rollback failed after encode error: %v", rbErr))
		}
		return fmt.Errorf("encode partitions: %w", err)
	}

	if err := d.Cursor.Commit(); err != nil {
		return fmt.Errorf("cursor commit: %w", err)
	}

	for _, f := range files {
		if err := d.Uploader.Enqueue(ctx, f); err != nil {
			return fmt.Errorf("enqueue upload for %s: %w", f.LocalPath, err)
		}
	}

	return nil
}

// encodePartitions groups updates and events by their UTC-day partition
// path and submits one encode job per group. Within one fetched page,
// rows may straddle a day boundary; every group becomes its own file so
// the partition invariant (identical timestamp -> identical path) never
// depends on page boundaries.
func (d *Driver) encodePartitions(ctx context.Context, updates []types.Update, events []types.Event, recordTimeByUpID map[string]time.Time) ([]upload.Item, error) {
	updateGroups := map[string][]types.Update{}
	for _, u := range updates {
		path := partition.Ledger(u.RecordTime, d.MigrationID, partition.KindUpdates, d.Source)
		updateGroups[path] = append(updateGroups[path], u)
	}

	eventGroups := map[string][]types.Event{}
	for _, e := range events {
		t := recordTimeByUpID[e.UpdateID]
		path := partition.Ledger(t, d.MigrationID, partition.KindEvents, d.Source)
		eventGroups[path] = append(eventGroups[path], e)
	}

	var items []upload.Item

	for path, rows := range updateGroups {
		item, err := d.encodeGroup(ctx, "updates", path, toAnySlice(rows))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	for path, rows := range eventGroups {
		item, err := d.encodeGroup(ctx, "events", path, toAnySlice(rows))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

func (d *Driver) encodeGroup(ctx context.Context, kind, partitionPath string, rows []any) (upload.Item, error) {
	name := fmt.Sprintf("%s-%d-%s.bin", kind, time.Now().UnixMilli(), uuid.New().String()[:8])
	remotePath := filepath.Join(partitionPath, name)
	localPath := filepath.Join(d.DataDir, remotePath)

	job := encode.Job{
		Kind:             kind,
		Shard:            fmt.Sprintf("%d", d.Index),
		TargetPath:       localPath,
		Batch:            encode.JSONBatch{Rows: rows, Level: encode.ZstdLevel(d.CompressionLevel)},
		CompressionLevel: d.CompressionLevel,
	}

	if err := d.Encoder.Submit(ctx, job); err != nil {
		return upload.Item{}, err
	}

	return upload.Item{LocalPath: localPath, RemotePath: remotePath}, nil
}

func (d *Driver) drainAndConfirm(ctx context.Context) error {
	if err := d.Uploader.Drain(ctx); err != nil {
		return fmt.Errorf("drain upload queue: %w", err)
	}

	snap := d.Cursor.Snapshot()
	if err := d.Cursor.ConfirmGCS(snap.LastBefore, snap.TotalUpdates-snap.GCSConfirmedUpdates, snap.TotalEvents-snap.GCSConfirmedEvents); err != nil {
		return fmt.Errorf("confirm gcs: %w", err)
	}
	return nil
}

func toAnySlice[T any](rows []T) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
