// Package repair implements the offline partition reshard described
// in spec.md §4.11: re-derive the correct partition for every row in a
// durable file, compare against the file's current location, and
// skip/move/split accordingly. Dry-run by default; nothing is written
// or deleted unless Config.Execute is set.
//
// Only the KindUpdates tree is repaired: spec.md §4.2's normalizer
// contract gives every update row its own RecordTime, but an event row
// carries none of its own (it belongs to a parent update and inherits
// that update's timing, see pkg/normalize) — recomputing a correct
// partition for an events-only file would require cross-referencing
// the sibling updates file, which the generic repair tool does not
// attempt. See DESIGN.md's Open Question (f).
package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/events"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/metrics"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/google/uuid"
)

// Action is the repair outcome for one file.
type Action string

const (
	ActionSkip  Action = "skip"
	ActionMove  Action = "move"
	ActionSplit Action = "split"
)

// Config configures one repair pass over a migration's updates tree.
type Config struct {
	Store       objectstore.ObjectStore
	MigrationID int64
	Source      partition.Source

	// Execute performs the move/split/delete; without it, Run only reports.
	Execute bool
	// Verify re-reads every destination written under Execute and
	// re-checks partition alignment.
	Verify bool

	// Broker publishes partition.repaired lifecycle events. Optional;
	// nil skips publication entirely.
	Broker *events.Broker
}

// FileReport is the outcome of repairing (or merely inspecting) one file.
type FileReport struct {
	SourceKey  string
	Action     Action
	TargetKeys []string
	Verified   bool
	Err        error
}

// Run walks every durable updates file for cfg.MigrationID and repairs
// (or reports) its partition placement.
func Run(ctx context.Context, cfg Config) ([]FileReport, error) {
	logger := log.WithComponent("repair")

	prefix := partition.LedgerPrefix(cfg.MigrationID, partition.KindUpdates, cfg.Source)
	objs, err := cfg.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var reports []FileReport
	for _, o := range objs {
		rep := repairFile(ctx, cfg, o.Key)
		reports = append(reports, rep)
		if rep.Action != ActionSkip {
			metrics.PartitionsRepairedTotal.WithLabelValues(string(rep.Action)).Inc()
			logger.Info().Str("key", rep.SourceKey).Str("action", string(rep.Action)).Msg("partition repaired")
			if cfg.Broker != nil {
				cfg.Broker.Publish(&events.Event{
					Type:    events.PartitionRepaired,
					Message: fmt.Sprintf("%s %s -> %v", rep.Action, rep.SourceKey, rep.TargetKeys),
				})
			}
		}
	}
	return reports, nil
}

func repairFile(ctx context.Context, cfg Config, key string) FileReport {
	rows, err := readUpdates(ctx, cfg.Store, key)
	if err != nil {
		return FileReport{SourceKey: key, Err: err}
	}

	currentDir := filepath.Dir(key)
	byPartition := map[string][]types.Update{}
	for _, u := range rows {
		p := partition.Ledger(u.RecordTime, cfg.MigrationID, partition.KindUpdates, cfg.Source)
		byPartition[p] = append(byPartition[p], u)
	}

	if len(byPartition) == 1 {
		for p := range byPartition {
			if p == currentDir {
				return FileReport{SourceKey: key, Action: ActionSkip}
			}
		}
	}

	action := ActionMove
	if len(byPartition) > 1 {
		action = ActionSplit
	}

	report := FileReport{SourceKey: key, Action: action}

	if !cfg.Execute {
		var targets []string
		for p := range byPartition {
			targets = append(targets, p)
		}
		sort.Strings(targets)
		report.TargetKeys = targets
		return report
	}

	var written []string
	for p, group := range byPartition {
		target, err := writeGroup(ctx, cfg.Store, p, group)
		if err != nil {
			report.Err = err
			return report
		}
		written = append(written, target)
	}
	sort.Strings(written)
	report.TargetKeys = written

	if err := cfg.Store.Delete(ctx, key); err != nil {
		report.Err = fmt.Errorf("delete source %s: %w", key, err)
		return report
	}

	if cfg.Verify {
		ok, err := verify(ctx, cfg, written)
		if err != nil {
			report.Err = err
			return report
		}
		report.Verified = ok
	}

	return report
}

func readUpdates(ctx context.Context, store objectstore.ObjectStore, key string) ([]types.Update, error) {
	r, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer r.Close()

	rawRows, err := encode.ReadJSONBatchFrom(r)
	if err != nil {
		return nil, &errkind.PartitionRepairError{Action: "decode", Path: key, Err: err}
	}

	rows := make([]types.Update, len(rawRows))
	for i, raw := range rawRows {
		if err := json.Unmarshal(raw, &rows[i]); err != nil {
			return nil, &errkind.PartitionRepairError{Action: "decode", Path: key, Err: err}
		}
	}
	return rows, nil
}

func writeGroup(ctx context.Context, store objectstore.ObjectStore, partitionPath string, rows []types.Update) (string, error) {
	name := fmt.Sprintf("updates-%d-%s.bin", time.Now().UnixMilli(), uuid.New().String()[:8])
	target := filepath.Join(partitionPath, name)

	tmpFile, err := os.CreateTemp("", "repair-*.bin")
	if err != nil {
		return "", fmt.Errorf("create temp batch: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	anyRows := make([]any, len(rows))
	for i, r := range rows {
		anyRows[i] = r
	}
	batch := encode.JSONBatch{Rows: anyRows, Level: encode.ZstdLevel(3)}
	if err := batch.Encode(tmpFile); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("encode repaired batch: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close temp batch: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", fmt.Errorf("reopen temp batch: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat temp batch: %w", err)
	}
	if err := store.Put(ctx, target, f, info.Size()); err != nil {
		return "", fmt.Errorf("put %s: %w", target, err)
	}
	return target, nil
}

func verify(ctx context.Context, cfg Config, keys []string) (bool, error) {
	for _, key := range keys {
		rows, err := readUpdates(ctx, cfg.Store, key)
		if err != nil {
			return false, err
		}
		dir := filepath.Dir(key)
		for _, u := range rows {
			want := partition.Ledger(u.RecordTime, cfg.MigrationID, partition.KindUpdates, cfg.Source)
			if want != dir {
				return false, nil
			}
		}
	}
	return true, nil
}
