// Package snapshot implements the ACS (active contract set) writer
// described in spec.md §4.8: a streamed, partitioned dump of one
// point-in-time contract set, finalized by an atomic _COMPLETE marker
// and pruned by a keep-K retention policy that never touches an
// in-progress directory.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/objectstore"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/types"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/google/uuid"
)

// completeMarker is the file that promotes a snapshot directory from
// in-progress to readable. Its presence, not its content, is the
// contract readers rely on; the content is kept only for operator
// visibility.
const completeMarker = "_COMPLETE"

// Source yields the rows of one ACS snapshot run. Like fetch.LedgerSource,
// the wire protocol that produces these rows is an out-of-scope external
// collaborator (SPEC_FULL.md §1); Writer only depends on this interface.
type Source interface {
	// Next returns the next batch of contract rows, or io.EOF-equivalent
	// via the ok=false return once the snapshot is exhausted.
	Next(ctx context.Context) (rows []types.ACSContract, ok bool, err error)
}

// Config configures a Writer.
type Config struct {
	MigrationID      int64
	SnapshotTime     time.Time
	MaxRowsPerFile   int
	CompressionLevel int
	DataDir          string

	Store    objectstore.ObjectStore
	Encoder  *encode.Pool
	Uploader *upload.Queue

	// RetainSnapshots is the minimum number of complete snapshots of
	// this migration kept after this run finalizes; older complete
	// snapshots beyond this count are deleted. Defaults to 2.
	RetainSnapshots int
}

// Writer drives one ACS snapshot run to completion: stream rows from
// Source, batch them into MaxRowsPerFile-sized files, upload each via
// the shared encode/upload pipeline, then finalize with _COMPLETE and
// prune old complete snapshots of the same migration.
type Writer struct {
	cfg        Config
	snapshotID string
	partition  string
}

// NewWriter creates a Writer for one snapshot run, fixing its
// snapshot_id (HHMMSS of cfg.SnapshotTime) and partition path up front
// so every file this run produces lands under the same directory.
func NewWriter(cfg Config) *Writer {
	if cfg.RetainSnapshots <= 0 {
		cfg.RetainSnapshots = 2
	}
	snapshotID := partition.SnapshotID(cfg.SnapshotTime)
	return &Writer{
		cfg:        cfg,
		snapshotID: snapshotID,
		partition:  partition.ACS(cfg.SnapshotTime, cfg.MigrationID, snapshotID),
	}
}

// Run streams src to completion, uploads every file it produces,
// writes the _COMPLETE marker, and prunes old complete snapshots. It
// returns the number of rows and files written.
func (w *Writer) Run(ctx context.Context, src Source) (rows int, files int, err error) {
	logger := log.WithComponent("snapshot")

	fileIndex := 0
	for {
		batch, ok, err := src.Next(ctx)
		if err != nil {
			return rows, files, fmt.Errorf("snapshot source: %w", err)
		}
		if !ok {
			break
		}
		if len(batch) == 0 {
			continue
		}

		for start := 0; start < len(batch); start += w.cfg.MaxRowsPerFile {
			end := start + w.cfg.MaxRowsPerFile
			if end > len(batch) {
				end = len(batch)
			}
			item, err := w.writeFile(ctx, fileIndex, batch[start:end])
			if err != nil {
				return rows, files, err
			}
			fileIndex++
			files++
			rows += end - start

			if err := w.cfg.Uploader.Enqueue(ctx, item); err != nil {
				return rows, files, fmt.Errorf("enqueue acs file: %w", err)
			}
		}
	}

	if files == 0 {
		return 0, 0, &errkind.EncodeError{BatchID: w.snapshotID, Err: fmt.Errorf("snapshot produced zero files")}
	}

	if err := w.cfg.Uploader.Drain(ctx); err != nil {
		return rows, files, fmt.Errorf("drain acs uploads: %w", err)
	}

	if err := w.finalize(ctx, rows, files); err != nil {
		return rows, files, err
	}

	pruned, err := w.prune(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("acs retention prune failed, snapshot still complete")
	} else if pruned > 0 {
		logger.Info().Int("pruned", pruned).Msg("pruned old complete acs snapshots")
	}

	return rows, files, nil
}

func (w *Writer) writeFile(ctx context.Context, index int, rows []types.ACSContract) (upload.Item, error) {
	name := fmt.Sprintf("contracts-%05d-%s.parquet", index, uuid.New().String()[:8])
	remotePath := filepath.Join(w.partition, name)
	localPath := filepath.Join(w.cfg.DataDir, remotePath)

	job := encode.Job{
		Kind:             "contracts",
		Shard:            w.snapshotID,
		TargetPath:       localPath,
		Batch:            encode.JSONBatch{Rows: toAnySlice(rows), Level: encode.ZstdLevel(w.cfg.CompressionLevel)},
		CompressionLevel: w.cfg.CompressionLevel,
	}

	if err := w.cfg.Encoder.Submit(ctx, job); err != nil {
		return upload.Item{}, fmt.Errorf("encode acs file %s: %w", name, err)
	}

	return upload.Item{LocalPath: localPath, RemotePath: remotePath}, nil
}

// finalize writes the atomic completion marker via the same object
// store the data files went through, so the marker's durability is
// governed by the same Put contract as everything else in the run.
func (w *Writer) finalize(ctx context.Context, rows, files int) error {
	body := fmt.Sprintf("rows=%d\nfiles=%d\nfinalized_at=%s\n", rows, files, time.Now().UTC().Format(time.RFC3339Nano))
	key := filepath.Join(w.partition, completeMarker)
	if err := w.cfg.Store.Put(ctx, key, strings.NewReader(body), int64(len(body))); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}

// prune deletes complete snapshot directories of this migration beyond
// the newest RetainSnapshots, never considering a directory that lacks
// its own _COMPLETE marker. Directories are ordered by the marker's own
// ModTime rather than the directory name: the name embeds unpadded
// year=/month=/day= integers (spec.md §4.1), so lexicographic order
// would rank "day=9" after "day=10" and get the keep-K set wrong across
// a month or day-of-month boundary.
func (w *Writer) prune(ctx context.Context) (int, error) {
	migrationPrefix := partition.ACSPrefix(w.cfg.MigrationID)

	objs, err := w.cfg.Store.List(ctx, migrationPrefix)
	if err != nil {
		return 0, fmt.Errorf("list acs snapshots: %w", err)
	}

	completedAt := map[string]time.Time{}
	members := map[string][]string{}
	for _, o := range objs {
		dir := filepath.Dir(o.Key)
		members[dir] = append(members[dir], o.Key)
		if filepath.Base(o.Key) == completeMarker {
			completedAt[dir] = o.ModTime
		}
	}

	type snapshotDir struct {
		dir string
		at  time.Time
	}
	var dirs []snapshotDir
	for dir, at := range completedAt {
		dirs = append(dirs, snapshotDir{dir: dir, at: at})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].at.Before(dirs[j].at) })

	if len(dirs) <= w.cfg.RetainSnapshots {
		return 0, nil
	}

	toDelete := dirs[:len(dirs)-w.cfg.RetainSnapshots]
	pruned := 0
	for _, d := range toDelete {
		for _, key := range members[d.dir] {
			if err := w.cfg.Store.Delete(ctx, key); err != nil {
				return pruned, fmt.Errorf("delete %s: %w", key, err)
			}
		}
		pruned++
	}
	return pruned, nil
}

func toAnySlice(rows []types.ACSContract) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
