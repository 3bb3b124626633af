package main

import (
	"fmt"
	"path/filepath"

	"github.com/bstolman1/ledger-archiver/pkg/cursor"
	"github.com/bstolman1/ledger-archiver/pkg/encode"
	"github.com/bstolman1/ledger-archiver/pkg/fetch"
	"github.com/bstolman1/ledger-archiver/pkg/localstate"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/normalize"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/shard"
	"github.com/bstolman1/ledger-archiver/pkg/upload"
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill one shard's historical window for a migration's synchronizer",
	RunE:  runBackfill,
}

func init() {
	backfillCmd.Flags().Int("shard-index", 0, "this shard's index in [0, shard-total)")
	backfillCmd.Flags().Int("shard-total", 1, "total number of shards covering the backfill window")
	backfillCmd.Flags().Int64("migration", 0, "migration id to backfill")
	_ = backfillCmd.MarkFlagRequired("migration")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	shardIndex, _ := cmd.Flags().GetInt("shard-index")
	shardTotal, _ := cmd.Flags().GetInt("shard-total")
	migrationID, _ := cmd.Flags().GetInt64("migration")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	minTime, maxTime, err := cfg.BackfillWindow()
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("build object store: %w", err)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	if err := runPreflight(ctx, cfg, store); err != nil {
		return err
	}

	serveMetrics(cfg)

	logger := log.WithMigration(migrationID).With().
		Str("synchronizer_id", cfg.SynchronizerID).
		Int("shard_index", shardIndex).
		Logger()

	cursorPath := filepath.Join(cfg.CursorDir, fmt.Sprintf("backfill-m%d-%s-s%d.json", migrationID, cfg.SynchronizerID, shardIndex))
	cs, err := cursor.Open(cursorPath, migrationID, cfg.SynchronizerID, shardIndex)
	if err != nil {
		return fmt.Errorf("open cursor: %w", err)
	}
	cs.SetBroker(broker)

	deadLetter, err := localstate.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open local state: %w", err)
	}
	defer deadLetter.Close()

	uploader := upload.NewQueue(upload.Config{
		Store:          store,
		DeadLetter:     deadLetter,
		Workers:        cfg.GCSUploadConcurrency,
		HighWaterCount: cfg.GCSQueueHighWater,
		LowWaterCount:  cfg.GCSQueueLowWater,
		HighWaterBytes: cfg.GCSByteHighWater,
		LowWaterBytes:  cfg.GCSByteLowWater,
		MaxRetries:     cfg.GCSMaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		Broker:         broker,
	})

	pool := encode.NewPool(cfg.MaxWorkers, cfg.GCSMaxRetries)

	fetcher := fetch.New(fetch.Config{
		Source:         buildFetchSource(cfg),
		ShardLabel:     fmt.Sprintf("%d", shardIndex),
		MaxRetries:     cfg.GCSMaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		Broker:         broker,
	})

	shardMin, shardMax := shard.Window(minTime, maxTime, shardIndex, shardTotal)

	driver := &shard.Driver{
		Index:            shardIndex,
		Total:            shardTotal,
		MigrationID:      migrationID,
		SynchronizerID:   cfg.SynchronizerID,
		Source:           partition.SourceBackfill,
		Fetcher:          fetcher,
		Cursor:           cs,
		Encoder:          pool,
		Uploader:         uploader,
		NormalizeMode:    normalize.ModeStrict,
		DataDir:          cfg.DataDir,
		CommitsPerDrain:  cfg.GCSUploadConcurrency,
		CompressionLevel: cfg.ZstdLevel,
		Broker:           broker,
	}

	logger.Info().Time("shard_min", shardMin).Time("shard_max", shardMax).Msg("starting backfill shard")

	if err := driver.RunBackfill(ctx, shardMin, shardMax); err != nil {
		return fmt.Errorf("shard %d backfill failed: %w", shardIndex, err)
	}
	return nil
}
