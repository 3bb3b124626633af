package main

import (
	"fmt"

	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/repair"
	"github.com/spf13/cobra"
)

var repairPartitionsCmd = &cobra.Command{
	Use:   "repair-partitions",
	Short: "Reshard a migration's durable updates tree to match its correct partition layout",
	RunE:  runRepairPartitions,
}

func init() {
	repairPartitionsCmd.Flags().Int64("migration", 0, "migration id to repair")
	repairPartitionsCmd.Flags().Bool("execute", false, "perform the move/split/delete; without it, only report")
	repairPartitionsCmd.Flags().Bool("verify", false, "re-read every destination after execute and re-check alignment")
	repairPartitionsCmd.Flags().String("stream", "backfill", "partition source tree to repair: backfill or updates")
	_ = repairPartitionsCmd.MarkFlagRequired("migration")
}

func runRepairPartitions(cmd *cobra.Command, args []string) error {
	migrationID, _ := cmd.Flags().GetInt64("migration")
	execute, _ := cmd.Flags().GetBool("execute")
	verify, _ := cmd.Flags().GetBool("verify")
	stream, _ := cmd.Flags().GetString("stream")

	var source partition.Source
	switch stream {
	case "backfill":
		source = partition.SourceBackfill
	case "updates":
		source = partition.SourceUpdates
	default:
		return fmt.Errorf("unknown --stream %q: must be backfill or updates", stream)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("build object store: %w", err)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	logger := log.WithComponent("repair-partitions").With().
		Int64("migration_id", migrationID).
		Str("stream", stream).
		Logger()

	reports, err := repair.Run(ctx, repair.Config{
		Store:       store,
		MigrationID: migrationID,
		Source:      source,
		Execute:     execute,
		Verify:      verify,
		Broker:      broker,
	})
	if err != nil {
		return fmt.Errorf("repair partitions: %w", err)
	}

	failed := 0
	unverified := 0
	for _, r := range reports {
		if r.Err != nil {
			failed++
			logger.Error().Str("key", r.SourceKey).Err(r.Err).Msg("repair failed")
			continue
		}
		if execute && verify && r.Action != repair.ActionSkip && !r.Verified {
			unverified++
			logger.Error().Str("key", r.SourceKey).Msg("repair wrote targets but verification failed")
		}
	}

	logger.Info().Int("files", len(reports)).Int("failed", failed).Int("unverified", unverified).Msg("partition repair pass complete")

	if failed > 0 || unverified > 0 {
		return fmt.Errorf("repair-partitions: %d failures, %d unverified targets", failed, unverified)
	}
	return nil
}
