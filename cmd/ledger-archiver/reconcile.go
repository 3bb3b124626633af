package main

import (
	"fmt"
	"path/filepath"

	"github.com/bstolman1/ledger-archiver/pkg/cursor"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/partition"
	"github.com/bstolman1/ledger-archiver/pkg/reconcile"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check a migration's shard cursors for drift against durable object-store state",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().Int64("migration", 0, "migration id to reconcile")
	reconcileCmd.Flags().Bool("fix", false, "rewrite a drifted cursor to the store-derived position")
	_ = reconcileCmd.MarkFlagRequired("migration")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	migrationID, _ := cmd.Flags().GetInt64("migration")
	fix, _ := cmd.Flags().GetBool("fix")

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

	logger := log.WithComponent("reconcile").With().Int64("migration_id", migrationID).Logger()

	cursorGlob := filepath.Join(cfg.CursorDir, fmt.Sprintf("backfill-m%d-*.json", migrationID))
	matches, err := filepath.Glob(cursorGlob)
	if err != nil {
		return fmt.Errorf("glob cursor files: %w", err)
	}
	if len(matches) == 0 {
		logger.Info().Msg("no cursors found for migration, nothing to reconcile")
		return nil
	}

	drifted := false
	for _, path := range matches {
		cs, err := cursor.Open(path, migrationID, cfg.SynchronizerID, 0)
		if err != nil {
			return fmt.Errorf("open cursor %s: %w", path, err)
		}

		report, err := reconcile.Run(ctx, reconcile.Config{
			Store:       store,
			Cursor:      cs,
			MigrationID: migrationID,
			Source:      partition.SourceBackfill,
			Kind:        partition.KindUpdates,
			Fix:         fix,
		})
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", path, err)
		}

		if report.Drifted && !report.Fixed {
			drifted = true
			logger.Warn().
				Str("cursor", path).
				Time("cursor_position", report.CursorPosition).
				Time("store_position", report.StorePosition).
				Msg("cursor drift detected")
		} else if report.Drifted && report.Fixed {
			logger.Info().Str("cursor", path).Msg("cursor drift detected and repaired")
		}
	}

	if drifted {
		return fmt.Errorf("reconcile: drift detected in one or more cursors for migration %d", migrationID)
	}
	return nil
}
