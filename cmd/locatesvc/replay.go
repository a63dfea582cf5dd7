package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stocklend/locatesvc/internal/audit"
	"github.com/stocklend/locatesvc/internal/config"
	"github.com/stocklend/locatesvc/internal/store/postgres"
)

func newAuditCmd(cfgPath *string) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail maintenance",
	}

	var spillDir string
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconcile spilled audit records into Postgres",
		Long: `Reads the JSONL spill files written when the audit pipeline could not
reach Postgres and inserts their records. Inserted lines are dropped from
the spill; lines that still fail stay behind for the next pass. Run this
while the writing service is stopped, or point it at a rotated directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger := newLogger(cfg.Log)

			dir := spillDir
			if dir == "" {
				dir = cfg.Audit.SpillDir
			}

			pg, err := postgres.NewManager(cfg.DB, logger)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer pg.Close()

			stats, err := audit.Replay(cmd.Context(), dir, pg, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "files=%d replayed=%d remaining=%d\n",
				stats.Files, stats.Replayed, stats.Remaining)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			return nil
		},
	}
	replayCmd.Flags().StringVar(&spillDir, "spill", "", "spill directory (defaults to audit.spill_dir from config)")

	auditCmd.AddCommand(replayCmd)
	return auditCmd
}
