package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/kapstong/integ-capstone-sub005/workflow"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Time out every pending approval whose deadline has passed, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := buildLogger(cfg.LogLevel, serviceName)

		b, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.close()

		engine, err := newEngine(cfg, b, logger)
		if err != nil {
			return err
		}
		sweeper, err := workflow.NewSweeper(engine, cfg.SweepSchedule, b.locker, logger)
		if err != nil {
			return err
		}
		n, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "timed out %d approval(s)\n", n)
		return nil
	},
}

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished workflow instances older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := buildLogger(cfg.LogLevel, serviceName)

		retention := cfg.Retention
		if cmd.Flags().Changed("older-than") {
			retention = purgeOlderThan
		}
		if retention <= 0 {
			return fmt.Errorf("retention must be positive, got %s", retention)
		}

		b, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer b.close()

		cutoff := time.Now().Add(-retention)
		n, err := b.store.PurgeInstances(cmd.Context(), cutoff)
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		logger.Info("purged finished instances", slog.Int("count", n), slog.Time("cutoff", cutoff))
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d instance(s)\n", n)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "override retention (e.g. 720h)")
}
