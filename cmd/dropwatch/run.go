package main

import (
	"context"
	"log/slog"

	"github.com/fibreops/dropwatch/internal/daemon"
	"github.com/fibreops/dropwatch/internal/engine"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring daemon",
	Long:  `Starts one polling loop per enabled group and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupFilter, _ := cmd.Flags().GetString("group")

		handler := NewSignalHandler(context.Background())
		handler.Start()
		defer handler.Stop()
		ctx := handler.Context()

		comps, err := buildComponents(ctx, cfg, groupFilter)
		if err != nil {
			return err
		}
		defer comps.Close()

		if _, err := daemon.Preflight(ctx, comps.HealthChecks()); err != nil {
			return err
		}

		sched, err := engine.NewScheduler(slog.Default(), engine.SystemClock{}, comps.Entries)
		if err != nil {
			return err
		}

		slog.Info("Dropwatch daemon started",
			"groups", len(comps.Entries),
			"dry_run", cfg.Monitor.DryRun)

		return sched.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("group", "g", "", "monitor only this group id")
}
