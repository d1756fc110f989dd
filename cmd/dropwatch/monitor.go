package main

import (
	"context"
	"log/slog"

	"github.com/fibreops/dropwatch/internal/daemon"
	"github.com/fibreops/dropwatch/internal/engine"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run a single monitoring cycle and exit",
	Long:  `Fetches, classifies and synchronizes one batch per enabled group, then exits. Exit code is non-zero when any group's cycle fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupFilter, _ := cmd.Flags().GetString("group")

		ctx := context.Background()
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

		return sched.RunOnce(ctx)
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringP("group", "g", "", "monitor only this group id")
}
