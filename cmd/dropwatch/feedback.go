package main

import (
	"context"
	"log/slog"

	"github.com/fibreops/dropwatch/internal/engine"
	"github.com/fibreops/dropwatch/internal/errors"

	"github.com/spf13/cobra"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Send missing-photo feedback for incomplete QA reviews",
	Long: `Walks the review database for drops QA has flagged incomplete and asks
the field team for the missing photos, at most once per drop until the drop
is resubmitted. Groups need db_write and feedback enabled to take part.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupFilter, _ := cmd.Flags().GetString("group")
		force, _ := cmd.Flags().GetBool("force")

		ctx := context.Background()
		comps, err := buildComponents(ctx, cfg, groupFilter)
		if err != nil {
			return err
		}
		defer comps.Close()

		swept := 0
		for i := range cfg.Groups {
			group := cfg.Groups[i]
			if groupFilter != "" && group.ID != groupFilter {
				continue
			}
			if !group.Feedback || !group.DBWrite {
				continue
			}
			tracker, ok := comps.Trackers[group.ID]
			if !ok {
				continue
			}

			sweep, err := engine.NewFeedbackSweep(engine.FeedbackParams{
				Group:   group,
				Log:     slog.Default(),
				Reviews: comps.postgres,
				Tracker: tracker,
				Channel: comps.channel,
				DryRun:  cfg.Monitor.DryRun,
				Force:   force,
			})
			if err != nil {
				return errors.Wrap(err, "wire feedback sweep for "+group.ID)
			}

			summary, err := sweep.Run(ctx)
			if err != nil {
				return errors.Wrap(err, "feedback sweep for "+group.ID)
			}
			slog.Info("feedback sweep finished",
				"group", summary.Group,
				"reviewed", summary.Reviewed,
				"sent", summary.Sent,
				"suppressed", summary.Suppressed)
			swept++
		}

		if swept == 0 {
			return errors.InvalidInput("no group has both db_write and feedback enabled")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(feedbackCmd)
	feedbackCmd.Flags().StringP("group", "g", "", "sweep only this group id")
	feedbackCmd.Flags().Bool("force", false, "resend feedback even for drops already notified")
}
