package main

import (
	"fmt"
	"time"

	"github.com/fibreops/dropwatch/internal/config"
	"github.com/fibreops/dropwatch/internal/dedup"
	"github.com/fibreops/dropwatch/internal/errors"
	"github.com/fibreops/dropwatch/internal/notify"
	"github.com/fibreops/dropwatch/internal/store"

	"github.com/spf13/cobra"
)

var trackersCmd = &cobra.Command{
	Use:   "trackers",
	Short: "Inspect and maintain a group's state files",
	Long: `Operates directly on a group's processed set and feedback tracker.
Without maintenance flags it prints the current counts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, _ := cmd.Flags().GetString("group")
		if groupID == "" {
			return errors.InvalidInput("--group is required")
		}
		if cfg.GroupByID(groupID) == nil {
			return errors.NotFound("group " + groupID + " is not configured")
		}

		resetKey, _ := cmd.Flags().GetString("reset")
		expire, _ := cmd.Flags().GetBool("expire")
		compact, _ := cmd.Flags().GetBool("compact")
		reinit, _ := cmd.Flags().GetBool("reinit-processed")

		processedPath, err := store.GetProcessedSetPath(groupID, cfg.Monitor.StateDir)
		if err != nil {
			return err
		}
		trackerPath, err := store.GetTrackerPath(groupID, cfg.Monitor.StateDir)
		if err != nil {
			return err
		}

		if reinit {
			if err := dedup.Reinitialize(processedPath); err != nil {
				return err
			}
			fmt.Printf("Processed set for %s reinitialized\n", groupID)
		}

		processed, err := dedup.NewStore(processedPath)
		if err != nil {
			return errors.Wrap(err, "rerun with --reinit-processed to discard the corrupt file")
		}
		tracker, err := notify.NewTracker(trackerPath)
		if err != nil {
			return err
		}

		if resetKey != "" {
			if err := tracker.Reset(resetKey, time.Now()); err != nil {
				return err
			}
			fmt.Printf("Feedback tracking reset for %s\n", resetKey)
		}

		if expire {
			retention, err := config.DurationOrDefault(cfg.Monitor.TrackerRetention, config.DefaultTrackerRetention)
			if err != nil {
				return err
			}
			removed, err := tracker.Expire(time.Now().Add(-retention))
			if err != nil {
				return err
			}
			fmt.Printf("Expired %d tracker entries older than %s\n", removed, retention)
		}

		if compact {
			compacted, err := processed.Compact(cfg.Monitor.ProcessedSetMax)
			if err != nil {
				return err
			}
			if compacted {
				fmt.Printf("Processed set compacted (was over %d entries)\n", cfg.Monitor.ProcessedSetMax)
			} else {
				fmt.Println("Processed set below the compaction threshold, nothing to do")
			}
		}

		fmt.Printf("Group:            %s\n", groupID)
		fmt.Printf("Processed keys:   %d\n", processed.Len())
		fmt.Printf("Suppressed drops: %d\n", tracker.Len())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trackersCmd)
	trackersCmd.Flags().StringP("group", "g", "", "group id (required)")
	trackersCmd.Flags().String("reset", "", "re-arm feedback for a tracker key, e.g. velo_test_DR0000123")
	trackersCmd.Flags().Bool("expire", false, "drop tracker entries older than the retention horizon")
	trackersCmd.Flags().Bool("compact", false, "compact the processed set if over the configured max")
	trackersCmd.Flags().Bool("reinit-processed", false, "replace a corrupt processed set with an empty one")
}
