package main

import (
	"fmt"
	"os"

	"github.com/fibreops/dropwatch/internal/config"
	"github.com/fibreops/dropwatch/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dropwatch",
	Short: "Dropwatch QA monitor",
	Long:  `Dropwatch watches chat groups for drop reports and completion signals and keeps the QA systems of record in sync.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dropwatch/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("monitor.lookback_hours", config.DefaultMonitorLookbackHours, "how far back the first cycle fetches messages")
	rootCmd.PersistentFlags().Bool("monitor.dry_run", false, "log sink writes instead of applying them")
}
