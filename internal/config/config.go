package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fibreops/dropwatch/internal/errors"
	"github.com/fibreops/dropwatch/internal/pathutil"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Bridge   BridgeConfig   `koanf:"bridge"`
	Sheets   SheetsConfig   `koanf:"sheets"`
	Database DatabaseConfig `koanf:"database"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	Groups   []GroupConfig  `koanf:"groups"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
}

// BridgeConfig points at the WhatsApp bridge: its SQLite message log
// (read-only) and its local REST endpoint for outbound sends.
type BridgeConfig struct {
	MessagesDB  string `koanf:"messages_db"`
	BaseURL     string `koanf:"base_url"`
	SendTimeout string `koanf:"send_timeout"`
}

type SheetsConfig struct {
	SpreadsheetID   string `koanf:"spreadsheet_id"`
	CredentialsPath string `koanf:"credentials_path"`
	RequestTimeout  string `koanf:"request_timeout"`
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	RequestTimeout string `koanf:"request_timeout"`
}

type MonitorConfig struct {
	StateDir         string `koanf:"state_dir"`
	Schedule         string `koanf:"schedule"`
	LookbackHours    int    `koanf:"lookback_hours"`
	MaxContext       int    `koanf:"max_context"`
	MaxLookback      int    `koanf:"max_lookback"`
	ProcessedSetMax  int    `koanf:"processed_set_max"`
	TrackerRetention string `koanf:"tracker_retention"`
	DryRun           bool   `koanf:"dry_run"`
}

// GroupConfig is the declarative per-group record: one engine instance per
// group, no group-specific code branches.
type GroupConfig struct {
	ID                 string `koanf:"id"`
	Name               string `koanf:"name"`
	ChatJID            string `koanf:"chat_jid"`
	FeedbackJID        string `koanf:"feedback_jid"`
	SheetTab           string `koanf:"sheet_tab"`
	Schedule           string `koanf:"schedule"`
	DropDetection      bool   `koanf:"drop_detection"`
	CompletionTracking bool   `koanf:"completion_tracking"`
	SheetsWrite        bool   `koanf:"sheets_write"`
	DBWrite            bool   `koanf:"db_write"`
	Feedback           bool   `koanf:"feedback"`
}

const (
	DefaultServerLogLevel         = "info"
	DefaultBridgeBaseURL          = "http://localhost:8080"
	DefaultBridgeSendTimeout      = "15s"
	DefaultSheetsRequestTimeout   = "30s"
	DefaultDatabaseRequestTimeout = "10s"
	DefaultMonitorSchedule        = "@every 15s"
	DefaultMonitorLookbackHours   = 6
	DefaultMonitorMaxContext      = 50
	DefaultMonitorMaxLookback     = 10
	DefaultProcessedSetMax        = 1000
	DefaultTrackerRetention       = "720h"
)

func Load(cmd *cobra.Command) (*Config, error) {
	// Credentials (DATABASE_URL, GSHEET_ID, bridge address) commonly live in a
	// .env next to the binary; absence is not an error.
	_ = godotenv.Load()

	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.log_level":          DefaultServerLogLevel,
		"bridge.base_url":           DefaultBridgeBaseURL,
		"bridge.send_timeout":       DefaultBridgeSendTimeout,
		"sheets.request_timeout":    DefaultSheetsRequestTimeout,
		"database.request_timeout":  DefaultDatabaseRequestTimeout,
		"monitor.state_dir":         filepath.Join(os.Getenv("HOME"), ".dropwatch", "state"),
		"monitor.schedule":          DefaultMonitorSchedule,
		"monitor.lookback_hours":    DefaultMonitorLookbackHours,
		"monitor.max_context":       DefaultMonitorMaxContext,
		"monitor.max_lookback":      DefaultMonitorMaxLookback,
		"monitor.processed_set_max": DefaultProcessedSetMax,
		"monitor.tracker_retention": DefaultTrackerRetention,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".dropwatch", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("DROPWATCH_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DROPWATCH_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Post-Process: pick up the original deployment's environment variables
	// when the yaml leaves them blank.
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("NEON_DB_URL")
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Sheets.SpreadsheetID == "" {
		cfg.Sheets.SpreadsheetID = os.Getenv("GSHEET_ID")
	}
	if cfg.Sheets.CredentialsPath == "" {
		cfg.Sheets.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if cfg.Bridge.MessagesDB == "" {
		cfg.Bridge.MessagesDB = os.Getenv("WHATSAPP_DB_PATH")
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the invariants a monitor cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bridge.MessagesDB) == "" {
		return errors.InvalidInput("bridge.messages_db is required")
	}

	enabled := 0
	seen := make(map[string]bool)
	for _, g := range c.Groups {
		if strings.TrimSpace(g.ID) == "" {
			return errors.InvalidInput("group id is required")
		}
		if seen[g.ID] {
			return errors.InvalidInput("duplicate group id: " + g.ID)
		}
		seen[g.ID] = true
		if strings.TrimSpace(g.ChatJID) == "" {
			return errors.InvalidInput("group " + g.ID + ": chat_jid is required")
		}
		if g.SheetsWrite && strings.TrimSpace(g.SheetTab) == "" {
			return errors.InvalidInput("group " + g.ID + ": sheet_tab is required when sheets_write is on")
		}
		if g.Feedback && strings.TrimSpace(g.FeedbackJID) == "" {
			return errors.InvalidInput("group " + g.ID + ": feedback_jid is required when feedback is on")
		}
		if g.DropDetection || g.CompletionTracking {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.InvalidInput("no group has drop_detection or completion_tracking enabled")
	}
	return nil
}

// GroupByID returns the configured group record, or nil.
func (c *Config) GroupByID(id string) *GroupConfig {
	for i := range c.Groups {
		if c.Groups[i].ID == id {
			return &c.Groups[i]
		}
	}
	return nil
}

// GroupSchedule returns the group's schedule, falling back to the monitor default.
func (c *Config) GroupSchedule(g *GroupConfig) string {
	if g != nil && strings.TrimSpace(g.Schedule) != "" {
		return g.Schedule
	}
	return c.Monitor.Schedule
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	for _, field := range []*string{
		&cfg.Monitor.StateDir,
		&cfg.Bridge.MessagesDB,
		&cfg.Sheets.CredentialsPath,
	} {
		expanded, err := expandConfiguredPath(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
