package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/fibreops/dropwatch/internal/config"
	"github.com/fibreops/dropwatch/internal/daemon"
	"github.com/fibreops/dropwatch/internal/dedup"
	"github.com/fibreops/dropwatch/internal/egress"
	"github.com/fibreops/dropwatch/internal/engine"
	"github.com/fibreops/dropwatch/internal/errors"
	"github.com/fibreops/dropwatch/internal/msgstore"
	"github.com/fibreops/dropwatch/internal/notify"
	"github.com/fibreops/dropwatch/internal/sink"
	"github.com/fibreops/dropwatch/internal/store"
)

// components holds everything a monitoring command needs, with a single
// Close tearing it all down in reverse order.
type components struct {
	Entries  []engine.Entry
	Trackers map[string]*notify.Tracker

	messages *msgstore.SQLiteStore
	postgres *sink.PostgresSink
	channel  egress.Channel
	locks    []*store.FileLock
}

// HealthChecks lists the preflight probes for everything this process
// depends on. Only the message log is required: with no readable log there
// is no valid checkpoint source to monitor from.
func (c *components) HealthChecks() []daemon.Check {
	checks := []daemon.Check{
		{Name: "messages_db", Required: true, Probe: c.messages.Ping},
	}
	if c.channel != nil {
		checks = append(checks, daemon.Check{Name: "bridge", Probe: c.channel.Health})
	}
	return checks
}

// Close releases group locks and closes shared connections.
func (c *components) Close() {
	for _, lock := range c.locks {
		if err := lock.Unlock(); err != nil {
			slog.Warn("Failed to release group lock", "error", err)
		}
	}
	if c.postgres != nil {
		c.postgres.Close()
	}
	if c.messages != nil {
		c.messages.Close()
	}
}

// buildComponents wires one engine per enabled group: message store, state
// stores under the group's locked state directory, the sinks the group is
// configured for, and the outbound channel.
func buildComponents(ctx context.Context, cfg *config.Config, groupFilter string) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	messages, err := msgstore.OpenSQLite(cfg.Bridge.MessagesDB)
	if err != nil {
		return nil, err
	}

	c := &components{
		Trackers: make(map[string]*notify.Tracker),
		messages: messages,
	}

	sendTimeout, err := config.DurationOrDefault(cfg.Bridge.SendTimeout, config.DefaultBridgeSendTimeout)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "parse bridge send timeout")
	}
	channel := egress.NewBridgeClient(cfg.Bridge.BaseURL, sendTimeout)
	c.channel = channel

	clock := engine.SystemClock{}
	checkpoint := clock.Now().Add(-time.Duration(cfg.Monitor.LookbackHours) * time.Hour)

	for i := range cfg.Groups {
		group := cfg.Groups[i]
		if groupFilter != "" && group.ID != groupFilter {
			continue
		}
		if !group.DropDetection && !group.CompletionTracking {
			slog.Info("Group disabled, skipping", "group", group.ID)
			continue
		}

		eng, err := c.buildGroupEngine(ctx, cfg, group, channel, clock, checkpoint)
		if err != nil {
			c.Close()
			return nil, errors.Wrap(err, "wire group "+group.ID)
		}

		c.Entries = append(c.Entries, engine.Entry{
			Engine:   eng,
			Schedule: cfg.GroupSchedule(&group),
		})
	}

	if len(c.Entries) == 0 {
		c.Close()
		return nil, errors.InvalidInput("no matching enabled groups to monitor")
	}
	return c, nil
}

func (c *components) buildGroupEngine(
	ctx context.Context,
	cfg *config.Config,
	group config.GroupConfig,
	channel egress.Channel,
	clock engine.Clock,
	checkpoint time.Time,
) (*engine.GroupEngine, error) {
	groupDir, err := store.GetGroupDir(group.ID, cfg.Monitor.StateDir)
	if err != nil {
		return nil, err
	}

	lock, err := store.NewFileLock(group.ID, groupDir, nil)
	if err != nil {
		return nil, errors.Wrap(err, "another instance holds the group lock")
	}
	c.locks = append(c.locks, lock)

	processedPath, err := store.GetProcessedSetPath(group.ID, cfg.Monitor.StateDir)
	if err != nil {
		return nil, err
	}
	processed, err := dedup.NewStore(processedPath)
	if err != nil {
		// Corrupt state is fatal here; `dropwatch trackers --reinit-processed`
		// is the recovery path.
		return nil, err
	}

	trackerPath, err := store.GetTrackerPath(group.ID, cfg.Monitor.StateDir)
	if err != nil {
		return nil, err
	}
	tracker, err := notify.NewTracker(trackerPath)
	if err != nil {
		return nil, err
	}
	c.Trackers[group.ID] = tracker

	sinks, err := c.buildSinks(ctx, cfg, group)
	if err != nil {
		return nil, err
	}

	return engine.NewGroupEngine(engine.GroupParams{
		Group:           group,
		Log:             slog.Default(),
		Clock:           clock,
		Messages:        c.messages,
		Processed:       processed,
		Tracker:         tracker,
		Synchronizer:    sink.NewSynchronizer(slog.Default(), cfg.Monitor.DryRun, sinks...),
		Channel:         channel,
		MaxContext:      cfg.Monitor.MaxContext,
		MaxLookback:     cfg.Monitor.MaxLookback,
		ProcessedSetMax: cfg.Monitor.ProcessedSetMax,
		Checkpoint:      checkpoint,
	})
}

// buildSinks assembles the group's sink list in configuration order: sheets
// first, then the review database. The Postgres connection is shared across
// groups; each group gets its own sheets sink bound to its tab.
func (c *components) buildSinks(ctx context.Context, cfg *config.Config, group config.GroupConfig) ([]sink.Sink, error) {
	var sinks []sink.Sink

	if group.SheetsWrite {
		sheetsSink, err := sink.NewSheets(ctx, cfg.Sheets.CredentialsPath, cfg.Sheets.SpreadsheetID, group.SheetTab)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sheetsSink)
	}

	if group.DBWrite {
		if c.postgres == nil {
			pg, err := sink.NewPostgres(cfg.Database.URL)
			if err != nil {
				return nil, err
			}
			c.postgres = pg
		}
		sinks = append(sinks, c.postgres)
	}

	if len(sinks) == 0 {
		return nil, errors.InvalidInput("group has no sink enabled")
	}
	return sinks, nil
}
