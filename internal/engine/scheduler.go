package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/fibreops/dropwatch/internal/concurrency"
	"github.com/fibreops/dropwatch/internal/errors"
)

// Entry pairs a group engine with its polling schedule, in cron syntax
// (including the @every shorthand).
type Entry struct {
	Engine   *GroupEngine
	Schedule string
}

type groupRunner struct {
	engine       *GroupEngine
	schedule     cron.Schedule
	firstSuccess bool
}

// Scheduler drives one sequential polling loop per monitored group. Groups
// share no mutable state, so one group's faulting cycle never stalls the
// others. A failing cycle is fatal only before that group's first success;
// after that it is logged and retried on the next fire.
type Scheduler struct {
	log    *slog.Logger
	clock  Clock
	groups []*groupRunner
}

// NewScheduler parses every entry's schedule and builds the runner set.
func NewScheduler(log *slog.Logger, clock Clock, entries []Entry) (*Scheduler, error) {
	if len(entries) == 0 {
		return nil, errors.InvalidInput("scheduler needs at least one group")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}

	groups := make([]*groupRunner, 0, len(entries))
	for _, entry := range entries {
		schedule, err := cron.ParseStandard(entry.Schedule)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("parse schedule %q for group %s", entry.Schedule, entry.Engine.group.ID))
		}
		groups = append(groups, &groupRunner{engine: entry.Engine, schedule: schedule})
	}

	return &Scheduler{log: log, clock: clock, groups: groups}, nil
}

// Run blocks until ctx is cancelled or some group fails before its first
// successful cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	fatal := make(chan error, len(s.groups))

	for _, runner := range s.groups {
		wg.Add(1)
		r := runner
		concurrency.SafeGo(func() {
			defer wg.Done()
			if err := s.runGroup(ctx, r); err != nil {
				fatal <- err
				cancel()
			}
		}, func(v interface{}) {
			// fn's own deferred wg.Done has already run by the time the
			// panic reaches here.
			fatal <- errors.Internal(fmt.Sprintf("group loop panic: %v", v))
			cancel()
		})
	}

	wg.Wait()
	close(fatal)

	if err, ok := <-fatal; ok {
		return err
	}
	return nil
}

func (s *Scheduler) runGroup(ctx context.Context, r *groupRunner) error {
	groupID := r.engine.group.ID
	s.log.Info("group loop started",
		slog.String("group", groupID),
		slog.String("chat_jid", r.engine.group.ChatJID))

	for {
		next := r.schedule.Next(s.clock.Now())
		if err := s.clock.Sleep(ctx, next.Sub(s.clock.Now())); err != nil {
			s.log.Info("group loop stopped", slog.String("group", groupID))
			return nil
		}

		if err := s.fireCycle(ctx, r); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !r.firstSuccess {
				return errors.Wrap(err, "group "+groupID+" failed before first successful cycle")
			}
			// A transient fault is expected churn; anything else gets the
			// louder level so an operator notices a broken sink or config
			// before the retries pile up.
			level := slog.LevelError
			if errors.IsRetryable(err) {
				level = slog.LevelWarn
			}
			s.log.Log(ctx, level, "cycle failed, retrying on next fire",
				slog.String("group", groupID),
				slog.String("category", errors.Category(err)),
				slog.Any("error", err))
		}
	}
}

// fireCycle runs one cycle with panic containment and emits its summary.
func (s *Scheduler) fireCycle(ctx context.Context, r *groupRunner) error {
	var (
		summary  CycleSummary
		cycleErr error
	)

	if rec := concurrency.SafeCall(func() {
		summary, cycleErr = r.engine.RunCycle(ctx)
	}); rec != nil {
		cycleErr = errors.Internal(fmt.Sprintf("cycle panic: %v", rec))
	}

	// The summary goes out whether the cycle succeeded or not.
	s.log.Info("cycle summary",
		slog.String("group", summary.Group),
		slog.String("cycle_id", summary.CycleID),
		slog.Int("fetched", summary.Fetched),
		slog.Int("processed", summary.Processed),
		slog.Int("resolved", summary.Resolved),
		slog.Int("synchronized", summary.Synchronized),
		slog.Int("notified", summary.Notified),
		slog.Int("unresolved", summary.Unresolved),
		slog.Int("deduplicated", summary.Deduplicated),
		slog.Int("skipped", summary.Skipped))

	if cycleErr == nil {
		r.firstSuccess = true
	}
	return cycleErr
}

// RunOnce executes a single cycle for every group, sequentially, and
// returns the first error. Used by the one-shot command mode.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	for _, r := range s.groups {
		if err := s.fireCycle(ctx, r); err != nil {
			return errors.Wrap(err, "group "+r.engine.group.ID)
		}
	}
	return nil
}
