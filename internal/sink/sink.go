// Package sink pushes correlation facts into the systems of record. Every
// write is an idempotent upsert: look up whether the key already has a
// record, insert with defaults when absent, apply only the requested field
// transitions when present. Re-applying the same fact is a no-op.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fibreops/dropwatch/internal/correlate"
)

// Kind says which transition a Fact carries.
type Kind string

const (
	// KindReported records first sight of a drop identifier in chat.
	KindReported Kind = "reported"
	// KindResubmitted records a completion signal: photos updated, review
	// can continue.
	KindResubmitted Kind = "resubmitted"
)

// Fact is one structured update for a correlation key.
type Fact struct {
	Kind       Kind
	Contractor string    // sender who triggered the signal
	ObservedAt time.Time // message timestamp in the chat log
	RecordedAt time.Time // wall clock when the engine processed it
}

// Sink is one system of record.
type Sink interface {
	Name() string
	Upsert(ctx context.Context, key correlate.Key, fact Fact) error
}

// Outcome is the per-sink result of a Synchronize call.
type Outcome struct {
	Sink string
	Err  error
}

// Synchronizer applies a fact to every configured sink. Sinks are isolated:
// one failing never stops the others, and the caller gets an outcome per
// sink so only the failed ones need a retry on a later cycle.
type Synchronizer struct {
	sinks  []Sink
	log    *slog.Logger
	dryRun bool

	// Lookup-then-write is not transactional. A single writer per group is
	// already enforced by the state-dir file lock; this mutex closes the
	// remaining window between goroutines inside one process.
	mu sync.Mutex
}

// NewSynchronizer builds a synchronizer over the given sinks. In dry-run
// mode writes are logged and skipped.
func NewSynchronizer(log *slog.Logger, dryRun bool, sinks ...Sink) *Synchronizer {
	return &Synchronizer{sinks: sinks, log: log, dryRun: dryRun}
}

// Synchronize applies fact to all sinks and returns one outcome per sink,
// in configuration order.
func (s *Synchronizer) Synchronize(ctx context.Context, key correlate.Key, fact Fact) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]Outcome, 0, len(s.sinks))
	for _, snk := range s.sinks {
		if s.dryRun {
			s.log.Info("dry-run: skipping sink write",
				slog.String("sink", snk.Name()),
				slog.String("key", key.String()),
				slog.String("kind", string(fact.Kind)))
			outcomes = append(outcomes, Outcome{Sink: snk.Name()})
			continue
		}

		err := snk.Upsert(ctx, key, fact)
		if err != nil {
			s.log.Error("sink write failed",
				slog.String("sink", snk.Name()),
				slog.String("key", key.String()),
				slog.String("kind", string(fact.Kind)),
				slog.Any("error", err))
		} else {
			s.log.Debug("sink write applied",
				slog.String("sink", snk.Name()),
				slog.String("key", key.String()),
				slog.String("kind", string(fact.Kind)))
		}
		outcomes = append(outcomes, Outcome{Sink: snk.Name(), Err: err})
	}
	return outcomes
}

// Failed filters outcomes down to the ones that errored.
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
