package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fibreops/dropwatch/internal/classify"
	"github.com/fibreops/dropwatch/internal/config"
	"github.com/fibreops/dropwatch/internal/correlate"
	"github.com/fibreops/dropwatch/internal/dedup"
	"github.com/fibreops/dropwatch/internal/egress"
	"github.com/fibreops/dropwatch/internal/errors"
	"github.com/fibreops/dropwatch/internal/msgstore"
	"github.com/fibreops/dropwatch/internal/notify"
	"github.com/fibreops/dropwatch/internal/sink"
)

// CycleSummary is the per-cycle accounting emitted after every run,
// succeed or fail.
type CycleSummary struct {
	CycleID      string
	Group        string
	Fetched      int
	Processed    int // signals that went through synchronization
	Resolved     int
	Synchronized int // sink writes that succeeded
	Notified     int
	Unresolved   int // completion signals with no identifier in reach
	Deduplicated int
	Skipped      int // self-origin and non-signal messages
}

// GroupParams wires one group's engine together.
type GroupParams struct {
	Group           config.GroupConfig
	Log             *slog.Logger
	Clock           Clock
	Messages        msgstore.MessageStore
	Processed       *dedup.Store
	Tracker         *notify.Tracker
	Synchronizer    *sink.Synchronizer
	Channel         egress.Channel
	MaxContext      int
	MaxLookback     int
	ProcessedSetMax int
	// Checkpoint is where fetching starts on the first cycle, normally
	// now minus the configured lookback horizon.
	Checkpoint time.Time
}

// GroupEngine runs the monitoring loop body for one chat group. It owns the
// group's checkpoint and is not safe for concurrent RunCycle calls; the
// scheduler runs each group sequentially.
type GroupEngine struct {
	group           config.GroupConfig
	log             *slog.Logger
	clock           Clock
	msgs            msgstore.MessageStore
	processed       *dedup.Store
	tracker         *notify.Tracker
	syn             *sink.Synchronizer
	channel         egress.Channel
	maxContext      int
	maxLookback     int
	processedSetMax int

	checkpoint time.Time
}

// NewGroupEngine validates the wiring and builds a group engine.
func NewGroupEngine(p GroupParams) (*GroupEngine, error) {
	if p.Messages == nil {
		return nil, errors.InvalidInput("group engine needs a message store")
	}
	if p.Processed == nil {
		return nil, errors.InvalidInput("group engine needs a processed set")
	}
	if p.Synchronizer == nil {
		return nil, errors.InvalidInput("group engine needs a synchronizer")
	}
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}

	return &GroupEngine{
		group:           p.Group,
		log:             p.Log.With(slog.String("group", p.Group.ID)),
		clock:           p.Clock,
		msgs:            p.Messages,
		processed:       p.Processed,
		tracker:         p.Tracker,
		syn:             p.Synchronizer,
		channel:         p.Channel,
		maxContext:      p.MaxContext,
		maxLookback:     p.MaxLookback,
		processedSetMax: p.ProcessedSetMax,
		checkpoint:      p.Checkpoint,
	}, nil
}

// Checkpoint returns the timestamp the next cycle fetches from.
func (e *GroupEngine) Checkpoint() time.Time { return e.checkpoint }

// RunCycle executes one fetch-classify-resolve-synchronize pass. The
// checkpoint advances to the last fully handled message, so a mid-batch
// failure retries from the failed message on the next cycle; the processed
// set absorbs the duplicates that replay produces.
func (e *GroupEngine) RunCycle(ctx context.Context) (CycleSummary, error) {
	summary := CycleSummary{
		CycleID: ulid.Make().String(),
		Group:   e.group.ID,
	}
	log := e.log.With(slog.String("cycle_id", summary.CycleID))

	batch, err := e.msgs.FetchSince(ctx, e.group.ChatJID, e.checkpoint)
	if err != nil {
		return summary, errors.Wrap(err, "fetch cycle batch")
	}
	summary.Fetched = len(batch)

	lastHandled := e.checkpoint
	var cycleErr error

	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}

		if err := e.handleMessage(ctx, log, msg, &summary); err != nil {
			cycleErr = errors.Wrap(err, "handle message "+msg.ID)
			break
		}
		lastHandled = msg.Timestamp
	}

	// Advance up to, never past, the first failed message.
	e.checkpoint = lastHandled

	if compacted, err := e.processed.Compact(e.processedSetMax); err != nil {
		log.Warn("processed set compaction failed", slog.Any("error", err))
	} else if compacted {
		log.Info("processed set compacted", slog.Int("max", e.processedSetMax))
	}

	return summary, cycleErr
}

func (e *GroupEngine) handleMessage(ctx context.Context, log *slog.Logger, msg msgstore.Message, summary *CycleSummary) error {
	// Skip our own confirmations, or the engine would answer itself.
	if msg.FromSelf {
		summary.Skipped++
		return nil
	}

	cls := classify.Classify(msg.Content)
	if cls.Kind == classify.None {
		summary.Skipped++
		return nil
	}

	if e.processed.IsProcessed(msg.ID) {
		summary.Deduplicated++
		return nil
	}

	res, ok := e.resolve(ctx, msg, cls)
	if !ok {
		// Not an error: a bare "done" with nothing to anchor it is logged
		// and dropped.
		summary.Unresolved++
		log.Warn("signal without resolvable identifier",
			slog.String("message_id", msg.ID),
			slog.String("kind", string(cls.Kind)),
			slog.String("content", truncate(msg.Content, 80)))
		return nil
	}
	summary.Resolved++

	key := correlate.Key{Project: e.group.ID, UnitID: res.UnitID}
	fact, apply := e.factFor(cls.Kind, msg)
	if !apply {
		summary.Skipped++
		return nil
	}

	outcomes := e.syn.Synchronize(ctx, key, fact)
	failed := sink.Failed(outcomes)
	summary.Synchronized += len(outcomes) - len(failed)
	summary.Processed++

	if fact.Kind == sink.KindResubmitted {
		if err := e.afterResubmission(ctx, log, key, summary); err != nil {
			return err
		}
	}

	// Partial sink failure still marks the message processed; the failed
	// sink is left for a reconciliation sweep rather than a reprocessing
	// storm.
	if err := e.processed.MarkProcessed(msg.ID, e.clock.Now()); err != nil {
		return errors.Wrap(err, "mark processed")
	}

	for _, f := range failed {
		log.Warn("sink write left unreconciled",
			slog.String("sink", f.Sink),
			slog.String("key", key.String()),
			slog.Any("error", f.Err))
	}
	return nil
}

// resolve finds the unit identifier for a signal. Creation signals carry it
// by definition; completion signals may need the lookback window.
func (e *GroupEngine) resolve(ctx context.Context, msg msgstore.Message, cls classify.Classification) (correlate.Resolution, bool) {
	if res, ok := correlate.Extract(msg.Content); ok {
		return res, true
	}
	if cls.Kind != classify.CompletionSignal {
		return correlate.Resolution{}, false
	}

	window, err := e.msgs.RecentContext(ctx, e.group.ChatJID, msg.Timestamp, e.maxContext)
	if err != nil {
		e.log.Warn("context window unavailable", slog.Any("error", err))
		return correlate.Resolution{}, false
	}

	contents := make([]string, 0, len(window))
	for _, m := range window {
		contents = append(contents, m.Content)
	}
	return correlate.Resolve(msg.Content, contents, e.maxLookback)
}

// factFor maps a classification onto the sink transition the group is
// configured to record, or reports that this group ignores the signal kind.
func (e *GroupEngine) factFor(kind classify.Kind, msg msgstore.Message) (sink.Fact, bool) {
	fact := sink.Fact{
		Contractor: msg.Sender,
		ObservedAt: msg.Timestamp,
		RecordedAt: e.clock.Now(),
	}

	switch kind {
	case classify.CreationSignal:
		if !e.group.DropDetection {
			return sink.Fact{}, false
		}
		fact.Kind = sink.KindReported
	case classify.CompletionSignal:
		if !e.group.CompletionTracking {
			return sink.Fact{}, false
		}
		fact.Kind = sink.KindResubmitted
	default:
		return sink.Fact{}, false
	}
	return fact, true
}

// afterResubmission re-arms the feedback tracker for the key and posts the
// confirmation message. The tracker gates the send, so repeated completion
// chatter for a drop that was already confirmed stays quiet until the next
// genuine resubmission re-arms it.
func (e *GroupEngine) afterResubmission(ctx context.Context, log *slog.Logger, key correlate.Key, summary *CycleSummary) error {
	notifyNow := true
	if e.tracker != nil {
		notifyNow = e.tracker.ShouldNotify(key.String(), false)
		if err := e.tracker.Reset(key.String(), e.clock.Now()); err != nil {
			return errors.Wrap(err, "reset feedback tracker")
		}
	}

	if e.channel == nil || !e.group.Feedback || e.group.FeedbackJID == "" {
		return nil
	}
	if !notifyNow {
		log.Debug("confirmation suppressed", slog.String("key", key.String()))
		return nil
	}

	if e.tracker != nil {
		// Mark before delivery. If the send fails the confirmation stays
		// consumed until the next resubmission, which is the cheaper failure
		// mode than double-messaging the group.
		if err := e.tracker.MarkNotified(key.String(), e.clock.Now()); err != nil {
			return errors.Wrap(err, "mark feedback sent")
		}
	}

	text := egress.ResubmissionConfirmation(key.UnitID)
	if err := e.channel.Send(ctx, e.group.FeedbackJID, text); err != nil {
		// A missed confirmation is one manual follow-up, not a reason to
		// replay sink writes.
		log.Warn("confirmation send failed",
			slog.String("key", key.String()),
			slog.Any("error", err))
		return nil
	}
	summary.Notified++
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
