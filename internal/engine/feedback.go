package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/fibreops/dropwatch/internal/config"
	"github.com/fibreops/dropwatch/internal/correlate"
	"github.com/fibreops/dropwatch/internal/egress"
	"github.com/fibreops/dropwatch/internal/errors"
	"github.com/fibreops/dropwatch/internal/notify"
	"github.com/fibreops/dropwatch/internal/sink"
)

// ReviewSource lists the reviews still waiting on photos and records the
// feedback dispatch. The Postgres sink implements it.
type ReviewSource interface {
	IncompleteReviews(ctx context.Context, project string) ([]sink.IncompleteReview, error)
	MarkFeedbackSent(ctx context.Context, unitID string, at time.Time) error
}

// SweepSummary is the accounting for one feedback sweep.
type SweepSummary struct {
	Group      string
	Reviewed   int
	Sent       int
	Suppressed int
}

// FeedbackParams wires one group's feedback sweep.
type FeedbackParams struct {
	Group   config.GroupConfig
	Log     *slog.Logger
	Clock   Clock
	Reviews ReviewSource
	Tracker *notify.Tracker
	Channel egress.Channel
	DryRun  bool
	// Force bypasses the tracker and re-sends feedback for every
	// incomplete review.
	Force bool
}

// FeedbackSweep walks the reviews QA has flagged incomplete and asks the
// field team for the missing photos, at most once per drop until a
// resubmission re-arms the tracker.
type FeedbackSweep struct {
	group   config.GroupConfig
	log     *slog.Logger
	clock   Clock
	reviews ReviewSource
	tracker *notify.Tracker
	channel egress.Channel
	dryRun  bool
	force   bool
}

// NewFeedbackSweep validates the wiring and builds a sweep.
func NewFeedbackSweep(p FeedbackParams) (*FeedbackSweep, error) {
	if p.Reviews == nil {
		return nil, errors.InvalidInput("feedback sweep needs a review source")
	}
	if p.Tracker == nil {
		return nil, errors.InvalidInput("feedback sweep needs a tracker")
	}
	if p.Channel == nil {
		return nil, errors.InvalidInput("feedback sweep needs a channel")
	}
	if p.Group.FeedbackJID == "" {
		return nil, errors.InvalidInput("group " + p.Group.ID + " has no feedback_jid")
	}
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}

	return &FeedbackSweep{
		group:   p.Group,
		log:     p.Log.With(slog.String("group", p.Group.ID)),
		clock:   p.Clock,
		reviews: p.Reviews,
		tracker: p.Tracker,
		channel: p.Channel,
		dryRun:  p.DryRun,
		force:   p.Force,
	}, nil
}

// Run executes one sweep. The tracker entry is written before the send; a
// failed delivery stays consumed until the drop is resubmitted, which is the
// cheaper failure mode than nagging the group twice.
func (s *FeedbackSweep) Run(ctx context.Context) (SweepSummary, error) {
	summary := SweepSummary{Group: s.group.ID}

	reviews, err := s.reviews.IncompleteReviews(ctx, s.group.ID)
	if err != nil {
		return summary, errors.Wrap(err, "list incomplete reviews")
	}
	summary.Reviewed = len(reviews)

	for _, review := range reviews {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		key := correlate.Key{Project: s.group.ID, UnitID: review.UnitID}
		if !s.tracker.ShouldNotify(key.String(), s.force) {
			summary.Suppressed++
			continue
		}

		text := egress.IncompleteFeedback(review.UnitID, review.MissingSteps)
		if s.dryRun {
			s.log.Info("dry run, feedback not sent",
				slog.String("key", key.String()),
				slog.Int("missing_steps", len(review.MissingSteps)))
			continue
		}

		if err := s.tracker.MarkNotified(key.String(), s.clock.Now()); err != nil {
			return summary, errors.Wrap(err, "mark feedback sent for "+key.String())
		}
		if err := s.channel.Send(ctx, s.group.FeedbackJID, text); err != nil {
			s.log.Warn("feedback send failed",
				slog.String("key", key.String()),
				slog.Any("error", err))
			continue
		}
		// The review row's stamp is secondary to the tracker; a miss here
		// only means the next sweep re-reads the row and the tracker
		// suppresses it.
		if err := s.reviews.MarkFeedbackSent(ctx, review.UnitID, s.clock.Now()); err != nil {
			s.log.Warn("feedback stamp failed",
				slog.String("key", key.String()),
				slog.Any("error", err))
		}
		summary.Sent++
	}

	return summary, nil
}
