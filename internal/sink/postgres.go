package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/fibreops/dropwatch/internal/correlate"
	"github.com/fibreops/dropwatch/internal/errors"
)

const postgresOperationTimeout = 10 * time.Second

// qaStepColumns are the per-drop photo review checkpoints. A new review row
// starts with every step unchecked.
var qaStepColumns = []string{
	"step_01_property_frontage",
	"step_02_location_before_install",
	"step_03_outside_cable_span",
	"step_04_home_entry_outside",
	"step_05_home_entry_inside",
	"step_06_fibre_entry_to_ont",
	"step_07_patched_labelled_drop",
	"step_08_work_area_completion",
	"step_09_ont_barcode_scan",
	"step_10_ups_serial_number",
	"step_11_powermeter_reading",
	"step_12_powermeter_at_ont",
	"step_13_active_broadband_light",
	"step_14_customer_signature",
}

// qaStepLabels are the field-facing names for qaStepColumns, index-aligned.
var qaStepLabels = []string{
	"Property Frontage",
	"Location Before Install",
	"Outside Cable Span",
	"Home Entry Outside",
	"Home Entry Inside",
	"Fibre Entry to ONT",
	"Patched & Labelled Drop",
	"Work Area Completion",
	"ONT Barcode Scan",
	"UPS Serial Number",
	"Powermeter Reading",
	"Powermeter at ONT",
	"Active Broadband Light",
	"Customer Signature",
}

// PostgresSink writes review records to the qa_photo_reviews table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgres connects to the review database and ensures the table exists.
func NewPostgres(dsn string) (*PostgresSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.InvalidInput("postgres dsn is empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open review db")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &PostgresSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.MapError(err), "migrate review db")
	}
	return s, nil
}

// Close closes the database connection.
func (s *PostgresSink) Close() error { return s.db.Close() }

// Name implements Sink.
func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) migrate() error {
	steps := make([]string, 0, len(qaStepColumns))
	for _, col := range qaStepColumns {
		steps = append(steps, fmt.Sprintf("%s BOOLEAN NOT NULL DEFAULT FALSE", col))
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS qa_photo_reviews (
			id          SERIAL PRIMARY KEY,
			drop_number TEXT NOT NULL,
			review_date DATE NOT NULL,
			user_name   TEXT,
			project     TEXT,
			%s,
			outstanding_photos_loaded_to_1map BOOLEAN NOT NULL DEFAULT FALSE,
			incomplete    BOOLEAN NOT NULL DEFAULT FALSE,
			resubmitted   BOOLEAN NOT NULL DEFAULT FALSE,
			feedback_sent TIMESTAMPTZ,
			comment       TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, strings.Join(steps, ",\n\t\t\t"))

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Upsert implements Sink. Lookup-then-write: the review row for a drop and
// date is located first, then either created with defaults or moved through
// the requested transition. Applying the same fact twice leaves the row as
// the first application did.
func (s *PostgresSink) Upsert(ctx context.Context, key correlate.Key, fact Fact) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	reviewDate := fact.RecordedAt.Format("2006-01-02")

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM qa_photo_reviews WHERE drop_number = $1 AND review_date = $2`,
		key.UnitID, reviewDate).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		if err := s.insert(ctx, key, fact, reviewDate); err != nil {
			return errors.Wrap(errors.MapError(err), "insert review row")
		}
		if fact.Kind != KindResubmitted {
			return nil
		}
		// A completion with no prior row still needs the transition applied.
		if err := s.db.QueryRowContext(ctx,
			`SELECT id FROM qa_photo_reviews WHERE drop_number = $1 AND review_date = $2`,
			key.UnitID, reviewDate).Scan(&id); err != nil {
			return errors.Wrap(errors.MapError(err), "locate inserted review row")
		}

	case err != nil:
		return errors.Wrap(errors.MapError(err), "look up review row")
	}

	if fact.Kind != KindResubmitted {
		return nil
	}
	return s.markResubmitted(ctx, id, fact)
}

func (s *PostgresSink) insert(ctx context.Context, key correlate.Key, fact Fact, reviewDate string) error {
	cols := append([]string{"drop_number", "review_date", "user_name", "project"}, qaStepColumns...)
	cols = append(cols, "outstanding_photos_loaded_to_1map", "comment")

	args := []any{
		key.UnitID, reviewDate, fact.Contractor, key.Project,
		fmt.Sprintf("Auto-created from chat on %s", fact.RecordedAt.Format("2006-01-02 15:04:05")),
	}

	placeholders := make([]string, 0, len(cols))
	for i := 1; i <= 4; i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
	}
	for range qaStepColumns {
		placeholders = append(placeholders, "FALSE")
	}
	placeholders = append(placeholders, "FALSE", "$5")

	q := fmt.Sprintf(`INSERT INTO qa_photo_reviews (%s) VALUES (%s)`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// IncompleteReview is a review row still waiting on photos, as surfaced to
// the feedback sweep.
type IncompleteReview struct {
	UnitID       string
	Contractor   string
	MissingSteps []string
}

// IncompleteReviews lists the project's reviews QA has flagged incomplete
// that have neither been resubmitted nor had feedback dispatched yet.
func (s *PostgresSink) IncompleteReviews(ctx context.Context, project string) ([]IncompleteReview, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	q := fmt.Sprintf(`
		SELECT drop_number, COALESCE(user_name, ''), %s
		FROM qa_photo_reviews
		WHERE project = $1 AND incomplete = TRUE AND resubmitted = FALSE AND feedback_sent IS NULL
		ORDER BY review_date, drop_number`, strings.Join(qaStepColumns, ", "))

	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, errors.Wrap(errors.MapError(err), "list incomplete reviews")
	}
	defer rows.Close()

	var reviews []IncompleteReview
	for rows.Next() {
		var r IncompleteReview
		steps := make([]bool, len(qaStepColumns))
		dest := []any{&r.UnitID, &r.Contractor}
		for i := range steps {
			dest = append(dest, &steps[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(errors.MapError(err), "scan incomplete review")
		}
		for i, done := range steps {
			if !done {
				r.MissingSteps = append(r.MissingSteps, qaStepLabels[i])
			}
		}
		reviews = append(reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.MapError(err), "list incomplete reviews")
	}
	return reviews, nil
}

// MarkFeedbackSent stamps the review row after a feedback dispatch. The
// IS NULL guard keeps a replayed sweep from moving the stamp.
func (s *PostgresSink) MarkFeedbackSent(ctx context.Context, unitID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE qa_photo_reviews
		SET feedback_sent = $2, updated_at = NOW()
		WHERE drop_number = $1 AND feedback_sent IS NULL
	`, unitID, at)
	if err != nil {
		return errors.Wrap(errors.MapError(err), "mark feedback sent")
	}
	return nil
}

// markResubmitted resets the completion status so QA can continue reviewing.
// The guard on resubmitted makes a replayed fact a no-op, the note appended
// at most once.
func (s *PostgresSink) markResubmitted(ctx context.Context, id int64, fact Fact) error {
	note := fmt.Sprintf("\n--- RESUBMITTED %s ---\nPhotos updated by %s. QA can continue review.\n",
		fact.RecordedAt.Format("2006-01-02 15:04:05"), fact.Contractor)

	_, err := s.db.ExecContext(ctx, `
		UPDATE qa_photo_reviews
		SET
			resubmitted = TRUE,
			incomplete = FALSE,
			feedback_sent = NULL,
			comment = COALESCE(comment, '') || $1,
			updated_at = NOW()
		WHERE id = $2 AND resubmitted = FALSE
	`, note, id)
	if err != nil {
		return errors.Wrap(errors.MapError(err), "mark review resubmitted")
	}
	return nil
}
