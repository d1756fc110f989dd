package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fibreops/dropwatch/internal/correlate"
)

func newMockPostgres(t *testing.T) (*PostgresSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresSink{db: db}, mock
}

func TestPostgresUpsertResubmitIdempotent(t *testing.T) {
	s, mock := newMockPostgres(t)

	key := correlate.Key{Project: "velo_test", UnitID: "DR1748808"}
	fact := Fact{
		Kind:       KindResubmitted,
		Contractor: "27821234567",
		RecordedAt: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}

	// First application: no row yet, so a defaults insert followed by the
	// resubmission transition.
	mock.ExpectQuery(`SELECT id FROM qa_photo_reviews`).
		WithArgs("DR1748808", "2026-08-30").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO qa_photo_reviews`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT id FROM qa_photo_reviews`).
		WithArgs("DR1748808", "2026-08-30").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE qa_photo_reviews[\s\S]*resubmitted = FALSE`).
		WithArgs(sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Upsert(context.Background(), key, fact))

	// Replay: the row exists with resubmitted already TRUE, so the guarded
	// update matches nothing. No second insert, no second note.
	mock.ExpectQuery(`SELECT id FROM qa_photo_reviews`).
		WithArgs("DR1748808", "2026-08-30").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`UPDATE qa_photo_reviews[\s\S]*resubmitted = FALSE`).
		WithArgs(sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Upsert(context.Background(), key, fact))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertReportedReplay(t *testing.T) {
	s, mock := newMockPostgres(t)

	key := correlate.Key{Project: "velo_test", UnitID: "DR0000123"}
	fact := Fact{
		Kind:       KindReported,
		Contractor: "27821234567",
		RecordedAt: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectQuery(`SELECT id FROM qa_photo_reviews`).
		WithArgs("DR0000123", "2026-08-30").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO qa_photo_reviews`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Upsert(context.Background(), key, fact))

	// A replayed report finds the row and leaves it alone.
	mock.ExpectQuery(`SELECT id FROM qa_photo_reviews`).
		WithArgs("DR0000123", "2026-08-30").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	require.NoError(t, s.Upsert(context.Background(), key, fact))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncompleteReviews(t *testing.T) {
	s, mock := newMockPostgres(t)

	cols := append([]string{"drop_number", "user_name"}, qaStepColumns...)
	values := make([]driver.Value, 0, len(cols))
	values = append(values, "DR0000123", "27821234567")
	for range qaStepColumns {
		values = append(values, true)
	}
	values[2] = false  // step_01_property_frontage
	values[10] = false // step_09_ont_barcode_scan

	mock.ExpectQuery(`FROM qa_photo_reviews[\s\S]*incomplete = TRUE AND resubmitted = FALSE AND feedback_sent IS NULL`).
		WithArgs("velo_test").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(values...))

	reviews, err := s.IncompleteReviews(context.Background(), "velo_test")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	require.Equal(t, "DR0000123", reviews[0].UnitID)
	require.Equal(t, []string{"Property Frontage", "ONT Barcode Scan"}, reviews[0].MissingSteps)
}

func TestPostgresMarkFeedbackSentGuarded(t *testing.T) {
	s, mock := newMockPostgres(t)
	at := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE qa_photo_reviews[\s\S]*feedback_sent IS NULL`).
		WithArgs("DR0000123", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkFeedbackSent(context.Background(), "DR0000123", at))
	require.NoError(t, mock.ExpectationsWereMet())
}
