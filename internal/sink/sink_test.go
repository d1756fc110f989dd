package sink

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibreops/dropwatch/internal/correlate"
	"github.com/fibreops/dropwatch/internal/errors"
)

type fakeSink struct {
	name    string
	err     error
	upserts []correlate.Key
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Upsert(_ context.Context, key correlate.Key, _ Fact) error {
	f.upserts = append(f.upserts, key)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testFact(kind Kind) Fact {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	return Fact{Kind: kind, Contractor: "27821234567", ObservedAt: now, RecordedAt: now}
}

func TestSynchronizeAppliesAllSinks(t *testing.T) {
	a := &fakeSink{name: "sheets"}
	b := &fakeSink{name: "postgres"}
	syn := NewSynchronizer(testLogger(), false, a, b)

	key := correlate.Key{Project: "velo_test", UnitID: "DR0000123"}
	outcomes := syn.Synchronize(context.Background(), key, testFact(KindReported))

	require.Len(t, outcomes, 2)
	assert.Equal(t, "sheets", outcomes[0].Sink)
	assert.Equal(t, "postgres", outcomes[1].Sink)
	assert.NoError(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
	assert.Len(t, a.upserts, 1)
	assert.Len(t, b.upserts, 1)
}

func TestSynchronizeIsolatesFailures(t *testing.T) {
	a := &fakeSink{name: "sheets", err: errors.Transient("quota exceeded")}
	b := &fakeSink{name: "postgres"}
	syn := NewSynchronizer(testLogger(), false, a, b)

	key := correlate.Key{Project: "velo_test", UnitID: "DR0000123"}
	outcomes := syn.Synchronize(context.Background(), key, testFact(KindResubmitted))

	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0].Err)
	assert.NoError(t, outcomes[1].Err)
	assert.Len(t, b.upserts, 1, "second sink must still be attempted")

	failed := Failed(outcomes)
	require.Len(t, failed, 1)
	assert.Equal(t, "sheets", failed[0].Sink)
}

func TestSynchronizeDryRun(t *testing.T) {
	a := &fakeSink{name: "sheets"}
	syn := NewSynchronizer(testLogger(), true, a)

	key := correlate.Key{Project: "velo_test", UnitID: "DR0000123"}
	outcomes := syn.Synchronize(context.Background(), key, testFact(KindReported))

	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Empty(t, a.upserts, "dry-run must not touch sinks")
}

func TestFindRowByUnitID(t *testing.T) {
	values := [][]any{
		{"2026/08/29", "DR0000100"},
		{"2026/08/29", "DR0000123"},
		{},
	}

	assert.Equal(t, 1, findRowByUnitID(values, "DR0000123"))
	assert.Equal(t, -1, findRowByUnitID(values, "DR9999999"))
	assert.Equal(t, -1, findRowByUnitID(nil, "DR0000123"))
}

func TestNextEmptyRow(t *testing.T) {
	assert.Equal(t, sheetDataStartRow, nextEmptyRow(nil, sheetDataStartRow))

	values := [][]any{
		{"2026/08/29", "DR0000100"},
		{""},
		{"2026/08/29", "DR0000123"},
	}
	assert.Equal(t, sheetDataStartRow+1, nextEmptyRow(values, sheetDataStartRow))

	full := make([][]any, 0, 3)
	for range 3 {
		full = append(full, []any{"2026/08/29", "DR0000100"})
	}
	assert.Equal(t, sheetDataStartRow+3, nextEmptyRow(full, sheetDataStartRow))
}

func TestNewReviewRowShape(t *testing.T) {
	key := correlate.Key{Project: "velo_test", UnitID: "DR0000123"}
	row := newReviewRow(key, testFact(KindReported))

	require.Len(t, row, 24)
	assert.Equal(t, "2026/08/30", row[0])
	assert.Equal(t, "DR0000123", row[1])
	for i := 2; i < 16; i++ {
		assert.Equal(t, "FALSE", row[i], "step checkbox %d", i)
	}
	assert.Equal(t, "Processing", row[19])
	assert.Equal(t, "FALSE", row[22], "resubmitted flag starts clear")
}
