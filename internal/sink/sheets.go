package sink

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/fibreops/dropwatch/internal/correlate"
	"github.com/fibreops/dropwatch/internal/errors"
)

const (
	// sheetDataStartRow is the first data row; everything above is headers
	// and tab chrome maintained by hand.
	sheetDataStartRow = 17
	sheetScanRows     = 84
	// sheetMaxRow caps where new rows go when the scan window is full.
	sheetMaxRow = 200

	sheetColIncomplete  = "V"
	sheetColResubmitted = "W"
)

// SheetsSink writes review rows to one tab of the shared tracking
// spreadsheet. Each monitored group gets its own tab.
type SheetsSink struct {
	srv           *sheets.Service
	spreadsheetID string
	tab           string
}

// NewSheets builds a sink over the tracking spreadsheet using service
// account credentials.
func NewSheets(ctx context.Context, credentialsPath, spreadsheetID, tab string) (*SheetsSink, error) {
	if spreadsheetID == "" || tab == "" {
		return nil, errors.InvalidInput("sheets sink needs a spreadsheet id and tab")
	}

	srv, err := sheets.NewService(ctx, option.WithCredentialsFile(credentialsPath), option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, errors.Wrap(errors.MapError(err), "create sheets service")
	}
	return &SheetsSink{srv: srv, spreadsheetID: spreadsheetID, tab: tab}, nil
}

// Name implements Sink.
func (s *SheetsSink) Name() string { return "sheets" }

// Upsert implements Sink. The tab is scanned for an existing row keyed on
// the drop number in column B; absent drops get a fresh row at the first
// empty slot, present ones only the requested field transitions.
func (s *SheetsSink) Upsert(ctx context.Context, key correlate.Key, fact Fact) error {
	values, err := s.readScanWindow(ctx)
	if err != nil {
		return err
	}

	rowIdx := findRowByUnitID(values, key.UnitID)
	if rowIdx < 0 {
		rowNum := nextEmptyRow(values, sheetDataStartRow)
		if err := s.writeNewRow(ctx, rowNum, key, fact); err != nil {
			return err
		}
		if fact.Kind != KindResubmitted {
			return nil
		}
		rowIdx = rowNum - sheetDataStartRow
	}

	if fact.Kind != KindResubmitted {
		return nil
	}
	return s.markResubmitted(ctx, sheetDataStartRow+rowIdx)
}

func (s *SheetsSink) readScanWindow(ctx context.Context) ([][]any, error) {
	readRange := fmt.Sprintf("%s!A%d:X%d", s.tab, sheetDataStartRow, sheetDataStartRow+sheetScanRows-1)
	resp, err := s.srv.Spreadsheets.Values.Get(s.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(errors.MapError(err), "read sheet tab "+s.tab)
	}
	return resp.Values, nil
}

func (s *SheetsSink) writeNewRow(ctx context.Context, rowNum int, key correlate.Key, fact Fact) error {
	row := newReviewRow(key, fact)
	writeRange := fmt.Sprintf("%s!A%d:X%d", s.tab, rowNum, rowNum)

	vr := &sheets.ValueRange{Values: [][]any{row}}
	_, err := s.srv.Spreadsheets.Values.Update(s.spreadsheetID, writeRange, vr).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	if err != nil {
		return errors.Wrap(errors.MapError(err), fmt.Sprintf("write sheet row %d in %s", rowNum, s.tab))
	}
	return nil
}

// markResubmitted flips the resubmitted flag on and the incomplete flag off.
// Both cells are absolute values, so a replay writes the same state again.
func (s *SheetsSink) markResubmitted(ctx context.Context, rowNum int) error {
	updates := []struct {
		column string
		value  bool
	}{
		{sheetColResubmitted, true},
		{sheetColIncomplete, false},
	}

	for _, u := range updates {
		cell := fmt.Sprintf("%s!%s%d", s.tab, u.column, rowNum)
		vr := &sheets.ValueRange{Values: [][]any{{u.value}}}
		_, err := s.srv.Spreadsheets.Values.Update(s.spreadsheetID, cell, vr).
			ValueInputOption("USER_ENTERED").
			Context(ctx).
			Do()
		if err != nil {
			return errors.Wrap(errors.MapError(err), "update cell "+cell)
		}
	}
	return nil
}

// newReviewRow lays out the 24-column review row: date, drop number, the 14
// step checkboxes, photo counters, contractor, status, and the flag columns.
func newReviewRow(key correlate.Key, fact Fact) []any {
	row := make([]any, 0, 24)
	row = append(row,
		reviewDateString(fact.RecordedAt), // A: date
		key.UnitID,                        // B: drop number
	)
	for range qaStepColumns { // C-P: step checkboxes
		row = append(row, "FALSE")
	}
	row = append(row,
		0,                  // Q: completed photos
		len(qaStepColumns), // R: outstanding photos
		fact.Contractor,    // S: contractor
		"Processing",       // T: status
		"",                 // U: QA notes
		"FALSE",            // V: incomplete
		"FALSE",            // W: resubmitted
		"",                 // X: notes
	)
	return row
}

// findRowByUnitID returns the 0-based index into the scan window of the row
// whose column B equals unitID, or -1.
func findRowByUnitID(values [][]any, unitID string) int {
	for i, row := range values {
		if len(row) > 1 && fmt.Sprint(row[1]) == unitID {
			return i
		}
	}
	return -1
}

// nextEmptyRow returns the 1-based sheet row number of the first row in the
// scan window with an empty column A.
func nextEmptyRow(values [][]any, startRow int) int {
	for i, row := range values {
		if len(row) == 0 || row[0] == nil || row[0] == "" {
			return startRow + i
		}
	}
	next := startRow + len(values)
	if next > sheetMaxRow {
		return sheetMaxRow
	}
	return next
}

// reviewDateString is the sheet-facing date format.
func reviewDateString(t time.Time) string { return t.Format("2006/01/02") }
