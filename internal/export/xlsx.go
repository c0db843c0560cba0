package export

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/xuri/excelize/v2"
)

// Sheet names in exported workbooks.
const (
	ResultsSheet = "Results"
	SummarySheet = "Summary"
)

// WriteXLSX writes a workbook with a results sheet and, when batch is not nil,
// a summary sheet describing the batch.
func WriteXLSX(path string, batch *model.ReconciliationBatch, results []model.ReconciliationResult) (err error) {
	f := excelize.NewFile()
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close workbook: %w", closeErr)
		}
	}()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#DDEBF7"}},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return fmt.Errorf("failed to name results sheet: %w", err)
	}
	if err := writeResultsSheet(f, results, headerStyle); err != nil {
		return err
	}

	if batch != nil {
		if _, err := f.NewSheet(SummarySheet); err != nil {
			return fmt.Errorf("failed to add summary sheet: %w", err)
		}
		if err := writeSummarySheet(f, batch, headerStyle); err != nil {
			return err
		}
	}

	f.SetActiveSheet(0)
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}

	slog.Info("Exported results", "format", "xlsx", "path", path, "rows", len(results))
	return nil
}

func writeResultsSheet(f *excelize.File, results []model.ReconciliationResult, headerStyle int) error {
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(ResultsSheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	lastCol, err := excelize.ColumnNumberToName(len(Columns))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(ResultsSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, r := range sortedResults(results) {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := cellValues(r)
		if err := f.SetSheetRow(ResultsSheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row for payment %s: %w", r.Payment.ID, err)
		}
	}

	if err := f.SetColWidth(ResultsSheet, "A", lastCol, 16); err != nil {
		return err
	}
	return f.SetPanes(ResultsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

// cellValues keeps numbers numeric so the sheet can be summed and filtered.
func cellValues(r model.ReconciliationResult) []any {
	p, s := r.Payment, r.Status
	return []any{
		p.ID,
		p.Reference,
		p.PaymentDate.Format("2006-01-02"),
		p.Amount.Round(2).InexactFloat64(),
		p.StudentID,
		p.StudentName,
		p.Term,
		string(s.Status),
		s.Confidence,
		s.VarianceAmount.Round(2).InexactFloat64(),
		s.VariancePercentage,
		string(s.PricingMethod),
		strings.Join(s.MatchedCourses, courseSeparator),
		s.Notes,
	}
}

func writeSummarySheet(f *excelize.File, batch *model.ReconciliationBatch, headerStyle int) error {
	completed := ""
	if batch.CompletedAt != nil {
		completed = batch.CompletedAt.Format("2006-01-02 15:04:05")
	}

	rows := [][]any{
		{"Reconciliation Batch", batch.ID},
		{"Type", string(batch.Type)},
		{"Status", string(batch.Status)},
		{"Dry Run", batch.DryRun},
		{"Started", batch.StartedAt.Format("2006-01-02 15:04:05")},
		{"Completed", completed},
		{},
		{"State", "Payments"},
	}
	stateHeader := len(rows)
	for _, state := range model.AllReconciliationStates() {
		rows = append(rows, []any{string(state), batch.Summary.Count(state)})
	}
	rows = append(rows,
		[]any{},
		[]any{"Total Payments", batch.TotalCount},
		[]any{"Processed", batch.ProcessedCount},
		[]any{"Successful", batch.SuccessfulCount},
		[]any{"Errors", batch.FailedCount},
		[]any{"Total Variance", batch.Summary.TotalVariance.Round(2).InexactFloat64()},
		[]any{"Average Variance", batch.Summary.AverageVariance.Round(2).InexactFloat64()},
	)
	if batch.ErrorMessage != "" {
		rows = append(rows, []any{"Error", batch.ErrorMessage})
	}

	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SummarySheet, cell, &rows[i]); err != nil {
			return fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}

	if err := f.SetCellStyle(SummarySheet, "A1", "B1", headerStyle); err != nil {
		return err
	}
	headerRow := fmt.Sprintf("%d", stateHeader)
	if err := f.SetCellStyle(SummarySheet, "A"+headerRow, "B"+headerRow, headerStyle); err != nil {
		return err
	}
	return f.SetColWidth(SummarySheet, "A", "B", 24)
}
