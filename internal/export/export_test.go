package export

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func testResults() []model.ReconciliationResult {
	day := func(d int) time.Time { return time.Date(2024, time.August, d, 10, 0, 0, 0, time.UTC) }
	return []model.ReconciliationResult{
		{
			Payment: model.Payment{
				ID: "P-2", Reference: "REF-2", PaymentDate: day(20), StudentID: "S-2",
				StudentName: "Tenzin Norbu", Term: "2024-FALL", Amount: decimal.RequireFromString("480"),
			},
			Status: model.ReconciliationStatus{
				Status: model.StatePendingReview, Confidence: 92, VariancePercentage: -4,
				VarianceAmount: decimal.RequireFromString("-20"), PricingMethod: model.PricingDefault,
				MatchedCourses: []string{"CS101"}, Notes: "short, \"no note\"",
			},
		},
		{
			Payment: model.Payment{
				ID: "P-1", Reference: "REF-1", PaymentDate: day(1), StudentID: "S-1",
				StudentName: "Ana Silva", Term: "2024-FALL", Amount: decimal.RequireFromString("1425"),
			},
			Status: model.ReconciliationStatus{
				Status: model.StateFullyReconciled, Confidence: 100,
				VarianceAmount: decimal.Zero, PricingMethod: model.PricingMixed,
				MatchedCourses: []string{"CS101", "CAP400"},
			},
		},
	}
}

func TestRows(t *testing.T) {
	rows := Rows(testResults())
	require.Len(t, rows, 2)

	assert.Equal(t, Row{
		PaymentID:          "P-1",
		Reference:          "REF-1",
		PaymentDate:        "2024-08-01",
		Amount:             "1425.00",
		StudentID:          "S-1",
		StudentName:        "Ana Silva",
		Term:               "2024-FALL",
		Status:             "FULLY_RECONCILED",
		Confidence:         "100.00",
		VarianceAmount:     "0.00",
		VariancePercentage: "0.00",
		PricingMethod:      "mixed",
		MatchedCourses:     "CS101;CAP400",
	}, rows[0])
	assert.Equal(t, "P-2", rows[1].PaymentID)
	assert.Equal(t, "-20.00", rows[1].VarianceAmount)
	assert.Equal(t, "-4.00", rows[1].VariancePercentage)
	assert.Len(t, rows[0].Values(), len(Columns))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, testResults()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, Columns, records[0])
	assert.Equal(t, "P-1", records[1][0])
	assert.Equal(t, "CS101;CAP400", records[1][12])
	assert.Equal(t, "short, \"no note\"", records[2][13], "notes survive quoting")
}

func TestWriteCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{Columns}, records)
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, WriteCSVFile(path, testResults()))

	err := WriteCSVFile(filepath.Join(t.TempDir(), "missing", "results.csv"), nil)
	require.Error(t, err)
}

func TestWriteXLSX(t *testing.T) {
	completed := time.Date(2024, time.September, 1, 12, 0, 0, 0, time.UTC)
	batch := &model.ReconciliationBatch{
		ID:              "B-1",
		Type:            model.BatchTypeManual,
		Status:          model.BatchCompleted,
		StartedAt:       completed.Add(-time.Minute),
		CompletedAt:     &completed,
		Summary:         model.NewBatchSummary(),
		TotalCount:      2,
		ProcessedCount:  2,
		SuccessfulCount: 2,
	}
	for _, r := range testResults() {
		batch.Summary.ByState[r.Status.Status]++
	}

	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, WriteXLSX(path, batch, testResults()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{ResultsSheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(ResultsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Columns, rows[0])
	assert.Equal(t, "P-1", rows[1][0])
	assert.Equal(t, "1425", rows[1][3])
	assert.Equal(t, "FULLY_RECONCILED", rows[1][7])
	assert.Equal(t, "P-2", rows[2][0])
	assert.Equal(t, "-20", rows[2][9])

	id, err := f.GetCellValue(SummarySheet, "B1")
	require.NoError(t, err)
	assert.Equal(t, "B-1", id)

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	counts := map[string]string{}
	for _, row := range summary {
		if len(row) == 2 {
			counts[row[0]] = row[1]
		}
	}
	assert.Equal(t, "1", counts["FULLY_RECONCILED"])
	assert.Equal(t, "1", counts["PENDING_REVIEW"])
	assert.Equal(t, "0", counts["UNMATCHED"])
	assert.Equal(t, "2", counts["Total Payments"])
}

func TestWriteXLSX_WithoutBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.xlsx")
	require.NoError(t, WriteXLSX(path, nil, testResults()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	assert.Equal(t, []string{ResultsSheet}, f.GetSheetList())
}
