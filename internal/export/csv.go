package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

// WriteCSV writes the header and one line per result.
func WriteCSV(w io.Writer, results []model.ReconciliationResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, row := range Rows(results) {
		if err := cw.Write(row.Values()); err != nil {
			return fmt.Errorf("failed to write CSV row for payment %s: %w", row.PaymentID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// WriteCSVFile creates path and writes the results to it.
func WriteCSVFile(path string, results []model.ReconciliationResult) (err error) {
	f, err := os.Create(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, closeErr)
		}
	}()

	if err := WriteCSV(f, results); err != nil {
		return err
	}

	slog.Info("Exported results", "format", "csv", "path", path, "rows", len(results))
	return nil
}
