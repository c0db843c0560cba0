package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// stateLabels are the row titles of the summary table.
var stateLabels = map[model.ReconciliationState]string{
	model.StateFullyReconciled: "Fully reconciled",
	model.StateAutoAllocated:   "Auto-allocated",
	model.StatePendingReview:   "Pending review",
	model.StateUnmatched:       "Unmatched",
	model.StateExceptionError:  "Errors",
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(SubtitleStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableCellStyle
		})
}

// RenderSummary renders the outcome of a batch: counts per state and the
// variance totals.
func RenderSummary(batch *model.ReconciliationBatch, elapsed time.Duration) string {
	t := newTable().Headers("Result", "Payments")
	t.Row("Total", strconv.Itoa(batch.TotalCount))
	for _, state := range model.AllReconciliationStates() {
		t.Row(StateStyle(state).Render(stateLabels[state]), strconv.Itoa(batch.Summary.Count(state)))
	}
	t.Row("Total variance", batch.Summary.TotalVariance.StringFixed(2))
	t.Row("Average variance", batch.Summary.AverageVariance.StringFixed(2))

	var b strings.Builder
	title := "Reconciliation " + strings.ToLower(string(batch.Status))
	if batch.DryRun {
		title = DryRunIcon + " Dry run " + strings.ToLower(string(batch.Status))
	}
	fmt.Fprintf(&b, "%s\n", BatchStatusStyle(batch.Status).Bold(true).Render(title))
	fmt.Fprintf(&b, "%s\n", SubtitleStyle.Render(fmt.Sprintf("Batch %s · %s · %d of %d processed in %s",
		batch.ID, batch.Type, batch.ProcessedCount, batch.TotalCount, elapsed.Round(time.Millisecond))))
	b.WriteString(t.String())

	if batch.Summary.RolledBack {
		b.WriteString("\n" + FormatInfo("Dry run: no statuses were written"))
	}
	switch batch.Status {
	case model.BatchPaused:
		b.WriteString("\n" + FormatInfo("Resume with: balance batches resume "+batch.ID))
	case model.BatchCancelled:
		b.WriteString("\n" + FormatWarning("Cancelled: finished sub-batches were kept"))
	case model.BatchFailed:
		b.WriteString("\n" + FormatError(batch.ErrorMessage))
	case model.BatchPending, model.BatchProcessing, model.BatchCompleted:
	}
	return b.String()
}

// RenderBatches renders a batch listing.
func RenderBatches(batches []model.ReconciliationBatch) string {
	if len(batches) == 0 {
		return SubtitleStyle.Render("No batches found.")
	}

	t := newTable().Headers("ID", "Type", "Status", "Processed", "Errors", "Dry run", "Started")
	for _, b := range batches {
		started := "-"
		if !b.StartedAt.IsZero() {
			started = b.StartedAt.Local().Format("2006-01-02 15:04")
		}
		dryRun := ""
		if b.DryRun {
			dryRun = "yes"
		}
		t.Row(
			b.ID,
			string(b.Type),
			BatchStatusStyle(b.Status).Render(string(b.Status)),
			fmt.Sprintf("%d/%d", b.ProcessedCount, b.TotalCount),
			strconv.Itoa(b.FailedCount),
			dryRun,
			started,
		)
	}
	return t.String()
}

// RenderAuditTrail renders a batch's lifecycle events.
func RenderAuditTrail(events []model.AuditEvent) string {
	t := newTable().Headers("When", "Event", "Message")
	for _, e := range events {
		t.Row(e.OccurredAt.Local().Format("2006-01-02 15:04:05"), string(e.Type), e.Message)
	}
	return t.String()
}
