// Package export writes reconciliation results to CSV files and Excel workbooks.
package export

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

// Columns is the header shared by every export format.
var Columns = []string{
	"payment_id",
	"reference",
	"payment_date",
	"amount",
	"student_id",
	"student_name",
	"term",
	"status",
	"confidence",
	"variance_amount",
	"variance_percentage",
	"pricing_method",
	"matched_courses",
	"notes",
}

// courseSeparator joins matched course codes within one cell.
const courseSeparator = ";"

// Row is one exported result, already formatted for output.
type Row struct {
	PaymentID          string
	Reference          string
	PaymentDate        string
	Amount             string
	StudentID          string
	StudentName        string
	Term               string
	Status             string
	Confidence         string
	VarianceAmount     string
	VariancePercentage string
	PricingMethod      string
	MatchedCourses     string
	Notes              string
}

// Values returns the row in column order.
func (r Row) Values() []string {
	return []string{
		r.PaymentID,
		r.Reference,
		r.PaymentDate,
		r.Amount,
		r.StudentID,
		r.StudentName,
		r.Term,
		r.Status,
		r.Confidence,
		r.VarianceAmount,
		r.VariancePercentage,
		r.PricingMethod,
		r.MatchedCourses,
		r.Notes,
	}
}

// NewRow flattens a result.
func NewRow(result model.ReconciliationResult) Row {
	p := result.Payment
	s := result.Status
	return Row{
		PaymentID:          p.ID,
		Reference:          p.Reference,
		PaymentDate:        p.PaymentDate.Format("2006-01-02"),
		Amount:             p.Amount.StringFixed(2),
		StudentID:          p.StudentID,
		StudentName:        p.StudentName,
		Term:               p.Term,
		Status:             string(s.Status),
		Confidence:         strconv.FormatFloat(s.Confidence, 'f', 2, 64),
		VarianceAmount:     s.VarianceAmount.StringFixed(2),
		VariancePercentage: strconv.FormatFloat(s.VariancePercentage, 'f', 2, 64),
		PricingMethod:      string(s.PricingMethod),
		MatchedCourses:     strings.Join(s.MatchedCourses, courseSeparator),
		Notes:              s.Notes,
	}
}

// Rows flattens results ordered by payment date, then payment ID.
func Rows(results []model.ReconciliationResult) []Row {
	sorted := sortedResults(results)
	rows := make([]Row, len(sorted))
	for i, r := range sorted {
		rows[i] = NewRow(r)
	}
	return rows
}

func sortedResults(results []model.ReconciliationResult) []model.ReconciliationResult {
	sorted := make([]model.ReconciliationResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Payment, sorted[j].Payment
		if !a.PaymentDate.Equal(b.PaymentDate) {
			return a.PaymentDate.Before(b.PaymentDate)
		}
		return a.ID < b.ID
	})
	return sorted
}
