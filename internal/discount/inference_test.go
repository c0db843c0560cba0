package discount

import (
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var termStart = time.Date(2024, time.September, 15, 0, 0, 0, 0, time.UTC)

func daysBefore(days int) time.Time {
	return termStart.AddDate(0, 0, -days)
}

func newTestInferrer(t *testing.T) *Inferrer {
	t.Helper()
	inf, err := NewDefaultInferrer()
	require.NoError(t, err)
	return inf
}

func TestNewInferrer(t *testing.T) {
	tests := []struct {
		name    string
		errMsg  string
		rules   []Rule
		wantErr bool
	}{
		{
			name:  "default rules compile",
			rules: DefaultRules(),
		},
		{
			name:  "empty rules",
			rules: []Rule{},
		},
		{
			name: "invalid regex",
			rules: []Rule{
				{Name: "broken", Category: CategoryEarlyBird, Regex: `[unclosed`, Weight: 0.4},
			},
			wantErr: true,
			errMsg:  "failed to compile rule broken",
		},
		{
			name: "weight out of range",
			rules: []Rule{
				{Name: "heavy", Category: CategoryEarlyBird, Regex: `early`, Weight: 1.5},
			},
			wantErr: true,
			errMsg:  "weight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inf, err := NewInferrer(tt.rules)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, inf)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.rules), inf.RuleCount())
		})
	}
}

func TestInferrer_Infer(t *testing.T) {
	inf := newTestInferrer(t)

	tests := []struct {
		name          string
		input         Input
		wantType      model.DiscountType
		minConfidence float64
		maxConfidence float64
	}{
		{
			name: "early bird note with mass phrasing",
			input: Input{
				Note:               "Pay by Aug 1 — 10% all students",
				ObservedPercentage: 10,
				PaymentDate:        daysBefore(45),
				TermStart:          termStart,
			},
			wantType:      model.DiscountEarlyBird,
			minConfidence: 0.7,
			maxConfidence: 1.0,
		},
		{
			name: "monk discount short-circuits",
			input: Input{
				Note:               "Monk discount approved by dean",
				ObservedPercentage: 100,
			},
			wantType:      model.DiscountMonk,
			minConfidence: 0.7,
			maxConfidence: 1.0,
		},
		{
			name: "special arrangement for staff student",
			input: Input{
				Note:               "Special arrangement approved by director",
				ObservedPercentage: 25,
				StudentType:        model.StudentTypeStaff,
			},
			wantType:      model.DiscountStaff,
			minConfidence: 0.7,
			maxConfidence: 1.0,
		},
		{
			name: "administrative fee adjustment",
			input: Input{
				Note:               "Admin fee deducted, registration fee waived",
				ObservedPercentage: 3,
			},
			wantType:      model.DiscountAdminFee,
			minConfidence: 0.6,
			maxConfidence: 1.0,
		},
		{
			name: "cash plan",
			input: Input{
				Note:               "Cash payment, paid in full upfront",
				ObservedPercentage: 7,
			},
			wantType:      model.DiscountCashPlan,
			minConfidence: 0.6,
			maxConfidence: 1.0,
		},
		{
			name: "explicitly no discount",
			input: Input{
				Note: "Full price, no discount",
			},
			wantType:      model.DiscountNone,
			minConfidence: 0.6,
			maxConfidence: 1.0,
		},
		{
			name: "early bird keyword with long lead time",
			input: Input{
				Note:        "early-bird",
				PaymentDate: daysBefore(90),
				TermStart:   termStart,
			},
			wantType:      model.DiscountEarlyBird,
			minConfidence: 1.0,
			maxConfidence: 1.0,
		},
		{
			name: "fallback large percentage",
			input: Input{
				ObservedPercentage: 60,
			},
			wantType:      model.DiscountSpecial,
			minConfidence: 0.6,
			maxConfidence: 0.6,
		},
		{
			name: "fallback common percentage paid a week early",
			input: Input{
				ObservedPercentage: 15,
				PaymentDate:        daysBefore(8),
				TermStart:          termStart,
			},
			wantType:      model.DiscountEarlyBird,
			minConfidence: 0.7,
			maxConfidence: 0.7,
		},
		{
			name: "fallback mid-range percentage",
			input: Input{
				ObservedPercentage: 30,
			},
			wantType:      model.DiscountSpecial,
			minConfidence: 0.4,
			maxConfidence: 0.4,
		},
		{
			name: "fallback small percentage",
			input: Input{
				ObservedPercentage: 12,
			},
			wantType:      model.DiscountEarlyBird,
			minConfidence: 0.5,
			maxConfidence: 0.5,
		},
		{
			name: "unrecognised note without percentage",
			input: Input{
				Note: "see ledger book 4",
			},
			wantType:      model.DiscountCustom,
			minConfidence: 0.2,
			maxConfidence: 0.2,
		},
		{
			name:          "nothing to go on",
			input:         Input{},
			wantType:      model.DiscountUnknown,
			minConfidence: 0,
			maxConfidence: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inf.Infer(tt.input)
			assert.Equal(t, tt.wantType, got.Type, "pattern: %s", got.Pattern)
			assert.GreaterOrEqual(t, got.Confidence, tt.minConfidence)
			assert.LessOrEqual(t, got.Confidence, tt.maxConfidence)
			assert.InDelta(t, tt.input.ObservedPercentage, got.Percentage, 0.0001)
		})
	}
}

func TestInferrer_InferIsDeterministic(t *testing.T) {
	inf := newTestInferrer(t)

	inputs := []Input{
		{Note: "Pay by Aug 1 — 10% all students", ObservedPercentage: 10, PaymentDate: daysBefore(45), TermStart: termStart},
		{Note: "Monk discount approved by dean", ObservedPercentage: 100},
		{Note: "sibling rate, cash payment", ObservedPercentage: 20, StudentType: model.StudentTypeMonk},
		{ObservedPercentage: 33.3},
	}

	for _, in := range inputs {
		first := inf.Infer(in)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, inf.Infer(in))
		}
	}
}

func TestInferrer_TimingBonus(t *testing.T) {
	inf := newTestInferrer(t)

	// A weak note only clears the early-bird threshold with enough lead time.
	base := Input{Note: "promo", TermStart: termStart}

	short := base
	short.PaymentDate = daysBefore(3)
	assert.NotEqual(t, model.DiscountEarlyBird, inf.Infer(short).Type)

	medium := base
	medium.PaymentDate = daysBefore(30)
	got := inf.Infer(medium)
	assert.Equal(t, model.DiscountEarlyBird, got.Type)
	assert.InDelta(t, 0.7, got.Confidence, 0.0001)

	long := base
	long.PaymentDate = daysBefore(75)
	got = inf.Infer(long)
	assert.Equal(t, model.DiscountEarlyBird, got.Type)
	assert.InDelta(t, 0.9, got.Confidence, 0.0001)
}

func TestInferrer_SpecialOutranksEarlyBird(t *testing.T) {
	inf := newTestInferrer(t)

	got := inf.Infer(Input{
		Note:               "Scholarship approved by the board, paid before deadline",
		ObservedPercentage: 50,
		PaymentDate:        daysBefore(40),
		TermStart:          termStart,
	})

	assert.Equal(t, model.DiscountScholarship, got.Type)
	assert.Contains(t, got.Pattern, "scholarship")
}
