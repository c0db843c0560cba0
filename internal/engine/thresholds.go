package engine

import (
	"fmt"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/shopspring/decimal"
)

// Thresholds are the business cut points used to classify a payment.
type Thresholds struct {
	ExactTolerance         decimal.Decimal // Largest |variance| still considered exact
	PercentTolerance       float64         // Largest |variance %| for auto allocation
	FullConfidence         float64         // Minimum confidence for FULLY_RECONCILED
	AutoConfidence         float64         // Minimum confidence for AUTO_ALLOCATED
	VariancePenalty        float64         // Confidence lost per point of |variance %|
	InferredPenalty        float64         // Confidence lost when a discount had to be inferred
	InferenceWeight        float64         // Share of the score scaled by inference confidence
	InferenceMinConfidence float64         // Inferences below this force a review
}

// maxPenalisedPercent caps the variance percentage that still lowers confidence.
const maxPenalisedPercent = 50.0

// DefaultThresholds returns the standard reconciliation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ExactTolerance:         decimal.NewFromFloat(0.01),
		PercentTolerance:       2.0,
		FullConfidence:         95,
		AutoConfidence:         70,
		VariancePenalty:        2.0,
		InferredPenalty:        20,
		InferenceWeight:        0.3,
		InferenceMinConfidence: 0.5,
	}
}

// Validate checks that the thresholds describe a usable classification.
func (t Thresholds) Validate() error {
	switch {
	case t.ExactTolerance.IsNegative():
		return fmt.Errorf("%w: exact tolerance must not be negative", common.ErrInvalidConfig)
	case t.PercentTolerance < 0:
		return fmt.Errorf("%w: percent tolerance must not be negative", common.ErrInvalidConfig)
	case t.FullConfidence < 0 || t.FullConfidence > 100:
		return fmt.Errorf("%w: full confidence must be between 0 and 100, got %.1f", common.ErrInvalidConfig, t.FullConfidence)
	case t.AutoConfidence < 0 || t.AutoConfidence > t.FullConfidence:
		return fmt.Errorf("%w: auto confidence must be between 0 and %.1f, got %.1f", common.ErrInvalidConfig, t.FullConfidence, t.AutoConfidence)
	case t.VariancePenalty < 0 || t.InferredPenalty < 0:
		return fmt.Errorf("%w: penalties must not be negative", common.ErrInvalidConfig)
	case t.InferenceWeight < 0 || t.InferenceWeight > 1:
		return fmt.Errorf("%w: inference weight must be between 0 and 1, got %.2f", common.ErrInvalidConfig, t.InferenceWeight)
	case t.InferenceMinConfidence < 0 || t.InferenceMinConfidence > 1:
		return fmt.Errorf("%w: inference minimum confidence must be between 0 and 1, got %.2f", common.ErrInvalidConfig, t.InferenceMinConfidence)
	}
	return nil
}
