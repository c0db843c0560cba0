package model

// DiscountType is the category a legacy discount is inferred to belong to.
type DiscountType string

// Discount type constants.
const (
	DiscountNone        DiscountType = "NONE"
	DiscountEarlyBird   DiscountType = "EARLY_BIRD"
	DiscountMonk        DiscountType = "MONK"
	DiscountStaff       DiscountType = "STAFF"
	DiscountSibling     DiscountType = "SIBLING"
	DiscountScholarship DiscountType = "SCHOLARSHIP"
	DiscountSpecial     DiscountType = "SPECIAL"
	DiscountAdminFee    DiscountType = "ADMIN_FEE"
	DiscountCashPlan    DiscountType = "CASH_PLAN"
	DiscountCustom      DiscountType = "CUSTOM"
	DiscountUnknown     DiscountType = "UNKNOWN"
)

// Valid reports whether the discount type is known.
func (d DiscountType) Valid() bool {
	switch d {
	case DiscountNone, DiscountEarlyBird, DiscountMonk, DiscountStaff, DiscountSibling,
		DiscountScholarship, DiscountSpecial, DiscountAdminFee, DiscountCashPlan,
		DiscountCustom, DiscountUnknown:
		return true
	default:
		return false
	}
}

// ReducesCharge reports whether the discount type lowers the expected charge.
func (d DiscountType) ReducesCharge() bool {
	switch d {
	case DiscountEarlyBird, DiscountMonk, DiscountStaff, DiscountSibling,
		DiscountScholarship, DiscountSpecial, DiscountCashPlan, DiscountCustom:
		return true
	case DiscountNone, DiscountAdminFee, DiscountUnknown:
		return false
	default:
		return false
	}
}

// DiscountInferenceResult is the ephemeral output of the discount classifier.
type DiscountInferenceResult struct {
	Type       DiscountType
	Pattern    string  // Phrases and heuristics that produced the result
	Percentage float64 // Observed percentage the inference was made for
	Confidence float64 // 0.0-1.0
}
