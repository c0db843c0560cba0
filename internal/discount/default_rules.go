package discount

import "github.com/Veraticus/the-ledger-must-balance/internal/model"

// DefaultRules returns the phrase rules used to read legacy discount notes.
// Order matters: within the special category the first matching rule with a
// specific subtype names the discount.
func DefaultRules() []Rule {
	return []Rule{
		// Identity-based discounts
		{
			Name:     "monastic",
			Category: CategorySpecial,
			Regex:    `\b(monks?|bhikkhus?|bhikkhunis?|venerable|nuns?|novices?)\b`,
			Weight:   0.5,
			Subtype:  model.DiscountMonk,
		},
		{
			Name:     "staff",
			Category: CategorySpecial,
			Regex:    `\b(staff|employees?|faculty)\b`,
			Weight:   0.5,
			Subtype:  model.DiscountStaff,
		},
		{
			Name:     "sibling",
			Category: CategorySpecial,
			Regex:    `\b(siblings?|brothers?|sisters?|second\s+child)\b`,
			Weight:   0.5,
			Subtype:  model.DiscountSibling,
		},
		{
			Name:     "scholarship",
			Category: CategorySpecial,
			Regex:    `\b(scholarships?|bursary|bursaries|financial\s+aid|sponsored)\b`,
			Weight:   0.5,
			Subtype:  model.DiscountScholarship,
		},
		{
			Name:     "approval",
			Category: CategorySpecial,
			Regex:    `\bapproved\s+by\s+(the\s+)?(dean|director|rector|principal|abbot|board|president)\b`,
			Weight:   0.3,
			Subtype:  model.DiscountSpecial,
		},
		{
			Name:     "special case",
			Category: CategorySpecial,
			Regex:    `\b(special\s+(discount|case|rate|arrangement)|waiver|waived\s+tuition|exempt(ion)?)\b`,
			Weight:   0.4,
			Subtype:  model.DiscountSpecial,
		},
		{
			Name:     "free of charge",
			Category: CategorySpecial,
			Regex:    `\b(free\s+of\s+charge|no\s+charge|100\s*%\s*(off|discount))`,
			Weight:   0.3,
			Subtype:  model.DiscountSpecial,
		},

		// Administrative fee adjustments
		{
			Name:     "admin fee",
			Category: CategoryAdminFee,
			Regex:    `\badmin(istrative|istration)?\.?\s*(fee|charge)s?\b`,
			Weight:   0.5,
		},
		{
			Name:     "named fee",
			Category: CategoryAdminFee,
			Regex:    `\b(processing|registration|application|late|bank)\s+(fee|charge)s?\b`,
			Weight:   0.4,
		},
		{
			Name:     "fee adjustment",
			Category: CategoryAdminFee,
			Regex:    `\bfees?\s+(waived|adjust(ed|ment)|deducted|only)\b`,
			Weight:   0.3,
		},

		// Cash and payment-plan discounts
		{
			Name:     "cash plan",
			Category: CategoryCashPlan,
			Regex:    `\bcash\s*(plan|payment|discount|price)\b`,
			Weight:   0.5,
		},
		{
			Name:     "paid in full",
			Category: CategoryCashPlan,
			Regex:    `\b(paid|pay|paying)\s+(in\s+)?(full|cash)\b`,
			Weight:   0.4,
		},
		{
			Name:     "lump sum",
			Category: CategoryCashPlan,
			Regex:    `\b(lump\s*sum|one[-\s]?time\s+payment|upfront|up[-\s]front)\b`,
			Weight:   0.3,
		},
		{
			Name:     "payment plan",
			Category: CategoryCashPlan,
			Regex:    `\b(payment\s+plan|instal+ments?)\b`,
			Weight:   0.3,
		},

		// Early-bird promotions
		{
			Name:     "early bird",
			Category: CategoryEarlyBird,
			Regex:    `\bearly[-\s]?bird\b`,
			Weight:   0.5,
		},
		{
			Name:     "pay by date",
			Category: CategoryEarlyBird,
			Regex:    `\b(pay|paid|payment|pays)\s+(by|before)\b`,
			Weight:   0.4,
		},
		{
			Name:     "early payment",
			Category: CategoryEarlyBird,
			Regex:    `\b(early\s+(payment|registration|enrol+ment|pay)|before\s+(the\s+)?deadline)\b`,
			Weight:   0.4,
		},
		{
			Name:     "promotion",
			Category: CategoryEarlyBird,
			Regex:    `\bpromo(tion(al)?)?\b`,
			Weight:   0.3,
		},

		// Mass-discount phrasing only boosts early-bird scoring
		{
			Name:     "mass discount",
			Category: CategoryMassDiscount,
			Regex:    `\b(all\s+students|every\s+student|everyone\s+who\s+pays\s+by|everybody)\b`,
			Weight:   0.3,
		},

		// Explicit statements that no discount applies
		{
			Name:     "no discount",
			Category: CategoryNone,
			Regex:    `\b(no|without)\s+discounts?\b`,
			Weight:   0.5,
		},
		{
			Name:     "full price",
			Category: CategoryNone,
			Regex:    `\bfull\s+(price|fee|tuition|amount|rate)\b`,
			Weight:   0.4,
		},
		{
			Name:     "standard rate",
			Category: CategoryNone,
			Regex:    `\b(standard|regular|normal)\s+(rate|price|tuition|fee)\b`,
			Weight:   0.3,
		},
	}
}
