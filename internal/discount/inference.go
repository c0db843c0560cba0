// Package discount infers the discount behind ambiguous legacy payment records.
package discount

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/model"
)

// Category is one of the indicator sets a rule contributes to.
type Category string

const (
	// CategorySpecial covers identity-based and approved special discounts.
	CategorySpecial Category = "special"
	// CategoryAdminFee covers administrative fee adjustments.
	CategoryAdminFee Category = "admin_fee"
	// CategoryCashPlan covers cash and payment-plan discounts.
	CategoryCashPlan Category = "cash_plan"
	// CategoryEarlyBird covers early payment promotions.
	CategoryEarlyBird Category = "early_bird"
	// CategoryNone covers notes stating that no discount applies.
	CategoryNone Category = "none"
	// CategoryMassDiscount covers phrasing addressed to every student.
	CategoryMassDiscount Category = "mass_discount"
)

// Category thresholds, evaluated in priority order.
const (
	SpecialThreshold   = 0.7
	AdminFeeThreshold  = 0.6
	CashPlanThreshold  = 0.6
	EarlyBirdThreshold = 0.5
	NoneThreshold      = 0.6
)

// Early-bird and special scoring bonuses.
const (
	leadTimeBonus        = 0.4 // termStart - paymentDate within [10,60] days
	longLeadTimeBonus    = 0.6 // more than 60 days
	commonPercentBonus   = 0.2
	massDiscountBonus    = 0.3
	identityStudentBonus = 0.4
	largePercentBonus    = 0.2
)

var commonPromotionalPercents = []float64{5, 10, 15, 20}

// Rule is a weighted phrase pattern contributing to one category.
type Rule struct {
	Name     string
	Category Category
	Regex    string
	Subtype  model.DiscountType // Specific discount named by a special rule
	Weight   float64
}

type compiledRule struct {
	regex *regexp.Regexp
	Rule
}

// Input carries everything the classifier looks at.
type Input struct {
	PaymentDate        time.Time
	TermStart          time.Time
	Note               string
	StudentType        model.StudentType
	ObservedPercentage float64
}

// Inferrer scores legacy notes against an ordered rule table. It holds no
// mutable state, so a single instance may be shared between goroutines.
type Inferrer struct {
	rules []compiledRule
}

// NewInferrer compiles the given rules.
func NewInferrer(rules []Rule) (*Inferrer, error) {
	compiled := make([]compiledRule, 0, len(rules))

	for _, r := range rules {
		regexStr := r.Regex
		if !strings.HasPrefix(regexStr, "(?i)") {
			regexStr = "(?i)" + regexStr
		}

		regex, err := regexp.Compile(regexStr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", r.Name, err)
		}
		if r.Weight <= 0 || r.Weight > 1 {
			return nil, fmt.Errorf("rule %s: weight %.2f outside (0,1]", r.Name, r.Weight)
		}

		compiled = append(compiled, compiledRule{Rule: r, regex: regex})
	}

	return &Inferrer{rules: compiled}, nil
}

// NewDefaultInferrer compiles DefaultRules.
func NewDefaultInferrer() (*Inferrer, error) {
	return NewInferrer(DefaultRules())
}

// RuleCount returns the number of loaded rules.
func (inf *Inferrer) RuleCount() int {
	return len(inf.rules)
}

// categoryScore accumulates the hits of a single category.
type categoryScore struct {
	subtype model.DiscountType
	hits    []string
	score   float64
}

func (c *categoryScore) add(name string, weight float64) {
	c.hits = append(c.hits, name)
	c.score = capScore(c.score + weight)
}

// Infer classifies a legacy note and observed percentage into a discount type.
// Identical inputs always produce identical results.
func (inf *Inferrer) Infer(in Input) model.DiscountInferenceResult {
	note := strings.ToLower(strings.TrimSpace(in.Note))
	pct := in.ObservedPercentage
	leadDays, hasLead := leadTime(in.PaymentDate, in.TermStart)

	scores := inf.score(note)

	// Special-case identity discounts short-circuit everything else
	special := scores[CategorySpecial]
	if identity := identityDiscount(in.StudentType); identity != "" {
		special.add("student type "+string(in.StudentType), identityStudentBonus)
		if special.subtype == "" || special.subtype == model.DiscountSpecial {
			special.subtype = identity
		}
	}
	if special.score > 0 && pct >= 50 {
		special.add(fmt.Sprintf("%.0f%% discount", pct), largePercentBonus)
	}
	if special.score > SpecialThreshold {
		subtype := special.subtype
		if subtype == "" {
			subtype = model.DiscountSpecial
		}
		return result(subtype, pct, special.score, special.hits)
	}

	if admin := scores[CategoryAdminFee]; admin.score > AdminFeeThreshold {
		return result(model.DiscountAdminFee, pct, admin.score, admin.hits)
	}

	if cash := scores[CategoryCashPlan]; cash.score > CashPlanThreshold {
		return result(model.DiscountCashPlan, pct, cash.score, cash.hits)
	}

	early := scores[CategoryEarlyBird]
	if hasLead {
		switch {
		case leadDays > 60:
			early.add(fmt.Sprintf("paid %d days early", leadDays), longLeadTimeBonus)
		case leadDays >= 10:
			early.add(fmt.Sprintf("paid %d days early", leadDays), leadTimeBonus)
		}
	}
	if isCommonPercent(pct) {
		early.add(fmt.Sprintf("common %.0f%%", pct), commonPercentBonus)
	}
	if mass := scores[CategoryMassDiscount]; mass.score > 0 {
		early.add(strings.Join(mass.hits, ", "), massDiscountBonus)
	}
	if early.score > EarlyBirdThreshold {
		return result(model.DiscountEarlyBird, pct, early.score, early.hits)
	}

	if none := scores[CategoryNone]; none.score > NoneThreshold {
		return result(model.DiscountNone, pct, none.score, none.hits)
	}

	return fallback(note, pct, leadDays, hasLead)
}

// score evaluates every rule against the note in table order.
func (inf *Inferrer) score(note string) map[Category]*categoryScore {
	scores := map[Category]*categoryScore{
		CategorySpecial:      {},
		CategoryAdminFee:     {},
		CategoryCashPlan:     {},
		CategoryEarlyBird:    {},
		CategoryNone:         {},
		CategoryMassDiscount: {},
	}
	if note == "" {
		return scores
	}

	for _, rule := range inf.rules {
		if !rule.regex.MatchString(note) {
			continue
		}
		cs, ok := scores[rule.Category]
		if !ok {
			continue
		}
		cs.add(rule.Name, rule.Weight)
		if rule.Subtype != "" && (cs.subtype == "" || cs.subtype == model.DiscountSpecial) {
			cs.subtype = rule.Subtype
		}
	}
	return scores
}

// fallback applies percentage-banded heuristics when no category is convincing.
func fallback(note string, pct float64, leadDays int, hasLead bool) model.DiscountInferenceResult {
	if pct > 0 {
		switch {
		case pct >= 50:
			return result(model.DiscountSpecial, pct, 0.6, []string{"fallback: at least 50%"})
		case isCommonPercent(pct) && hasLead && leadDays >= 7:
			return result(model.DiscountEarlyBird, pct, 0.7, []string{"fallback: common percentage paid early"})
		case pct > 20:
			return result(model.DiscountSpecial, pct, 0.4, []string{"fallback: between 20% and 50%"})
		default:
			return result(model.DiscountEarlyBird, pct, 0.5, []string{"fallback: at most 20%"})
		}
	}
	if note != "" {
		return result(model.DiscountCustom, pct, 0.2, []string{"fallback: unrecognised note"})
	}
	return result(model.DiscountUnknown, pct, 0, nil)
}

func result(t model.DiscountType, pct, confidence float64, hits []string) model.DiscountInferenceResult {
	return model.DiscountInferenceResult{
		Type:       t,
		Percentage: pct,
		Confidence: capScore(confidence),
		Pattern:    strings.Join(hits, "; "),
	}
}

// leadTime returns the whole days between payment and term start.
func leadTime(paymentDate, termStart time.Time) (int, bool) {
	if paymentDate.IsZero() || termStart.IsZero() {
		return 0, false
	}
	days := int(math.Floor(termStart.Sub(paymentDate).Hours() / 24))
	return days, true
}

func isCommonPercent(pct float64) bool {
	for _, common := range commonPromotionalPercents {
		if math.Abs(pct-common) < 0.05 {
			return true
		}
	}
	return false
}

func identityDiscount(studentType model.StudentType) model.DiscountType {
	switch studentType {
	case model.StudentTypeMonk:
		return model.DiscountMonk
	case model.StudentTypeStaff:
		return model.DiscountStaff
	case model.StudentTypeRegular, model.StudentTypeInternational:
		return ""
	default:
		return ""
	}
}

func capScore(score float64) float64 {
	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}
