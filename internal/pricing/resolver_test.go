package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func quote(base, discount, fees string, method model.PricingMethod) model.PriceQuote {
	return model.PriceQuote{
		Currency:  "USD",
		Method:    method,
		BasePrice: dec(base),
		Discount:  dec(discount),
		Fees:      dec(fees),
	}
}

func enrollment(id, invoice, course, term string) model.Enrollment {
	return model.Enrollment{
		ID:          id,
		InvoiceID:   invoice,
		StudentID:   "S-1",
		StudentType: model.StudentTypeRegular,
		CourseCode:  course,
		Term:        term,
		CourseKind:  model.CourseKindRegular,
	}
}

func payment(invoice, term, net string) model.Payment {
	return model.Payment{
		ID:        "P-1",
		InvoiceID: invoice,
		StudentID: "S-1",
		Term:      term,
		Currency:  "USD",
		Amount:    dec(net),
		NetAmount: dec(net),
	}
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("sums every enrollment on the invoice", func(t *testing.T) {
		prices := testutil.NewFakePriceService().
			SetQuote("CS101", "2024-FALL", quote("1000", "0", "25", model.PricingDefault)).
			SetQuote("CS102", "2024-FALL", quote("800", "100", "0", model.PricingDefault))
		enrollments := testutil.NewFakeEnrollments().Add(
			enrollment("E-1", "INV-1", "CS101", "2024-FALL"),
			enrollment("E-2", "INV-1", "CS102", "2024-FALL"),
		)

		res, err := NewResolver(prices, time.Second).Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "1725"))
		require.NoError(t, err)

		assert.True(t, res.Resolvable)
		assert.True(t, res.Breakdown.ExpectedTotal().Equal(dec("1725")), "got %s", res.Breakdown.ExpectedTotal())
		assert.True(t, res.Breakdown.ListPrice.Equal(dec("1800")))
		assert.True(t, res.Breakdown.DiscountRuleMatched)
		assert.Equal(t, model.PricingDefault, res.Breakdown.Method)
		assert.Equal(t, []string{"CS101", "CS102"}, res.Breakdown.CourseCodes())
		assert.Equal(t, []string{"E-1", "E-2"}, res.Breakdown.EnrollmentIDs())
		assert.Equal(t, "USD", res.Breakdown.Currency)
	})

	t.Run("differing methods aggregate to mixed", func(t *testing.T) {
		prices := testutil.NewFakePriceService().
			SetQuote("CS101", "2024-FALL", quote("1000", "0", "0", model.PricingDefault)).
			SetQuote("CAP400", "2024-FALL", quote("1500", "0", "0", model.PricingTiered))
		enrollments := testutil.NewFakeEnrollments().Add(
			enrollment("E-1", "INV-1", "CS101", "2024-FALL"),
			enrollment("E-2", "INV-1", "CAP400", "2024-FALL"),
		)

		res, err := NewResolver(prices, time.Second).Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "2500"))
		require.NoError(t, err)
		assert.Equal(t, model.PricingMixed, res.Breakdown.Method)
		assert.False(t, res.Breakdown.DiscountRuleMatched)
	})

	t.Run("no enrollments is unresolvable", func(t *testing.T) {
		res, err := NewResolver(testutil.NewFakePriceService(), time.Second).
			Resolve(ctx, testutil.NewFakeEnrollments(), payment("INV-404", "2024-FALL", "100"))
		require.NoError(t, err)
		assert.False(t, res.Resolvable)
		assert.Equal(t, common.ErrNoEnrollments.Error(), res.Reason)
	})

	t.Run("enrollments from other terms are ignored", func(t *testing.T) {
		enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS101", "2023-FALL"))
		res, err := NewResolver(testutil.NewFakePriceService(), time.Second).
			Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "100"))
		require.NoError(t, err)
		assert.False(t, res.Resolvable)
	})

	t.Run("missing pricing rule is unresolvable", func(t *testing.T) {
		enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS999", "2024-FALL"))
		res, err := NewResolver(testutil.NewFakePriceService(), time.Second).
			Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "100"))
		require.NoError(t, err)
		assert.False(t, res.Resolvable)
		assert.Contains(t, res.Reason, "CS999")
		assert.Len(t, res.Enrollments, 1)
	})

	t.Run("service failure is an error", func(t *testing.T) {
		prices := testutil.NewFakePriceService().
			SetError("CS101", "2024-FALL", errors.New("connection refused"))
		enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS101", "2024-FALL"))

		_, err := NewResolver(prices, time.Second).Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "100"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("slow lookup times out", func(t *testing.T) {
		prices := testutil.NewFakePriceService().
			SetQuote("CS101", "2024-FALL", quote("1000", "0", "0", model.PricingDefault)).
			SetDelay(200 * time.Millisecond)
		enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS101", "2024-FALL"))

		_, err := NewResolver(prices, 10*time.Millisecond).Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "1000"))
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrPricingUnavailable)
	})

	t.Run("payment without invoice is malformed", func(t *testing.T) {
		_, err := NewResolver(testutil.NewFakePriceService(), time.Second).
			Resolve(ctx, testutil.NewFakeEnrollments(), payment("", "2024-FALL", "100"))
		assert.ErrorIs(t, err, common.ErrMalformedPayment)
	})

	t.Run("currency mismatch is malformed", func(t *testing.T) {
		q := quote("1000", "0", "0", model.PricingDefault)
		q.Currency = "EUR"
		prices := testutil.NewFakePriceService().SetQuote("CS101", "2024-FALL", q)
		enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS101", "2024-FALL"))

		_, err := NewResolver(prices, time.Second).Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "1000"))
		assert.ErrorIs(t, err, common.ErrMalformedPayment)
	})

	t.Run("negative quote is rejected", func(t *testing.T) {
		prices := testutil.NewFakePriceService().
			SetQuote("CS101", "2024-FALL", quote("-10", "0", "0", model.PricingDefault))
		enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS101", "2024-FALL"))

		_, err := NewResolver(prices, time.Second).Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "1000"))
		assert.Error(t, err)
	})
}

func TestResolver_GroupSizeOnlyForGroupPricedCourses(t *testing.T) {
	ctx := context.Background()
	prices := testutil.NewFakePriceService().
		SetQuote("CAP400", "2024-FALL", quote("1500", "0", "0", model.PricingTiered)).
		SetQuote("CS101", "2024-FALL", quote("1000", "0", "0", model.PricingDefault))

	capstone := enrollment("E-1", "INV-1", "CAP400", "2024-FALL")
	capstone.CourseKind = model.CourseKindCapstone
	capstone.GroupSize = 3
	regular := enrollment("E-2", "INV-1", "CS101", "2024-FALL")
	regular.GroupSize = 5

	_, err := NewResolver(prices, time.Second).
		Resolve(ctx, testutil.NewFakeEnrollments().Add(capstone, regular), payment("INV-1", "2024-FALL", "2500"))
	require.NoError(t, err)

	calls := prices.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 3, calls[0].GroupSize)
	assert.Equal(t, 0, calls[1].GroupSize)
}

func TestResolver_CachesLookupsForTheRun(t *testing.T) {
	ctx := context.Background()
	prices := testutil.NewFakePriceService().
		SetQuote("CS101", "2024-FALL", quote("1000", "0", "0", model.PricingDefault))
	enrollments := testutil.NewFakeEnrollments().Add(
		enrollment("E-1", "INV-1", "CS101", "2024-FALL"),
		enrollment("E-9", "INV-1", "CS999", "2024-FALL"),
	)
	resolver := NewResolver(prices, time.Second)

	for i := 0; i < 3; i++ {
		res, err := resolver.Resolve(ctx, enrollments, payment("INV-1", "2024-FALL", "1000"))
		require.NoError(t, err)
		assert.False(t, res.Resolvable)
	}

	// Both the found quote and the missing rule are remembered.
	assert.Len(t, prices.Calls(), 2)
	hits, misses := resolver.CacheStats()
	assert.Equal(t, 4, hits)
	assert.Equal(t, 2, misses)
	assert.Len(t, resolver.cache.entries, 2)
}

func TestResolver_FreshResolverHasEmptyCache(t *testing.T) {
	prices := testutil.NewFakePriceService().
		SetQuote("CS101", "2024-FALL", quote("1000", "0", "0", model.PricingDefault))
	enrollments := testutil.NewFakeEnrollments().Add(enrollment("E-1", "INV-1", "CS101", "2024-FALL"))

	first := NewResolver(prices, time.Second)
	_, err := first.Resolve(context.Background(), enrollments, payment("INV-1", "2024-FALL", "1000"))
	require.NoError(t, err)

	second := NewResolver(prices, time.Second)
	assert.Empty(t, second.cache.entries)
	_, err = second.Resolve(context.Background(), enrollments, payment("INV-1", "2024-FALL", "1000"))
	require.NoError(t, err)
	assert.Len(t, prices.Calls(), 2)
}
