package storage

import (
	"context"
	"testing"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func coursePrice(code, term, division string, minGroup int, base string) model.CoursePrice {
	return model.CoursePrice{
		CourseCode:   code,
		Term:         term,
		Division:     division,
		MinGroupSize: minGroup,
		BasePrice:    decimal.RequireFromString(base),
	}
}

func openCatalog(t *testing.T, store *SQLiteStorage) *PriceCatalog {
	t.Helper()
	catalog, err := store.NewPriceCatalog()
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })
	return catalog
}

func TestPriceCatalog_GetCoursePrice(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	promo := coursePrice("CS101", "2024-SUMMER", "", 0, "400")
	promo.Method = model.PricingPromotional
	promo.Discount = decimal.NewFromInt(50)
	promo.Fees = decimal.RequireFromString("12.50")

	senior := coursePrice("SP490", "", "", 0, "900")
	senior.Method = model.PricingSeniorProject

	require.NoError(t, store.SaveCoursePrices(ctx, []model.CoursePrice{
		coursePrice("CS101", "", "", 0, "500"),
		coursePrice("CS101", "2024-FALL", "", 0, "520"),
		coursePrice("CS101", "2024-FALL", "graduate", 0, "650"),
		promo,
		coursePrice("CAP400", "", "", 1, "1200"),
		coursePrice("CAP400", "", "", 3, "900"),
		coursePrice("CAP400", "", "", 5, "750"),
		senior,
	}))

	catalog := openCatalog(t, store)

	tests := []struct {
		wantErr    error
		name       string
		wantBase   string
		wantTotal  string
		wantMethod model.PricingMethod
		req        service.PriceRequest
	}{
		{
			name:       "default term row",
			req:        service.PriceRequest{CourseCode: "CS101", Term: "2023-FALL"},
			wantBase:   "500",
			wantTotal:  "500",
			wantMethod: model.PricingDefault,
		},
		{
			name:       "exact term beats default",
			req:        service.PriceRequest{CourseCode: "CS101", Term: "2024-FALL"},
			wantBase:   "520",
			wantTotal:  "520",
			wantMethod: model.PricingDefault,
		},
		{
			name:       "exact division beats default division",
			req:        service.PriceRequest{CourseCode: "CS101", Term: "2024-FALL", Division: "graduate"},
			wantBase:   "650",
			wantTotal:  "650",
			wantMethod: model.PricingDefault,
		},
		{
			name:       "unknown division falls back",
			req:        service.PriceRequest{CourseCode: "CS101", Term: "2024-FALL", Division: "extension"},
			wantBase:   "520",
			wantTotal:  "520",
			wantMethod: model.PricingDefault,
		},
		{
			name:       "promotional row keeps discount and fees",
			req:        service.PriceRequest{CourseCode: "CS101", Term: "2024-SUMMER"},
			wantBase:   "400",
			wantTotal:  "362.5",
			wantMethod: model.PricingPromotional,
		},
		{
			name:       "largest tier not above group size",
			req:        service.PriceRequest{CourseCode: "CAP400", Term: "2024-FALL", GroupSize: 4, CourseKind: model.CourseKindCapstone},
			wantBase:   "900",
			wantTotal:  "900",
			wantMethod: model.PricingTiered,
		},
		{
			name:       "top tier",
			req:        service.PriceRequest{CourseCode: "CAP400", Term: "2024-FALL", GroupSize: 8, CourseKind: model.CourseKindCapstone},
			wantBase:   "750",
			wantTotal:  "750",
			wantMethod: model.PricingTiered,
		},
		{
			name:       "explicit method is kept",
			req:        service.PriceRequest{CourseCode: "SP490", Term: "2024-FALL"},
			wantBase:   "900",
			wantTotal:  "900",
			wantMethod: model.PricingSeniorProject,
		},
		{
			name:    "group below every tier",
			req:     service.PriceRequest{CourseCode: "CAP400", Term: "2024-FALL", GroupSize: 0},
			wantErr: common.ErrNoPricingRule,
		},
		{
			name:    "unknown course",
			req:     service.PriceRequest{CourseCode: "HIST200", Term: "2024-FALL"},
			wantErr: common.ErrNoPricingRule,
		},
		{
			name:    "missing course code",
			req:     service.PriceRequest{Term: "2024-FALL"},
			wantErr: ErrEmptyString,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quote, err := catalog.GetCoursePrice(ctx, tt.req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, quote.BasePrice.Equal(decimal.RequireFromString(tt.wantBase)), "base %s", quote.BasePrice)
			assert.True(t, quote.Total().Equal(decimal.RequireFromString(tt.wantTotal)), "total %s", quote.Total())
			assert.Equal(t, tt.wantMethod, quote.Method)
			assert.Equal(t, "USD", quote.Currency)
		})
	}
}

func TestPriceCatalog_ReadsWhileRunTransactionIsOpen(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	require.NoError(t, store.SaveCoursePrices(ctx, []model.CoursePrice{coursePrice("CS101", "", "", 0, "500")}))
	seedPayments(t, store, testPayment("P-1", testTermStart, "500"))
	seedBatch(t, store, "B-1")

	catalog := openCatalog(t, store)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	require.NoError(t, tx.SaveReconciliationStatus(ctx, testStatus("B-1", "P-1", model.StateFullyReconciled)))

	quote, err := catalog.GetCoursePrice(ctx, service.PriceRequest{CourseCode: "CS101", Term: "2024-FALL"})
	require.NoError(t, err)
	assert.True(t, quote.Total().Equal(decimal.NewFromInt(500)))
}

func TestPriceCatalog_RequiresDatabaseFile(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = store.NewPriceCatalog()
	require.ErrorIs(t, err, common.ErrInvalidConfig)
}

func TestSQLiteStorage_SaveCoursePrices_Invalid(t *testing.T) {
	tests := []struct {
		modify func(*model.CoursePrice)
		name   string
	}{
		{name: "negative base price", modify: func(p *model.CoursePrice) { p.BasePrice = decimal.NewFromInt(-1) }},
		{name: "negative fees", modify: func(p *model.CoursePrice) { p.Fees = decimal.NewFromInt(-1) }},
		{name: "mixed is not a row method", modify: func(p *model.CoursePrice) { p.Method = model.PricingMixed }},
		{name: "unknown method", modify: func(p *model.CoursePrice) { p.Method = "auction" }},
		{name: "negative tier", modify: func(p *model.CoursePrice) { p.MinGroupSize = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := createTestStorage(t)
			price := coursePrice("CS101", "", "", 0, "500")
			tt.modify(&price)

			err := store.SaveCoursePrices(context.Background(), []model.CoursePrice{price})
			require.ErrorIs(t, err, ErrInvalidPrice)
		})
	}
}
