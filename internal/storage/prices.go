package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
)

// SaveCoursePrices upserts rows of the local price catalog snapshot.
func (s *SQLiteStorage) SaveCoursePrices(ctx context.Context, prices []model.CoursePrice) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	for i := range prices {
		if prices[i].Method == model.PricingNone {
			prices[i].Method = model.PricingDefault
		}
		if err := validateCoursePrice(&prices[i]); err != nil {
			return fmt.Errorf("price at index %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO course_prices (
			course_code, term, division, min_group_size, currency,
			pricing_method, base_price, discount, fees
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(course_code, term, division, min_group_size) DO UPDATE SET
			currency = excluded.currency,
			pricing_method = excluded.pricing_method,
			base_price = excluded.base_price,
			discount = excluded.discount,
			fees = excluded.fees
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range prices {
		currency := p.Currency
		if currency == "" {
			currency = "USD"
		}
		_, err := stmt.ExecContext(ctx,
			p.CourseCode,
			p.Term,
			p.Division,
			p.MinGroupSize,
			currency,
			string(p.Method),
			p.BasePrice.String(),
			p.Discount.String(),
			p.Fees.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save price for %s: %w", p.CourseCode, err)
		}
	}

	return tx.Commit()
}

// PriceCatalog answers price lookups from the course_prices snapshot. It reads
// through its own connection so lookups never wait on a run transaction.
type PriceCatalog struct {
	db *sql.DB
}

// NewPriceCatalog opens a read-only catalog over the storage's database file.
func (s *SQLiteStorage) NewPriceCatalog() (*PriceCatalog, error) {
	if s.dbPath == ":memory:" {
		return nil, fmt.Errorf("%w: the price catalog needs a database file", common.ErrInvalidConfig)
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_busy_timeout=5000&_query_only=true")
	if err != nil {
		return nil, fmt.Errorf("failed to open price catalog: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping price catalog: %w", err)
	}
	return &PriceCatalog{db: db}, nil
}

// Close closes the catalog's connections.
func (c *PriceCatalog) Close() error {
	return c.db.Close()
}

// GetCoursePrice picks the most specific catalog row for the request: an exact
// term beats the default term, an exact division beats the default division,
// and the largest group-size tier not above the group size wins.
func (c *PriceCatalog) GetCoursePrice(ctx context.Context, req service.PriceRequest) (model.PriceQuote, error) {
	if err := validateContext(ctx); err != nil {
		return model.PriceQuote{}, err
	}
	if err := validateString(req.CourseCode, "course code"); err != nil {
		return model.PriceQuote{}, err
	}

	var p model.CoursePrice
	var method string
	err := c.db.QueryRowContext(ctx, `
		SELECT course_code, term, division, min_group_size, currency,
		       pricing_method, base_price, discount, fees
		FROM course_prices
		WHERE course_code = ?
		  AND term IN (?, '')
		  AND division IN (?, '')
		  AND min_group_size <= ?
		ORDER BY (term = ?) DESC, (division = ?) DESC, min_group_size DESC
		LIMIT 1
	`,
		req.CourseCode,
		req.Term,
		req.Division,
		req.GroupSize,
		req.Term,
		req.Division,
	).Scan(
		&p.CourseCode,
		&p.Term,
		&p.Division,
		&p.MinGroupSize,
		&p.Currency,
		&method,
		&p.BasePrice,
		&p.Discount,
		&p.Fees,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PriceQuote{}, fmt.Errorf("%w: %s in %q", common.ErrNoPricingRule, req.CourseCode, req.Term)
	}
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("failed to query course price: %w", err)
	}

	p.Method = model.PricingMethod(method)
	if p.MinGroupSize > 0 && p.Method == model.PricingDefault {
		p.Method = model.PricingTiered
	}
	return p.Quote(), nil
}
