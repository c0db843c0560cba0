package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/common"
	"github.com/Veraticus/the-ledger-must-balance/internal/model"
	"github.com/Veraticus/the-ledger-must-balance/internal/service"
	"github.com/shopspring/decimal"
)

// HTTPClient talks to the external price determination service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	retry      service.RetryOptions
}

// priceResponse is the JSON body returned by GET /v1/prices.
type priceResponse struct {
	Currency      string          `json:"currency"`
	PricingMethod string          `json:"pricing_method"`
	BasePrice     decimal.Decimal `json:"base_price"`
	Discount      decimal.Decimal `json:"discount"`
	Fees          decimal.Decimal `json:"fees"`
}

// NewHTTPClient creates a client for the price service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, retry service.RetryOptions) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: pricing.url", common.ErrMissingConfig)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: pricing.url %q is not an http(s) URL", common.ErrInvalidConfig, baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry: retry,
	}, nil
}

// GetCoursePrice fetches the price of one course for one student and term.
func (c *HTTPClient) GetCoursePrice(ctx context.Context, req service.PriceRequest) (model.PriceQuote, error) {
	var quote model.PriceQuote

	err := common.WithRetry(ctx, func() error {
		q, fetchErr := c.fetch(ctx, req)
		if fetchErr != nil {
			return fetchErr
		}
		quote = q
		return nil
	}, c.retry, common.Fields{
		"course":     req.CourseCode,
		"student_id": req.StudentID,
		"term":       req.Term,
	})

	return quote, err
}

func (c *HTTPClient) fetch(ctx context.Context, req service.PriceRequest) (model.PriceQuote, error) {
	params := url.Values{}
	params.Set("course", req.CourseCode)
	params.Set("student", req.StudentID)
	params.Set("term", req.Term)
	if req.Division != "" {
		params.Set("division", req.Division)
	}
	if req.StudentType != "" {
		params.Set("student_type", string(req.StudentType))
	}
	if req.CourseKind != "" {
		params.Set("kind", string(req.CourseKind))
	}
	if req.GroupSize > 0 {
		params.Set("group_size", strconv.Itoa(req.GroupSize))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/prices?"+params.Encode(), nil)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("failed to create price request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return model.PriceQuote{}, &common.RetryableError{Err: fmt.Errorf("%w: %w", common.ErrPricingUnavailable, ctx.Err()), Retryable: false}
		}
		return model.PriceQuote{}, &common.RetryableError{Err: fmt.Errorf("%w: %w", common.ErrPricingUnavailable, err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.PriceQuote{}, fmt.Errorf("%w: %s in %s", common.ErrNoPricingRule, req.CourseCode, req.Term)
	case resp.StatusCode == http.StatusTooManyRequests:
		return model.PriceQuote{}, &common.RetryableError{
			Err:        common.ErrRateLimit,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Retryable:  true,
		}
	case resp.StatusCode >= 500:
		return model.PriceQuote{}, &common.RetryableError{
			Err:       fmt.Errorf("%w: status %d", common.ErrPricingUnavailable, resp.StatusCode),
			Retryable: true,
		}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.PriceQuote{}, fmt.Errorf("price service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.PriceQuote{}, fmt.Errorf("failed to decode price response: %w", err)
	}

	method := model.PricingMethod(body.PricingMethod)
	if method == model.PricingNone {
		method = model.PricingDefault
	}
	if !method.Valid() {
		return model.PriceQuote{}, fmt.Errorf("price service returned unknown pricing method %q", body.PricingMethod)
	}

	return model.PriceQuote{
		Currency:  body.Currency,
		Method:    method,
		BasePrice: body.BasePrice,
		Discount:  body.Discount,
		Fees:      body.Fees,
	}, nil
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
