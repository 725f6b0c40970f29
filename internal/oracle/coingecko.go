package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
)

const (
	// DefaultBaseURL is the public CoinGecko v3 API.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	vsCurrency       = "usd"
	defaultRetryWait = 200 * time.Millisecond
	maxRetryWait     = 2 * time.Second
)

// CoinGeckoConfig configures the CoinGecko client.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string        // optional demo key, sent as x-cg-demo-api-key
	Timeout time.Duration // per attempt
	Retries int           // extra attempts on 5xx, 408 and transport errors
}

// CoinGecko is a Gateway backed by the CoinGecko REST API.
type CoinGecko struct {
	http *resty.Client
}

// NewCoinGecko creates a CoinGecko client.
func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(maxRetryWait).
		AddRetryCondition(isRetryableResp).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("x-cg-demo-api-key", cfg.APIKey)
	}
	return &CoinGecko{http: client}
}

// isRetryableResp retries transport failures, timeouts and upstream errors.
// 429 is not retried here: the cache layer answers from stale data instead.
func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusRequestTimeout
}

// coinMarket is one row of /coins/markets. Any numeric field may be null.
type coinMarket struct {
	ID               string              `json:"id"`
	Symbol           string              `json:"symbol"`
	Name             string              `json:"name"`
	Image            string              `json:"image"`
	CurrentPrice     decimal.NullDecimal `json:"current_price"`
	PriceChange24h   decimal.NullDecimal `json:"price_change_24h"`
	PercentChange24h decimal.NullDecimal `json:"price_change_percentage_24h"`
	MarketCap        decimal.NullDecimal `json:"market_cap"`
	MarketCapRank    *int                `json:"market_cap_rank"`
	TotalVolume      decimal.NullDecimal `json:"total_volume"`
}

func (m coinMarket) quote() model.Quote {
	q := model.Quote{
		AssetID:          m.ID,
		Symbol:           strings.ToUpper(m.Symbol),
		Name:             m.Name,
		Image:            m.Image,
		CurrentPrice:     m.CurrentPrice.Decimal,
		PriceChange24h:   m.PriceChange24h.Decimal,
		PercentChange24h: m.PercentChange24h.Decimal,
		MarketCap:        m.MarketCap.Decimal,
		Volume:           m.TotalVolume.Decimal,
	}
	if m.MarketCapRank != nil {
		q.MarketCapRank = *m.MarketCapRank
	}
	return q
}

// marketChart is the body of /coins/{id}/market_chart.
type marketChart struct {
	Prices [][2]decimal.Decimal `json:"prices"` // [unix ms, price]
}

// GetQuote returns the current quote of one asset.
func (c *CoinGecko) GetQuote(ctx context.Context, assetID string) (*model.Quote, error) {
	quotes, err := c.GetQuotes(ctx, []string{assetID})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[assetID]
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", assetID, ErrAssetNotFound)
	}
	return &q, nil
}

// GetQuotes returns quotes for the given asset ids. Rows without a current
// price are treated as unknown.
func (c *CoinGecko) GetQuotes(ctx context.Context, assetIDs []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}

	var rows []coinMarket
	err := c.get(ctx, "quotes", "/coins/markets", nil, map[string]string{
		"vs_currency": vsCurrency,
		"ids":         strings.Join(assetIDs, ","),
		"per_page":    strconv.Itoa(len(assetIDs)),
		"page":        "1",
		"sparkline":   "false",
	}, &rows)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		if !row.CurrentPrice.Valid {
			continue
		}
		out[row.ID] = row.quote()
	}
	return out, nil
}

// ListMarkets returns the top assets by market cap.
func (c *CoinGecko) ListMarkets(ctx context.Context, limit int) ([]model.Quote, error) {
	if limit <= 0 || limit > 250 {
		limit = DefaultMarketLimit
	}

	var rows []coinMarket
	err := c.get(ctx, "markets", "/coins/markets", nil, map[string]string{
		"vs_currency": vsCurrency,
		"order":       "market_cap_desc",
		"per_page":    strconv.Itoa(limit),
		"page":        "1",
		"sparkline":   "false",
	}, &rows)
	if err != nil {
		return nil, err
	}

	quotes := make([]model.Quote, 0, len(rows))
	for _, row := range rows {
		quotes = append(quotes, row.quote())
	}
	return quotes, nil
}

// GetHistory returns the asset's price series over days.
func (c *CoinGecko) GetHistory(ctx context.Context, assetID, days string) ([]model.PricePoint, error) {
	days, err := ParseDays(days)
	if err != nil {
		return nil, err
	}

	var chart marketChart
	err = c.get(ctx, "history", "/coins/{id}/market_chart", map[string]string{"id": assetID}, map[string]string{
		"vs_currency": vsCurrency,
		"days":        days,
	}, &chart)
	if err != nil {
		return nil, err
	}

	points := make([]model.PricePoint, 0, len(chart.Prices))
	for _, p := range chart.Prices {
		points = append(points, model.PricePoint{
			Timestamp: time.UnixMilli(p[0].IntPart()).UTC(),
			Price:     p[1],
		})
	}
	return points, nil
}

// get fetches path into out. pathParams fill {name} segments of path and
// are escaped.
func (c *CoinGecko) get(ctx context.Context, op, path string, pathParams, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		metrics.OracleRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("coingecko %s: %w: %w", op, ErrUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusNotFound:
		metrics.OracleRequests.WithLabelValues(op, "not_found").Inc()
		return fmt.Errorf("coingecko %s: %w", op, ErrAssetNotFound)
	case code == http.StatusTooManyRequests:
		metrics.OracleRequests.WithLabelValues(op, "rate_limited").Inc()
		slog.Warn("coingecko rate limit hit", "op", op)
		return fmt.Errorf("coingecko %s: rate limited: %w", op, ErrUnavailable)
	case code >= 500 || code == http.StatusRequestTimeout:
		metrics.OracleRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("coingecko %s: HTTP %d: %w", op, code, ErrUnavailable)
	default:
		metrics.OracleRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("coingecko %s: HTTP %d: %s", op, code, truncate(resp.String(), 200))
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		metrics.OracleRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("coingecko %s: decode: %w: %w", op, ErrUnavailable, err)
	}
	metrics.OracleRequests.WithLabelValues(op, "ok").Inc()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
