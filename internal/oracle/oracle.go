// Package oracle provides market prices for assets. The engine treats it as
// an external, possibly slow or failing dependency.
package oracle

import (
	"context"
	"errors"
	"strings"

	"github.com/papertrade/ledger-engine/internal/model"
)

var (
	// ErrUnavailable marks a transient feed failure: timeout, rate limit or
	// upstream error. Callers may retry.
	ErrUnavailable = errors.New("oracle: price feed temporarily unavailable")

	// ErrAssetNotFound is returned when the feed does not know the asset.
	ErrAssetNotFound = errors.New("oracle: asset not found")

	// ErrInvalidRange is returned for an unsupported history range.
	ErrInvalidRange = errors.New("oracle: invalid history range")
)

// DefaultMarketLimit is the number of assets ListMarkets returns when the
// caller passes a non-positive limit.
const DefaultMarketLimit = 100

// Gateway is the price feed contract.
type Gateway interface {
	// GetQuote returns the current quote of one asset.
	GetQuote(ctx context.Context, assetID string) (*model.Quote, error)

	// GetQuotes returns quotes keyed by asset id. Assets the feed does not
	// know are absent from the map.
	GetQuotes(ctx context.Context, assetIDs []string) (map[string]model.Quote, error)

	// ListMarkets returns up to limit assets ordered by market cap.
	ListMarkets(ctx context.Context, limit int) ([]model.Quote, error)

	// GetHistory returns the price series of an asset over days, one of
	// the values accepted by ParseDays.
	GetHistory(ctx context.Context, assetID, days string) ([]model.PricePoint, error)
}

var validDays = map[string]bool{
	"1": true, "7": true, "14": true, "30": true, "90": true, "180": true, "365": true, "max": true,
}

// ParseDays normalizes a history range. Empty means seven days.
func ParseDays(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "7", nil
	}
	if !validDays[s] {
		return "", ErrInvalidRange
	}
	return s, nil
}

// Filter keeps quotes whose name or symbol contains search, ignoring case.
func Filter(quotes []model.Quote, search string) []model.Quote {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return quotes
	}
	out := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		if strings.Contains(strings.ToLower(q.Name), search) || strings.Contains(strings.ToLower(q.Symbol), search) {
			out = append(out, q)
		}
	}
	return out
}

