// Package report builds the read-only views of an account: holdings valued
// at market, transaction history and the dashboard summary.
//
// Every call reads the store at call time. Market prices come from the
// oracle; when it fails the views degrade to unpriced holdings instead of
// failing the request.
package report

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/oracle"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

// RankSize is the length of the top performers and losers lists.
const RankSize = 3

// Summary is the dashboard view of an account.
type Summary struct {
	valuation.Aggregate
	Balance           decimal.Decimal     `json:"balance"`
	NetWorth          decimal.Decimal     `json:"net_worth"` // balance + total value
	Holdings          []valuation.Holding `json:"holdings"`
	TopPerformers     []valuation.Holding `json:"top_performers"`
	TopLosers         []valuation.Holding `json:"top_losers"`
	PricesUnavailable bool                `json:"prices_unavailable"`
}

// Service answers portfolio queries.
type Service struct {
	store        store.Store
	quotes       oracle.Gateway // optional; nil leaves every holding unpriced
	quoteTimeout time.Duration
}

// NewService creates a report service.
func NewService(st store.Store, quotes oracle.Gateway, quoteTimeout time.Duration) *Service {
	return &Service{store: st, quotes: quotes, quoteTimeout: quoteTimeout}
}

// ListHoldings returns the account's positions ordered by asset id, each
// joined with its current price when known.
func (s *Service) ListHoldings(ctx context.Context, accountID string) ([]valuation.Holding, error) {
	holdings, _, err := s.holdings(ctx, accountID)
	return holdings, err
}

// GetTransactionHistory returns the account's transactions, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, accountID string) ([]model.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(txs)
	return txs, nil
}

// GetDashboardSummary values the whole account. Performers and losers are
// ranked by PnL percentage among priced holdings only; losers are the
// holdings with a negative PnL, worst first.
func (s *Service) GetDashboardSummary(ctx context.Context, accountID string) (*Summary, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	holdings, pricesOK, err := s.holdings(ctx, accountID)
	if err != nil {
		return nil, err
	}

	positions := make([]model.Position, len(holdings))
	prices := make(map[string]decimal.Decimal, len(holdings))
	priced := make([]valuation.Holding, 0, len(holdings))
	for i, h := range holdings {
		positions[i] = h.Position
		if h.Priced {
			prices[h.AssetID] = h.CurrentPrice
			priced = append(priced, h)
		}
	}

	agg := valuation.AggregatePortfolio(positions, prices)
	ranked := valuation.RankByPerformance(priced)

	return &Summary{
		Aggregate:         agg,
		Balance:           acct.Balance,
		NetWorth:          acct.Balance.Add(agg.TotalValue),
		Holdings:          holdings,
		TopPerformers:     ranked[:min(RankSize, len(ranked))],
		TopLosers:         losers(ranked),
		PricesUnavailable: !pricesOK,
	}, nil
}

// holdings loads positions and prices them. The bool is false when the
// oracle could not be reached.
func (s *Service) holdings(ctx context.Context, accountID string) ([]valuation.Holding, bool, error) {
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, false, err
	}

	quotes, ok := s.prices(ctx, positions)
	holdings := make([]valuation.Holding, 0, len(positions))
	for _, p := range positions {
		q, known := quotes[p.AssetID]
		holdings = append(holdings, valuation.Value(p, q.CurrentPrice, known && q.CurrentPrice.IsPositive()))
	}
	return holdings, ok, nil
}

func (s *Service) prices(ctx context.Context, positions []model.Position) (map[string]model.Quote, bool) {
	if len(positions) == 0 {
		return nil, true
	}
	if s.quotes == nil {
		return nil, false
	}

	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.AssetID
	}

	if s.quoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.quoteTimeout)
		defer cancel()
	}

	quotes, err := s.quotes.GetQuotes(ctx, ids)
	if err != nil {
		slog.Warn("pricing holdings failed, serving unpriced", "assets", len(ids), "err", err)
		return nil, false
	}
	return quotes, true
}

// losers returns up to RankSize holdings with a negative PnL, worst first.
// Equal percentages keep their order in ranked.
func losers(ranked []valuation.Holding) []valuation.Holding {
	var out []valuation.Holding
	for _, h := range ranked {
		if h.PnL.IsNegative() {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(a, b valuation.Holding) int {
		return a.PnLPercent.Cmp(b.PnLPercent)
	})
	if out == nil {
		return []valuation.Holding{}
	}
	return out[:min(RankSize, len(out))]
}
