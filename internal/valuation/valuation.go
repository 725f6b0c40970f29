// Package valuation implements weighted-average cost accounting and
// mark-to-market valuation for positions.
//
// Everything here is pure: no I/O, no clocks, no shared state. The trade
// engine uses ApplyBuy and ApplySell for every committed trade, and Replay
// folds a transaction log through the same two functions, so a position can
// always be rebuilt from its history with identical arithmetic.
//
// Quantities and cash amounts are exact decimals. Only divisions round, to
// CostScale fractional digits, half away from zero.
package valuation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

var (
	// ErrOversold is returned when a sell exceeds the held quantity.
	ErrOversold = errors.New("valuation: sell quantity exceeds held quantity")

	// ErrNonPositive is returned for a zero or negative quantity or price.
	ErrNonPositive = errors.New("valuation: quantity and price must be positive")

	// CostScale is the number of fractional digits kept by divisions
	// (average price, proportional cost-basis reduction).
	CostScale int32 = 18

	hundred = decimal.NewFromInt(100)
)

// ApplyBuy returns pos after buying qty units at price. pos may be the zero
// Position when the asset is not held yet; the caller fills identity fields.
//
//	quantity'  = quantity + qty
//	invested'  = invested + qty*price
//	average'   = invested' / quantity'
func ApplyBuy(pos model.Position, qty, price decimal.Decimal) model.Position {
	pos.Quantity = pos.Quantity.Add(qty)
	pos.TotalInvested = pos.TotalInvested.Add(qty.Mul(price))
	pos.AverageBuyPrice = pos.TotalInvested.DivRound(pos.Quantity, CostScale)
	return pos
}

// ApplySell returns pos after selling qty units. The average buy price is not
// changed by a sell; the invested amount shrinks in proportion to the
// quantity sold:
//
//	invested' = invested * (1 - qty/quantity) = invested * quantity' / quantity
//
// The second form is used so a sell rounds once. When the remaining quantity
// is exactly zero the returned bool is true and the position must be removed.
func ApplySell(pos model.Position, qty decimal.Decimal) (model.Position, bool, error) {
	if qty.GreaterThan(pos.Quantity) {
		return pos, false, fmt.Errorf("%w: selling %s of %s", ErrOversold, qty, pos.Quantity)
	}

	remaining := pos.Quantity.Sub(qty)
	if remaining.IsZero() {
		pos.Quantity = decimal.Zero
		pos.TotalInvested = decimal.Zero
		return pos, true, nil
	}

	pos.TotalInvested = pos.TotalInvested.Mul(remaining).DivRound(pos.Quantity, CostScale)
	pos.Quantity = remaining
	return pos, false, nil
}

// Replay folds an ascending transaction log into the positions it implies,
// keyed by asset id. Assets sold down to zero are absent from the result.
func Replay(txs []model.Transaction) (map[string]model.Position, error) {
	positions := make(map[string]model.Position)

	for _, tx := range txs {
		if !tx.Quantity.IsPositive() || !tx.UnitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: transaction %s", ErrNonPositive, tx.ID)
		}

		pos, held := positions[tx.AssetID]
		if !held {
			pos = model.Position{
				AccountID: tx.AccountID,
				AssetID:   tx.AssetID,
				Symbol:    tx.Symbol,
				Name:      tx.Name,
			}
		}

		switch tx.Type {
		case model.Buy:
			pos = ApplyBuy(pos, tx.Quantity, tx.UnitPrice)
		case model.Sell:
			if !held {
				return nil, fmt.Errorf("%w: transaction %s sells unheld asset %s", ErrOversold, tx.ID, tx.AssetID)
			}
			var removed bool
			var err error
			pos, removed, err = ApplySell(pos, tx.Quantity)
			if err != nil {
				return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
			}
			if removed {
				delete(positions, tx.AssetID)
				continue
			}
		default:
			return nil, fmt.Errorf("transaction %s: unknown type %q", tx.ID, tx.Type)
		}

		pos.UpdatedAt = tx.Timestamp
		positions[tx.AssetID] = pos
	}

	return positions, nil
}

// CurrentValue is the mark-to-market value of pos at price.
func CurrentValue(pos model.Position, price decimal.Decimal) decimal.Decimal {
	return pos.Quantity.Mul(price)
}

// UnrealizedPnL is the paper profit of pos at price.
func UnrealizedPnL(pos model.Position, price decimal.Decimal) decimal.Decimal {
	return CurrentValue(pos, price).Sub(pos.TotalInvested)
}

// PnLPercent returns pnl as a percentage of invested, or zero when nothing
// is invested.
func PnLPercent(pnl, invested decimal.Decimal) decimal.Decimal {
	if invested.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(invested).Mul(hundred)
}

// Holding is a position joined with its current market price.
type Holding struct {
	model.Position
	CurrentPrice decimal.Decimal `json:"current_price"`
	Priced       bool            `json:"priced"` // false when the feed had no price
	CurrentValue decimal.Decimal `json:"current_value"`
	PnL          decimal.Decimal `json:"profit"`
	PnLPercent   decimal.Decimal `json:"profit_percentage"`
}

// Value builds the Holding for pos. An unknown price values the position at
// zero, the same rule AggregatePortfolio applies.
func Value(pos model.Position, price decimal.Decimal, priced bool) Holding {
	if !priced {
		price = decimal.Zero
	}
	pnl := UnrealizedPnL(pos, price)
	return Holding{
		Position:     pos,
		CurrentPrice: price,
		Priced:       priced,
		CurrentValue: CurrentValue(pos, price),
		PnL:          pnl,
		PnLPercent:   PnLPercent(pnl, pos.TotalInvested),
	}
}

// Aggregate sums a set of positions.
type Aggregate struct {
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalPnL      decimal.Decimal `json:"total_profit"`
	PnLPercent    decimal.Decimal `json:"profit_percentage"`
}

// AggregatePortfolio values positions against prices (asset id → price).
// Assets without a price contribute nothing to the value but still count as
// invested.
func AggregatePortfolio(positions []model.Position, prices map[string]decimal.Decimal) Aggregate {
	var agg Aggregate
	for _, p := range positions {
		if price, ok := prices[p.AssetID]; ok {
			agg.TotalValue = agg.TotalValue.Add(CurrentValue(p, price))
		}
		agg.TotalInvested = agg.TotalInvested.Add(p.TotalInvested)
	}
	agg.TotalPnL = agg.TotalValue.Sub(agg.TotalInvested)
	agg.PnLPercent = PnLPercent(agg.TotalPnL, agg.TotalInvested)
	return agg
}

// RankByPerformance returns a copy of holdings sorted by PnL percentage,
// best first. Equal percentages keep their input order.
func RankByPerformance(holdings []Holding) []Holding {
	ranked := slices.Clone(holdings)
	slices.SortStableFunc(ranked, func(a, b Holding) int {
		return b.PnLPercent.Cmp(a.PnLPercent)
	})
	return ranked
}
