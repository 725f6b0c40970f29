// Package model defines the core domain types shared across the ledger engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Buy, Sell:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Account holds a user's virtual cash. Balance is never negative after a
// committed trade.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is the materialized holding of one asset by one account. It is a
// cache of the transaction log for (AccountID, AssetID) and can always be
// rebuilt by replaying that log. A zero quantity position does not exist.
type Position struct {
	AccountID       string          `json:"account_id" db:"account_id"`
	AssetID         string          `json:"asset_id" db:"asset_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Name            string          `json:"name" db:"name"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price" db:"average_buy_price"`
	TotalInvested   decimal.Decimal `json:"total_invested" db:"total_invested"` // cost basis of the held quantity
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of an executed trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	AssetID     string          `json:"asset_id" db:"asset_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Name        string          `json:"name" db:"name"`
	Type        Direction       `json:"type" db:"type"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"` // quantity * unit_price
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Quote is the market-data view of an asset. Owned by the price feed, never
// persisted by the engine.
type Quote struct {
	AssetID          string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name"`
	Image            string          `json:"image,omitempty"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	PriceChange24h   decimal.Decimal `json:"price_change_24h"`
	PercentChange24h decimal.Decimal `json:"price_change_percentage_24h"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	MarketCapRank    int             `json:"market_cap_rank"`
	Volume           decimal.Decimal `json:"total_volume"`
}

// PricePoint is one sample of an asset's historical price series.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}
