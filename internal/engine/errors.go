package engine

import (
	"errors"
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/oracle"
	"github.com/papertrade/ledger-engine/internal/store"
)

var (
	// ErrInvalidQuantity is returned for a zero or negative quantity.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")

	// ErrInvalidPrice is returned for a zero or negative unit price.
	ErrInvalidPrice = errors.New("unit price must be greater than zero")

	// ErrInvalidAsset is returned for an empty or unknown asset id.
	ErrInvalidAsset = errors.New("invalid asset")

	// ErrInvalidAccount is returned when opening an account without an id.
	ErrInvalidAccount = errors.New("account id is required")

	// ErrInvalidBalance is returned when opening an account with a negative
	// starting balance.
	ErrInvalidBalance = errors.New("initial balance must not be negative")

	// ErrInsufficientFunds is returned when a buy costs more than the balance.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrInsufficientHoldings is returned when a sell exceeds the held quantity.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrPositionNotFound is returned when selling an asset that is not
	// held. It is a special case of ErrInsufficientHoldings.
	ErrPositionNotFound = fmt.Errorf("%w: position not found", ErrInsufficientHoldings)

	// ErrAccountNotFound is the store's not-found error, re-exported so
	// callers need only this package.
	ErrAccountNotFound = store.ErrAccountNotFound

	// ErrOracleUnavailable is returned when no market price could be
	// obtained for an order without an explicit unit price.
	ErrOracleUnavailable = fmt.Errorf("market price unavailable: %w", oracle.ErrUnavailable)
)

// TradeError carries the operation context of a failed engine call.
type TradeError struct {
	Op      string // buy, sell, open, rebuild
	AssetID string
	Err     error
}

func (e *TradeError) Error() string {
	if e.AssetID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.AssetID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient: the price feed or the store
// was unavailable and nothing was written.
func IsRetryable(err error) bool {
	return errors.Is(err, oracle.ErrUnavailable) || errors.Is(err, store.ErrUnavailable)
}

func insufficientFunds(cost, balance decimal.Decimal) error {
	return fmt.Errorf("%w: order costs %s, available %s", ErrInsufficientFunds, usd(cost), usd(balance))
}

func insufficientHoldings(qty, held decimal.Decimal) error {
	return fmt.Errorf("%w: selling %s, holding %s", ErrInsufficientHoldings, qty, held)
}

// usd renders an amount for messages, rounded to cents.
func usd(amount decimal.Decimal) string {
	cents := amount.Shift(2).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}
