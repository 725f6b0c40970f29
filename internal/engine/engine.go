// Package engine executes buy and sell orders against virtual accounts.
//
// Every trade is validated, priced and then applied through a single
// store.ApplyTrade call, so the balance change, the position change and the
// transaction record commit together or not at all. Trades on one account
// are serialized by the store; trades on different accounts run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/oracle"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

// DefaultQuoteTimeout bounds a market price lookup.
const DefaultQuoteTimeout = 5 * time.Second

// Order is a request to buy or sell quantity units of an asset.
type Order struct {
	AssetID  string
	Symbol   string // display only; taken from the quote when empty
	Name     string
	Quantity decimal.Decimal

	// UnitPrice is the execution price. When not Valid the order executes
	// at the current market price from the oracle.
	UnitPrice decimal.NullDecimal
}

// Result is the committed outcome of a trade.
type Result struct {
	Balance     decimal.Decimal   `json:"new_balance"`
	Position    *model.Position   `json:"position"` // nil when the trade closed the position
	Transaction model.Transaction `json:"transaction"`
}

// Engine executes trades. It holds no mutable state of its own.
type Engine struct {
	store        store.Store
	quotes       oracle.Gateway // optional; nil disables market orders
	quoteTimeout time.Duration
	newID        func() string
}

// New creates an engine. Pass nil for quotes if every order carries its
// own unit price.
func New(st store.Store, quotes oracle.Gateway, quoteTimeout time.Duration) *Engine {
	if quoteTimeout <= 0 {
		quoteTimeout = DefaultQuoteTimeout
	}
	return &Engine{
		store:        st,
		quotes:       quotes,
		quoteTimeout: quoteTimeout,
		newID:        func() string { return uuid.New().String() },
	}
}

// ExecuteBuy buys order.Quantity units, debiting quantity*price from the
// balance and folding the purchase into the weighted-average cost basis.
func (e *Engine) ExecuteBuy(ctx context.Context, accountID string, order Order) (*Result, error) {
	return e.execute(ctx, model.Buy, accountID, order)
}

// ExecuteSell sells order.Quantity units, crediting quantity*price to the
// balance. The average buy price is unchanged; the cost basis shrinks in
// proportion. Selling the whole quantity removes the position.
func (e *Engine) ExecuteSell(ctx context.Context, accountID string, order Order) (*Result, error) {
	return e.execute(ctx, model.Sell, accountID, order)
}

// execute is the single code path for both directions.
func (e *Engine) execute(ctx context.Context, dir model.Direction, accountID string, order Order) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.TradeLatency.WithLabelValues(string(dir)).Observe(time.Since(start).Seconds())
	}()

	res, err := e.trade(ctx, dir, accountID, order)
	metrics.TradesTotal.WithLabelValues(string(dir), outcome(err)).Inc()
	if err != nil {
		slog.Info("trade rejected",
			"account", accountID,
			"asset", order.AssetID,
			"direction", dir,
			"qty", order.Quantity.String(),
			"err", err,
		)
		return nil, &TradeError{Op: string(dir), AssetID: order.AssetID, Err: err}
	}

	tx := res.Transaction
	metrics.TradeNotional.WithLabelValues(string(dir)).Add(tx.TotalAmount.InexactFloat64())
	slog.Info("trade executed",
		"tx", tx.ID,
		"account", accountID,
		"asset", tx.AssetID,
		"direction", dir,
		"qty", tx.Quantity.String(),
		"price", tx.UnitPrice.String(),
		"total", tx.TotalAmount.String(),
		"balance", res.Balance.String(),
	)
	return res, nil
}

func (e *Engine) trade(ctx context.Context, dir model.Direction, accountID string, order Order) (*Result, error) {
	order.AssetID = strings.TrimSpace(order.AssetID)

	// Validation order: quantity, price, asset.
	if !order.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if order.UnitPrice.Valid && !order.UnitPrice.Decimal.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if order.AssetID == "" {
		return nil, fmt.Errorf("%w: asset id is required", ErrInvalidAsset)
	}

	// The oracle is consulted before any lock is taken.
	price := order.UnitPrice.Decimal
	if !order.UnitPrice.Valid {
		q, err := e.marketQuote(ctx, order.AssetID)
		if err != nil {
			return nil, err
		}
		price = q.CurrentPrice
		if order.Symbol == "" {
			order.Symbol = q.Symbol
		}
		if order.Name == "" {
			order.Name = q.Name
		}
	}
	qty := order.Quantity
	txID := e.newID()

	m, err := e.store.ApplyTrade(ctx, accountID, order.AssetID, func(acct model.Account, pos *model.Position) (*store.Mutation, error) {
		var m *store.Mutation
		var err error
		switch dir {
		case model.Buy:
			m, err = buy(acct, pos, order, qty, price)
		case model.Sell:
			m, err = sell(acct, pos, qty, price)
		default:
			err = fmt.Errorf("unknown direction %q", dir)
		}
		if err != nil {
			return nil, err
		}

		m.Transaction = model.Transaction{
			ID:          txID,
			AccountID:   acct.ID,
			AssetID:     order.AssetID,
			Symbol:      order.Symbol,
			Name:        order.Name,
			Type:        dir,
			Quantity:    qty,
			UnitPrice:   price,
			TotalAmount: qty.Mul(price),
		}
		if pos != nil {
			m.Transaction.Symbol = pos.Symbol
			m.Transaction.Name = pos.Name
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{Balance: m.Balance, Position: m.Position, Transaction: m.Transaction}, nil
}

// buy debits cost and adds qty at price to the position, opening it if
// needed. The symbol and name of an existing position are kept.
func buy(acct model.Account, pos *model.Position, order Order, qty, price decimal.Decimal) (*store.Mutation, error) {
	cost := qty.Mul(price)
	if cost.GreaterThan(acct.Balance) {
		return nil, insufficientFunds(cost, acct.Balance)
	}

	next := model.Position{
		AccountID: acct.ID,
		AssetID:   order.AssetID,
		Symbol:    order.Symbol,
		Name:      order.Name,
	}
	if pos != nil {
		next = *pos
	}
	next = valuation.ApplyBuy(next, qty, price)

	return &store.Mutation{
		Balance:  acct.Balance.Sub(cost),
		Position: &next,
	}, nil
}

// sell credits proceeds and reduces the position, removing it when the
// whole quantity is sold.
func sell(acct model.Account, pos *model.Position, qty, price decimal.Decimal) (*store.Mutation, error) {
	if pos == nil {
		return nil, ErrPositionNotFound
	}
	if qty.GreaterThan(pos.Quantity) {
		return nil, insufficientHoldings(qty, pos.Quantity)
	}

	next, removed, err := valuation.ApplySell(*pos, qty)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientHoldings, err)
	}

	m := &store.Mutation{Balance: acct.Balance.Add(qty.Mul(price))}
	if !removed {
		m.Position = &next
	}
	return m, nil
}

func (e *Engine) marketQuote(ctx context.Context, assetID string) (*model.Quote, error) {
	if e.quotes == nil {
		return nil, fmt.Errorf("%w: no price feed configured", ErrOracleUnavailable)
	}

	qctx, cancel := context.WithTimeout(ctx, e.quoteTimeout)
	defer cancel()

	q, err := e.quotes.GetQuote(qctx, assetID)
	switch {
	case err == nil:
	case errors.Is(err, oracle.ErrAssetNotFound):
		return nil, fmt.Errorf("%w: %w", ErrInvalidAsset, err)
	case errors.Is(err, oracle.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	default:
		return nil, err
	}

	if !q.CurrentPrice.IsPositive() {
		return nil, fmt.Errorf("%w: feed returned %s for %s", ErrInvalidPrice, q.CurrentPrice, assetID)
	}
	return q, nil
}

// OpenAccount creates an account with the given starting balance. Opening
// an existing account is not an error; the existing account is returned
// unchanged and created is false.
func (e *Engine) OpenAccount(ctx context.Context, accountID string, initial decimal.Decimal) (acct *model.Account, created bool, err error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, false, &TradeError{Op: "open", Err: ErrInvalidAccount}
	}
	if initial.IsNegative() {
		return nil, false, &TradeError{Op: "open", Err: ErrInvalidBalance}
	}

	acct = &model.Account{ID: accountID, Balance: initial, CreatedAt: time.Now().UTC()}
	err = e.store.CreateAccount(ctx, acct)
	switch {
	case err == nil:
		slog.Info("account opened", "account", accountID, "balance", initial.String())
		return acct, true, nil
	case errors.Is(err, store.ErrAccountExists):
		existing, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, false, &TradeError{Op: "open", Err: err}
		}
		return existing, false, nil
	default:
		return nil, false, &TradeError{Op: "open", Err: err}
	}
}

// Account returns the account and its current balance.
func (e *Engine) Account(ctx context.Context, accountID string) (*model.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidAsset):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case IsRetryable(err):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
