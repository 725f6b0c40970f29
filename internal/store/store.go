// Package store defines the persistence contract for the ledger engine.
// Implementations include PostgreSQL (source of truth, row-level locking)
// and in-memory (per-account mutex, for tests and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

var (
	// ErrAccountNotFound is returned when the account id is unknown.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate id.
	ErrAccountExists = errors.New("store: account already exists")

	// ErrUnavailable marks a transient storage failure. Nothing was written;
	// the whole operation can be retried.
	ErrUnavailable = errors.New("store: temporarily unavailable")
)

// Mutation is the complete effect of one trade on an account.
type Mutation struct {
	Balance     decimal.Decimal
	Position    *model.Position // nil removes the position
	Transaction model.Transaction
}

// TradeFunc decides a trade. It receives the account and the current
// position for the traded asset (nil when absent) as seen under the
// account's lock, and returns the mutation to commit. Returning an error
// aborts the trade with nothing written. It must not block.
type TradeFunc func(acct model.Account, pos *model.Position) (*Mutation, error)

// Store is the persistence interface. All writes to balances and positions
// go through ApplyTrade or ReplacePositions, which serialize per account.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// --- Atomic mutation ---

	// ApplyTrade locks the account, loads it and its position in assetID,
	// calls fn, and commits the returned balance, position and transaction
	// as one unit. The store assigns Transaction.Timestamp at commit; it is
	// strictly increasing per account and also becomes the position's
	// UpdatedAt. Returns the committed mutation.
	ApplyTrade(ctx context.Context, accountID, assetID string, fn TradeFunc) (*Mutation, error)

	// ReplacePositions swaps every stored position of the account for the
	// given set, under the same lock ApplyTrade takes.
	ReplacePositions(ctx context.Context, accountID string, positions []model.Position) error

	// --- Queries ---

	// GetPosition returns the position, or nil when the asset is not held.
	GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error)

	// ListPositions returns all held positions ordered by asset id.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListTransactions returns the account's transaction log, oldest first.
	ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error)
}
