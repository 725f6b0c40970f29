package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// ApplyTrade runs in one database transaction that takes a row lock on the
// account (SELECT ... FOR UPDATE) before reading anything else, so
// concurrent trades on one account queue behind each other, in this process
// or any other sharing the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return classify("migrate", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Balance.String(), a.CreatedAt,
	)
	if err != nil {
		return classify("create account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id, "")
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, accountID, assetID string, fn TradeFunc) (*Mutation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, classify("begin trade", err)
	}
	// No-op after a successful commit.
	defer tx.Rollback(context.WithoutCancel(ctx))

	acct, err := getAccount(ctx, tx, accountID, "FOR UPDATE")
	if err != nil {
		return nil, err
	}
	pos, err := getPosition(ctx, tx, accountID, assetID, "FOR UPDATE")
	if err != nil {
		return nil, err
	}

	m, err := fn(*acct, pos)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// From here on the caller can no longer cancel: the commit is all or
	// nothing and is left to finish.
	cctx := context.WithoutCancel(ctx)

	var last time.Time
	if err := tx.QueryRow(cctx,
		`SELECT COALESCE(MAX(timestamp), 'epoch'::TIMESTAMPTZ) FROM transactions WHERE account_id = $1`,
		accountID).Scan(&last); err != nil {
		return nil, classify("read last timestamp", err)
	}
	// Postgres keeps microseconds.
	ts := time.Now().UTC().Truncate(time.Microsecond)
	if !ts.After(last) {
		ts = last.UTC().Add(time.Microsecond)
	}
	m.Transaction.Timestamp = ts
	if m.Position != nil {
		m.Position.UpdatedAt = ts
	}

	if _, err := tx.Exec(cctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		accountID, m.Balance.String()); err != nil {
		return nil, classify("update balance", err)
	}

	if m.Position != nil {
		p := m.Position
		if _, err := tx.Exec(cctx,
			`INSERT INTO positions (account_id, asset_id, symbol, name, quantity, average_buy_price, total_invested, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
			 ON CONFLICT (account_id, asset_id) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_buy_price = EXCLUDED.average_buy_price,
			     total_invested = EXCLUDED.total_invested,
			     updated_at = EXCLUDED.updated_at`,
			accountID, assetID, p.Symbol, p.Name,
			p.Quantity.String(), p.AverageBuyPrice.String(), p.TotalInvested.String(),
			p.UpdatedAt,
		); err != nil {
			return nil, classify("upsert position", err)
		}
	} else {
		if _, err := tx.Exec(cctx,
			`DELETE FROM positions WHERE account_id = $1 AND asset_id = $2`,
			accountID, assetID); err != nil {
			return nil, classify("delete position", err)
		}
	}

	e := m.Transaction
	if _, err := tx.Exec(cctx,
		`INSERT INTO transactions (id, account_id, asset_id, symbol, name, type, quantity, unit_price, total_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.AccountID, e.AssetID, e.Symbol, e.Name, string(e.Type),
		e.Quantity.String(), e.UnitPrice.String(), e.TotalAmount.String(),
		e.Timestamp,
	); err != nil {
		return nil, classify("insert transaction", err)
	}

	if err := tx.Commit(cctx); err != nil {
		return nil, classify("commit trade", err)
	}
	return m, nil
}

func (s *PostgresStore) ReplacePositions(ctx context.Context, accountID string, positions []model.Position) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("begin replace", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := getAccount(ctx, tx, accountID, "FOR UPDATE"); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE account_id = $1`, accountID); err != nil {
		return classify("clear positions", err)
	}

	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(
			`INSERT INTO positions (account_id, asset_id, symbol, name, quantity, average_buy_price, total_invested, updated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
			accountID, p.AssetID, p.Symbol, p.Name,
			p.Quantity.String(), p.AverageBuyPrice.String(), p.TotalInvested.String(),
			p.UpdatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return classify("insert positions", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit replace", err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error) {
	if _, err := getAccount(ctx, s.pool, accountID, ""); err != nil {
		return nil, err
	}
	return getPosition(ctx, s.pool, accountID, assetID, "")
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	if _, err := getAccount(ctx, s.pool, accountID, ""); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT account_id, asset_id, symbol, name,
		        quantity::TEXT, average_buy_price::TEXT, total_invested::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY asset_id`, accountID)
	if err != nil {
		return nil, classify("list positions", err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, classify("list positions", rows.Err())
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	if _, err := getAccount(ctx, s.pool, accountID, ""); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account_id, asset_id, symbol, name, type,
		        quantity::TEXT, unit_price::TEXT, total_amount::TEXT, timestamp
		 FROM transactions WHERE account_id = $1 ORDER BY timestamp, seq`, accountID)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// querier is the part of pgxpool.Pool and pgx.Tx the readers need.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAccount(ctx context.Context, q querier, id, lock string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := q.QueryRow(ctx,
		`SELECT id, balance::TEXT, created_at FROM accounts WHERE id = $1 `+lock, id).
		Scan(&a.ID, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, classify("get account "+id, err)
	}

	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("account %s balance %q: %w", id, balance, err)
	}
	return &a, nil
}

func getPosition(ctx context.Context, q querier, accountID, assetID, lock string) (*model.Position, error) {
	row := q.QueryRow(ctx,
		`SELECT account_id, asset_id, symbol, name,
		        quantity::TEXT, average_buy_price::TEXT, total_invested::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND asset_id = $2 `+lock, accountID, assetID)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, avg, invested string

	if err := row.Scan(&p.AccountID, &p.AssetID, &p.Symbol, &p.Name,
		&qty, &avg, &invested, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan position", err)
	}

	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("position %s/%s quantity: %w", p.AccountID, p.AssetID, err)
	}
	if p.AverageBuyPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("position %s/%s average: %w", p.AccountID, p.AssetID, err)
	}
	if p.TotalInvested, err = decimal.NewFromString(invested); err != nil {
		return nil, fmt.Errorf("position %s/%s invested: %w", p.AccountID, p.AssetID, err)
	}
	return &p, nil
}

// scanTransactions reads pgx rows into Transaction slices.
func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	txs := []model.Transaction{}
	for rows.Next() {
		var e model.Transaction
		var typ, qtyS, priceS, totalS string

		if err := rows.Scan(&e.ID, &e.AccountID, &e.AssetID, &e.Symbol, &e.Name, &typ,
			&qtyS, &priceS, &totalS, &e.Timestamp); err != nil {
			return nil, classify("scan transaction", err)
		}

		e.Timestamp = e.Timestamp.UTC()
		if err := parseTransaction(&e, typ, qtyS, priceS, totalS); err != nil {
			return nil, err
		}

		txs = append(txs, e)
	}
	return txs, classify("list transactions", rows.Err())
}

// parseTransaction fills the typed columns of e from their text form.
func parseTransaction(e *model.Transaction, typ, qty, price, total string) error {
	var err error
	if e.Type, err = model.ParseDirection(typ); err != nil {
		return fmt.Errorf("transaction %s type: %w", e.ID, err)
	}
	if e.Quantity, err = decimal.NewFromString(qty); err != nil {
		return fmt.Errorf("transaction %s quantity: %w", e.ID, err)
	}
	if e.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return fmt.Errorf("transaction %s unit price: %w", e.ID, err)
	}
	if e.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return fmt.Errorf("transaction %s total: %w", e.ID, err)
	}
	return nil
}

// classify wraps err with ErrUnavailable when retrying the whole operation
// could succeed: lost connections, timeouts, serialization failures,
// deadlocks and server shutdown.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01",                 // deadlock_detected
			pgErr.Code == "57P01",                 // admin_shutdown
			pgErr.Code == "53300",                 // too_many_connections
			strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
