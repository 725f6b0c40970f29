package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/ledger-engine/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("syntax"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.retryable, errors.Is(err, ErrUnavailable))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClassify_PassesThrough(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.Equal(t, context.Canceled, classify("op", context.Canceled))
}

func TestParseTransaction(t *testing.T) {
	var e model.Transaction
	require.NoError(t, parseTransaction(&e, "sell", "1.5", "20", "30"))
	assert.Equal(t, model.Sell, e.Type)
	assert.True(t, e.Quantity.Equal(d("1.5")))
	assert.True(t, e.TotalAmount.Equal(d("30")))

	tests := []struct {
		name                   string
		typ, qty, price, total string
	}{
		{"unknown type", "short", "1", "1", "1"},
		{"corrupt quantity", "buy", "1.x", "1", "1"},
		{"corrupt price", "buy", "1", "", "1"},
		{"corrupt total", "buy", "1", "1", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := model.Transaction{ID: "tx-1"}
			err := parseTransaction(&e, tt.typ, tt.qty, tt.price, tt.total)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "tx-1")
		})
	}
}

// newPostgresStore connects to LEDGER_TEST_DATABASE_URL, skipping the test
// when it is not set.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func pgTrade(dir model.Direction, balance, qty string, keep bool) TradeFunc {
	return func(acct model.Account, pos *model.Position) (*Mutation, error) {
		m := &Mutation{
			Balance: d(balance),
			Transaction: model.Transaction{
				ID: uuid.NewString(), AccountID: acct.ID, AssetID: "bitcoin", Type: dir,
				Quantity: d(qty), UnitPrice: d("10"), TotalAmount: d(qty).Mul(d("10")),
			},
		}
		if keep {
			m.Position = &model.Position{
				AccountID: acct.ID, AssetID: "bitcoin", Quantity: d(qty),
				AverageBuyPrice: d("10"), TotalInvested: d(qty).Mul(d("10")),
			}
		}
		return m, nil
	}
}

func TestPostgresStore_TradeLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := "acct-" + uuid.NewString()

	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: id, Balance: d("100")}))
	assert.ErrorIs(t, s.CreateAccount(ctx, &model.Account{ID: id}), ErrAccountExists)

	m, err := s.ApplyTrade(ctx, id, "bitcoin", pgTrade(model.Buy, "80", "2", true))
	require.NoError(t, err)
	assert.Equal(t, m.Transaction.Timestamp, m.Position.UpdatedAt)

	pos, err := s.GetPosition(ctx, id, "bitcoin")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(d("2")))

	_, err = s.ApplyTrade(ctx, id, "bitcoin", pgTrade(model.Sell, "100", "2", false))
	require.NoError(t, err)

	pos, err = s.GetPosition(ctx, id, "bitcoin")
	require.NoError(t, err)
	assert.Nil(t, pos)

	acct, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")))

	txs, err := s.ListTransactions(ctx, id)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.Buy, txs[0].Type)
	assert.True(t, txs[1].Timestamp.After(txs[0].Timestamp))
}

func TestPostgresStore_FailedTradeWritesNothing(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := "acct-" + uuid.NewString()
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: id, Balance: d("100")}))

	boom := errors.New("rejected")
	_, err := s.ApplyTrade(ctx, id, "bitcoin", func(model.Account, *model.Position) (*Mutation, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.ApplyTrade(ctx, "ghost-"+uuid.NewString(), "bitcoin", pgTrade(model.Buy, "0", "1", true))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	txs, err := s.ListTransactions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, txs)
}
