package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/oracle"
	"github.com/papertrade/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func price(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

// fakeGateway serves fixed quotes or a fixed error.
type fakeGateway struct {
	quotes map[string]model.Quote
	err    error
	block  bool // wait for ctx instead of answering
}

func (f *fakeGateway) GetQuote(ctx context.Context, assetID string) (*model.Quote, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	q, ok := f.quotes[assetID]
	if !ok {
		return nil, oracle.ErrAssetNotFound
	}
	return &q, nil
}

func (f *fakeGateway) GetQuotes(ctx context.Context, ids []string) (map[string]model.Quote, error) {
	return f.quotes, f.err
}

func (f *fakeGateway) ListMarkets(ctx context.Context, limit int) ([]model.Quote, error) {
	return nil, f.err
}

func (f *fakeGateway) GetHistory(ctx context.Context, assetID, days string) ([]model.PricePoint, error) {
	return nil, f.err
}

func setup(t *testing.T, balance string) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	eng := New(st, nil, 0)
	_, _, err := eng.OpenAccount(context.Background(), "alice", d(balance))
	require.NoError(t, err)
	return eng, st
}

func balanceOf(t *testing.T, eng *Engine) decimal.Decimal {
	t.Helper()
	acct, err := eng.Account(context.Background(), "alice")
	require.NoError(t, err)
	return acct.Balance
}

func btc(qty, p string) Order {
	return Order{AssetID: "bitcoin", Symbol: "BTC", Name: "Bitcoin", Quantity: d(qty), UnitPrice: price(p)}
}

func TestEngine_BuySellRoundTrip(t *testing.T) {
	eng, st := setup(t, "10000.00")
	ctx := context.Background()

	res, err := eng.ExecuteBuy(ctx, "alice", btc("2", "100.00"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(d("9800")))
	require.NotNil(t, res.Position)
	assert.True(t, res.Position.Quantity.Equal(d("2")))
	assert.True(t, res.Position.AverageBuyPrice.Equal(d("100")))
	assert.True(t, res.Position.TotalInvested.Equal(d("200")))
	assert.Equal(t, model.Buy, res.Transaction.Type)
	assert.True(t, res.Transaction.TotalAmount.Equal(d("200")))
	assert.NotEmpty(t, res.Transaction.ID)

	res, err = eng.ExecuteSell(ctx, "alice", btc("1", "150.00"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(d("9950")))
	require.NotNil(t, res.Position)
	assert.True(t, res.Position.Quantity.Equal(d("1")))
	assert.True(t, res.Position.AverageBuyPrice.Equal(d("100")), "sell must not move the average")
	assert.True(t, res.Position.TotalInvested.Equal(d("100")))

	res, err = eng.ExecuteSell(ctx, "alice", btc("1", "90.00"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(d("10040")))
	assert.Nil(t, res.Position)

	pos, err := st.GetPosition(ctx, "alice", "bitcoin")
	require.NoError(t, err)
	assert.Nil(t, pos, "a zero position must not exist")

	txs, err := st.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestEngine_NegativeQuantity(t *testing.T) {
	eng, _ := setup(t, "10000")

	_, err := eng.ExecuteBuy(context.Background(), "alice", btc("-1", "100"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.True(t, balanceOf(t, eng).Equal(d("10000")))
}

func TestEngine_SellNeverBought(t *testing.T) {
	eng, _ := setup(t, "10000")

	_, err := eng.ExecuteSell(context.Background(), "alice", btc("1", "100"))
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
	assert.True(t, balanceOf(t, eng).Equal(d("10000")))
}

func TestEngine_ValidationOrder(t *testing.T) {
	eng, _ := setup(t, "10000")
	ctx := context.Background()

	tests := []struct {
		name  string
		order Order
		want  error
	}{
		{"zero quantity first", Order{Quantity: d("0"), UnitPrice: price("0")}, ErrInvalidQuantity},
		{"then price", Order{Quantity: d("1"), UnitPrice: price("-5")}, ErrInvalidPrice},
		{"then asset", Order{AssetID: "  ", Quantity: d("1"), UnitPrice: price("5")}, ErrInvalidAsset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.ExecuteBuy(ctx, "alice", tt.order)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEngine_InsufficientFunds(t *testing.T) {
	eng, st := setup(t, "10000")
	ctx := context.Background()

	_, err := eng.ExecuteBuy(ctx, "alice", btc("101", "100"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "$10,100.00")
	assert.Contains(t, err.Error(), "$10,000.00")

	var te *TradeError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "buy", te.Op)
	assert.Equal(t, "bitcoin", te.AssetID)
	assert.False(t, IsRetryable(err))

	txs, _ := st.ListTransactions(ctx, "alice")
	assert.Empty(t, txs)
}

func TestEngine_BuyExactBalance(t *testing.T) {
	eng, _ := setup(t, "10000")

	res, err := eng.ExecuteBuy(context.Background(), "alice", btc("100", "100"))
	require.NoError(t, err)
	assert.True(t, res.Balance.IsZero())
}

func TestEngine_SellMoreThanHeld(t *testing.T) {
	eng, _ := setup(t, "10000")
	ctx := context.Background()

	_, err := eng.ExecuteBuy(ctx, "alice", btc("1.5", "100"))
	require.NoError(t, err)

	_, err = eng.ExecuteSell(ctx, "alice", btc("1.50000001", "100"))
	assert.ErrorIs(t, err, ErrInsufficientHoldings)
	assert.NotErrorIs(t, err, ErrPositionNotFound)
	assert.True(t, balanceOf(t, eng).Equal(d("9850")))
}

func TestEngine_UnknownAccount(t *testing.T) {
	eng, _ := setup(t, "10000")

	_, err := eng.ExecuteBuy(context.Background(), "bob", btc("1", "1"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestEngine_CancelledContextWritesNothing(t *testing.T) {
	eng, st := setup(t, "10000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.ExecuteBuy(ctx, "alice", btc("1", "100"))
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, balanceOf(t, eng).Equal(d("10000")))
	positions, _ := st.ListPositions(context.Background(), "alice")
	assert.Empty(t, positions)
}

func TestEngine_ExistingPositionKeepsSymbol(t *testing.T) {
	eng, _ := setup(t, "10000")
	ctx := context.Background()

	_, err := eng.ExecuteBuy(ctx, "alice", btc("1", "100"))
	require.NoError(t, err)

	res, err := eng.ExecuteBuy(ctx, "alice", Order{AssetID: "bitcoin", Symbol: "XBT", Quantity: d("1"), UnitPrice: price("300")})
	require.NoError(t, err)
	assert.Equal(t, "BTC", res.Position.Symbol)
	assert.Equal(t, "BTC", res.Transaction.Symbol)
	assert.True(t, res.Position.AverageBuyPrice.Equal(d("200")))
}

func TestEngine_MarketOrder(t *testing.T) {
	st := store.NewMemoryStore()
	gw := &fakeGateway{quotes: map[string]model.Quote{
		"ethereum": {AssetID: "ethereum", Symbol: "ETH", Name: "Ethereum", CurrentPrice: d("2500")},
	}}
	eng := New(st, gw, time.Second)
	ctx := context.Background()
	_, _, err := eng.OpenAccount(ctx, "alice", d("10000"))
	require.NoError(t, err)

	res, err := eng.ExecuteBuy(ctx, "alice", Order{AssetID: "ethereum", Quantity: d("2")})
	require.NoError(t, err)
	assert.True(t, res.Transaction.UnitPrice.Equal(d("2500")))
	assert.Equal(t, "ETH", res.Position.Symbol)
	assert.Equal(t, "Ethereum", res.Position.Name)
	assert.True(t, res.Balance.Equal(d("5000")))
}

func TestEngine_MarketOrderFailures(t *testing.T) {
	tests := []struct {
		name      string
		gw        oracle.Gateway
		want      error
		retryable bool
	}{
		{"no feed", nil, ErrOracleUnavailable, true},
		{"feed down", &fakeGateway{err: oracle.ErrUnavailable}, ErrOracleUnavailable, true},
		{"feed too slow", &fakeGateway{block: true}, ErrOracleUnavailable, true},
		{"unknown asset", &fakeGateway{quotes: map[string]model.Quote{}}, ErrInvalidAsset, false},
		{"zero price", &fakeGateway{quotes: map[string]model.Quote{"ethereum": {AssetID: "ethereum"}}}, ErrInvalidPrice, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			eng := New(st, tt.gw, 20*time.Millisecond)
			ctx := context.Background()
			_, _, err := eng.OpenAccount(ctx, "alice", d("10000"))
			require.NoError(t, err)

			_, err = eng.ExecuteBuy(ctx, "alice", Order{AssetID: "ethereum", Quantity: d("1")})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, IsRetryable(err))

			acct, _ := eng.Account(ctx, "alice")
			assert.True(t, acct.Balance.Equal(d("10000")))
		})
	}
}

func TestEngine_OpenAccountIdempotent(t *testing.T) {
	eng, _ := setup(t, "10000")
	ctx := context.Background()

	_, err := eng.ExecuteBuy(ctx, "alice", btc("1", "100"))
	require.NoError(t, err)

	acct, created, err := eng.OpenAccount(ctx, "alice", d("500"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, acct.Balance.Equal(d("9900")), "reopening must not reset the balance")
}

func TestEngine_OpenAccountValidation(t *testing.T) {
	eng := New(store.NewMemoryStore(), nil, 0)
	ctx := context.Background()

	_, _, err := eng.OpenAccount(ctx, " ", d("1"))
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, _, err = eng.OpenAccount(ctx, "bob", d("-1"))
	assert.ErrorIs(t, err, ErrInvalidBalance)

	acct, created, err := eng.OpenAccount(ctx, "bob", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, acct.Balance.IsZero())
}

// Concurrent sells against one position must never sell more than is held.
func TestEngine_ConcurrentSellsNeverOversell(t *testing.T) {
	eng, st := setup(t, "10000")
	ctx := context.Background()

	_, err := eng.ExecuteBuy(ctx, "alice", btc("10", "100"))
	require.NoError(t, err)

	var mu sync.Mutex
	var ok, rejected int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.ExecuteSell(ctx, "alice", btc("1", "120"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientHoldings):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 40, rejected)
	assert.True(t, balanceOf(t, eng).Equal(d("10200")))

	pos, err := st.GetPosition(ctx, "alice", "bitcoin")
	require.NoError(t, err)
	assert.Nil(t, pos)

	txs, _ := st.ListTransactions(ctx, "alice")
	assert.Len(t, txs, 11)
}

// Concurrent buys must never spend more than the balance.
func TestEngine_ConcurrentBuysNeverOverspend(t *testing.T) {
	eng, _ := setup(t, "1000")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.ExecuteBuy(ctx, "alice", btc("1", "100"))
		}()
	}
	wg.Wait()

	assert.True(t, balanceOf(t, eng).IsZero())
}
