package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marketsBody = `[
  {"id":"bitcoin","symbol":"btc","name":"Bitcoin","image":"https://img/btc.png",
   "current_price":67000.5,"price_change_24h":-120.25,"price_change_percentage_24h":-0.18,
   "market_cap":1320000000000,"market_cap_rank":1,"total_volume":25000000000},
  {"id":"ghostcoin","symbol":"gst","name":"Ghost","image":"",
   "current_price":null,"price_change_24h":null,"price_change_percentage_24h":null,
   "market_cap":null,"market_cap_rank":null,"total_volume":null}
]`

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *CoinGecko {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL, APIKey: "demo-key", Timeout: time.Second, Retries: retries})
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func TestCoinGecko_GetQuotes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "bitcoin,ghostcoin", r.URL.Query().Get("ids"))
		assert.Equal(t, "demo-key", r.Header.Get("x-cg-demo-api-key"))
		writeJSON(w, marketsBody)
	}, 0)

	quotes, err := c.GetQuotes(context.Background(), []string{"bitcoin", "ghostcoin"})
	require.NoError(t, err)

	require.Len(t, quotes, 1, "rows without a price are unknown")
	btc := quotes["bitcoin"]
	assert.Equal(t, "BTC", btc.Symbol)
	assert.Equal(t, 1, btc.MarketCapRank)
	assert.True(t, btc.CurrentPrice.Equal(decimal.RequireFromString("67000.5")))
	assert.True(t, btc.PercentChange24h.Equal(decimal.RequireFromString("-0.18")))
}

func TestCoinGecko_GetQuotesEmpty(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, 0)

	quotes, err := c.GetQuotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
	assert.Zero(t, calls.Load())
}

func TestCoinGecko_GetQuoteUnknown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `[]`)
	}, 0)

	_, err := c.GetQuote(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestCoinGecko_RateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, 2)

	_, err := c.ListMarkets(context.Background(), 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoinGecko_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "10", r.URL.Query().Get("per_page"))
		writeJSON(w, marketsBody)
	}, 1)

	quotes, err := c.ListMarkets(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoinGecko_ServerErrorExhausted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 0)

	_, err := c.GetQuote(context.Background(), "bitcoin")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoinGecko_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetQuote(ctx, "bitcoin")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCoinGecko_GetHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart", r.URL.Path)
		assert.Equal(t, "30", r.URL.Query().Get("days"))
		writeJSON(w, `{"prices":[[1711843200000,69702.3],[1711929600000,71333.1]]}`)
	}, 0)

	points, err := c.GetHistory(context.Background(), "bitcoin", "30")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, time.UnixMilli(1711843200000).UTC(), points[0].Timestamp)
	assert.True(t, points[1].Price.Equal(decimal.RequireFromString("71333.1")))
}

func TestCoinGecko_GetHistoryEscapesAssetID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/foo%2Fbar%3Fx=1/market_chart", r.URL.EscapedPath())
		assert.Equal(t, "7", r.URL.Query().Get("days"))
		assert.Empty(t, r.URL.Query().Get("x"))
		writeJSON(w, `{"prices":[]}`)
	}, 0)

	points, err := c.GetHistory(context.Background(), "foo/bar?x=1", "7")
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestCoinGecko_GetHistoryUnknownAsset(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, `{"error":"coin not found"}`)
	}, 0)

	_, err := c.GetHistory(context.Background(), "nope", "7")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestCoinGecko_GetHistoryInvalidRange(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, 0)

	_, err := c.GetHistory(context.Background(), "bitcoin", "3")
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Zero(t, calls.Load())
}
