// Package trade provides the HTTP handlers for executing trades and
// querying accounts, portfolios and market data.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/engine"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/oracle"
	"github.com/papertrade/ledger-engine/internal/report"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

// Options tunes a Service.
type Options struct {
	InitialBalance decimal.Decimal // balance of accounts opened without one
	QuoteTimeout   time.Duration   // bound on market data requests
}

// Service handles account, trade and market requests. Trade execution is
// delegated to the engine, which serializes per account through the store.
type Service struct {
	engine  *engine.Engine
	reports *report.Service
	quotes  oracle.Gateway // optional; nil disables the market endpoints
	wsHub   *WSHub         // optional WebSocket hub for trade events
	opts    Options
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, reports *report.Service, quotes oracle.Gateway, hub *WSHub, opts Options) *Service {
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = engine.DefaultQuoteTimeout
	}
	return &Service{
		engine:  eng,
		reports: reports,
		quotes:  quotes,
		wsHub:   hub,
		opts:    opts,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /api/portfolio/buy and /sell.
type TradeRequest struct {
	AssetID   string              `json:"asset_id"`
	Symbol    string              `json:"symbol"`
	Name      string              `json:"name"`
	Quantity  decimal.Decimal     `json:"quantity"`
	UnitPrice decimal.NullDecimal `json:"unit_price"` // absent or null → market price
}

// TradeResponse is the JSON body returned from a successful trade.
type TradeResponse struct {
	Message     string            `json:"message"`
	NewBalance  decimal.Decimal   `json:"new_balance"`
	Position    *model.Position   `json:"position"` // null when the position was closed
	Transaction model.Transaction `json:"transaction"`
}

// OpenAccountRequest is the JSON body for POST /internal/accounts.
type OpenAccountRequest struct {
	AccountID      string              `json:"account_id"`
	InitialBalance decimal.NullDecimal `json:"initial_balance"`
}

// AccountResponse is the JSON body for account endpoints.
type AccountResponse struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	Created   bool            `json:"created,omitempty"`
}

// MarketDetail is the JSON body for GET /api/markets/{assetID}.
type MarketDetail struct {
	Crypto model.Quote        `json:"crypto"`
	Chart  []model.PricePoint `json:"chart"`
}

// --- Trade handlers ---

// Buy handles POST /api/portfolio/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, model.Buy)
}

// Sell handles POST /api/portfolio/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, model.Sell)
}

func (s *Service) execute(w http.ResponseWriter, r *http.Request, dir model.Direction) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order := engine.Order{
		AssetID:   req.AssetID,
		Symbol:    req.Symbol,
		Name:      req.Name,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
	}

	var res *engine.Result
	var err error
	var message string
	switch dir {
	case model.Buy:
		res, err = s.engine.ExecuteBuy(r.Context(), accountID, order)
		message = "Purchase successful"
	case model.Sell:
		res, err = s.engine.ExecuteSell(r.Context(), accountID, order)
		message = "Sale successful"
	}
	if err != nil {
		writeFailure(w, err)
		return
	}

	if s.wsHub != nil {
		tx := res.Transaction
		s.wsHub.Publish(WSMessage{
			Type:          "trade_executed",
			AccountID:     accountID,
			TransactionID: tx.ID,
			Direction:     string(tx.Type),
			AssetID:       tx.AssetID,
			Symbol:        tx.Symbol,
			Quantity:      tx.Quantity.String(),
			UnitPrice:     tx.UnitPrice.String(),
			Balance:       res.Balance.String(),
			Timestamp:     tx.Timestamp.Format(time.RFC3339Nano),
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		Message:     message,
		NewBalance:  res.Balance,
		Position:    res.Position,
		Transaction: res.Transaction,
	})
}

// --- Portfolio queries ---

// GetPortfolio handles GET /api/portfolio
// Returns every holding valued at the current market price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	holdings, err := s.reports.ListHoldings(r.Context(), accountID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if holdings == nil {
		holdings = []valuation.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetSummary handles GET /api/portfolio/summary
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := s.reports.GetDashboardSummary(r.Context(), accountID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetTransactions handles GET /api/transactions
// Returns the account's transactions, newest first.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	txs, err := s.reports.GetTransactionHistory(r.Context(), accountID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// GetAccount handles GET /api/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	acct, err := s.engine.Account(r.Context(), accountID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{ID: acct.ID, Balance: acct.Balance, CreatedAt: acct.CreatedAt})
}

// OpenAccount handles POST /internal/accounts
// Called by the identity service after registration. Idempotent: an existing
// account is returned unchanged with 200, a new one with 201.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	initial := s.opts.InitialBalance
	if req.InitialBalance.Valid {
		initial = req.InitialBalance.Decimal
	}

	acct, created, err := s.engine.OpenAccount(r.Context(), req.AccountID, initial)
	if err != nil {
		writeFailure(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, AccountResponse{ID: acct.ID, Balance: acct.Balance, CreatedAt: acct.CreatedAt, Created: created})
}

// --- Market data ---

// ListMarkets handles GET /api/markets
// Optional ?search= filters by name or symbol, ?limit= caps the list.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeFailure(w, oracle.ErrUnavailable)
		return
	}

	limit := oracle.DefaultMarketLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 250 {
			writeError(w, "limit must be between 1 and 250", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QuoteTimeout)
	defer cancel()

	quotes, err := s.quotes.ListMarkets(ctx, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	quotes = oracle.Filter(quotes, r.URL.Query().Get("search"))
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// GetMarket handles GET /api/markets/{assetID}
// Returns the asset's quote and its price chart over ?days= (default 7).
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeFailure(w, oracle.ErrUnavailable)
		return
	}

	assetID := chi.URLParam(r, "assetID")
	days, err := oracle.ParseDays(r.URL.Query().Get("days"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QuoteTimeout)
	defer cancel()

	quote, err := s.quotes.GetQuote(ctx, assetID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	chart, err := s.quotes.GetHistory(ctx, assetID, days)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if chart == nil {
		chart = []model.PricePoint{}
	}

	writeJSON(w, http.StatusOK, MarketDetail{Crypto: *quote, Chart: chart})
}

// --- Error mapping ---

// statusFor maps an error to its HTTP status and whether the client may
// retry the same request. An unknown asset in an order is a bad request; on
// the market endpoints it is not found.
func statusFor(err error) (status int, retryable bool) {
	switch {
	case errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidAsset),
		errors.Is(err, engine.ErrInvalidAccount),
		errors.Is(err, engine.ErrInvalidBalance),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientHoldings),
		errors.Is(err, oracle.ErrInvalidRange):
		return http.StatusBadRequest, false
	case errors.Is(err, oracle.ErrAssetNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, false
	case engine.IsRetryable(err),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusInternalServerError, false
	}
}

// writeFailure writes err with the status statusFor assigns. Internal
// errors are logged and not echoed to the client.
func writeFailure(w http.ResponseWriter, err error) {
	status, retryable := statusFor(err)

	message := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		message = "internal error"
	case retryable:
		message = "temporarily unavailable, please try again"
		if errors.Is(err, oracle.ErrUnavailable) {
			message = "market data temporarily unavailable, please try again in a moment"
		}
	case errors.Is(err, store.ErrAccountNotFound):
		message = "account not found"
	case errors.Is(err, oracle.ErrAssetNotFound):
		message = "asset not found"
	default:
		var te *engine.TradeError
		if errors.As(err, &te) {
			message = te.Err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": message}
	if retryable {
		body["retryable"] = true
	}
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
