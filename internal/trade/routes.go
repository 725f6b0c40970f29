package trade

import (
	"github.com/go-chi/chi/v5"

	"github.com/papertrade/ledger-engine/internal/auth"
)

// Mount registers the public API under /api and the service-to-service
// routes under /internal.
func (s *Service) Mount(r chi.Router, v *auth.Verifier, internalToken string) {
	r.Route("/api", func(r chi.Router) {
		// Market data is public.
		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{assetID}", s.GetMarket)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(v))

			r.Get("/account", s.GetAccount)
			r.Get("/portfolio", s.GetPortfolio)
			r.Get("/portfolio/summary", s.GetSummary)
			r.Post("/portfolio/buy", s.Buy)
			r.Post("/portfolio/sell", s.Sell)
			r.Get("/transactions", s.GetTransactions)
		})

		// WebSocket endpoint for the account's trade events.
		if s.wsHub != nil {
			r.With(auth.TokenFromQuery, auth.Middleware(v)).Get("/ws", s.wsHub.HandleWS)
		}
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(auth.InternalAuth(internalToken))
		r.Post("/accounts", s.OpenAccount)
	})
}
