/**
 * @description
 * This file sets up the HTTP router for the payment core. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware chain.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser-based operator tools.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the payment routes.
// metricsHandler may be nil when metrics are disabled.
func NewRouter(h *Handlers, internalKey string, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", internalKeyHeader, userIDHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Use(CallerMiddleware)

		r.Post("/transfers", h.CreateTransferHandler)
		r.Get("/transfers/{id}", h.GetTransferHandler)
		r.Post("/transfers/{id}/execute", h.ExecuteTransferHandler)

		r.Post("/cross-border-transfers", h.CreateCrossBorderHandler)
		r.Get("/cross-border-transfers/{id}", h.GetCrossBorderHandler)
		r.Post("/cross-border-transfers/{id}/cancel", h.CancelCrossBorderHandler)

		r.Post("/offers", h.CreateOfferHandler)
		r.Get("/offers/{id}", h.GetOfferHandler)
		r.Get("/offers/{id}/matches", h.FindMatchesHandler)
		r.Post("/offers/{id}/match", h.MatchOfferHandler)
		r.Post("/offers/{id}/execute", h.ExecuteMatchHandler)
		r.Post("/offers/{id}/cancel", h.CancelOfferHandler)

		r.Post("/transfer-requests", h.CreateTransferRequestHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/ledger/{currency}", h.LedgerBalanceHandler)
		r.Post("/sweepers/{job}/run", h.RunSweeperHandler)
	})

	return r
}
