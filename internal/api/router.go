/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Provider callbacks are authenticated by URL secrecy and provider IP
	// allowlisting at the ingress, not by JWT.
	r.Route("/callbacks", func(r chi.Router) {
		r.Post("/c2b", h.C2BConfirmationHandler)
		r.Post("/c2b/validation", h.C2BValidationHandler)
		r.Post("/stk", h.STKCallbackHandler)
		r.Post("/b2c-result", h.B2CResultHandler)
		r.Post("/b2c-timeout", h.B2CTimeoutHandler)
	})

	// Group routes that require internal-service authentication.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(jwtSecret))

		// Account management endpoints
		r.Post("/accounts", h.CreateAccountHandler)
		r.Get("/accounts/by-reference/{reference}", h.GetAccountHandler)
		r.Put("/accounts/{id}/reference", h.ChangeAccountReferenceHandler)
		r.Put("/accounts/{id}/status", h.ChangeAccountStatusHandler)
		r.Delete("/accounts/{id}", h.DeleteAccountHandler)
		r.Get("/accounts/{id}/balance", h.BalanceHandler)

		// Money movement endpoints
		r.Post("/transfers", h.TransferHandler)
		r.Post("/withdrawals", h.WithdrawalHandler)

		// Manual review endpoints
		r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawalHandler)
		r.Post("/withdrawals/{id}/reject", h.RejectWithdrawalHandler)
		r.Post("/reviews/{id}/approve", h.ApproveHeldCreditHandler)
		r.Post("/reviews/{id}/reject", h.RejectHeldCreditHandler)
	})

	return r
}
