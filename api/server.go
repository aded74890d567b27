/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zerolog) with the request ID
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/holders/*         Customers and suppliers, balances, their ledger
  /api/transactions/*    Single transactions, void, journal
  /api/payments/*        Payment application
  /api/applications/*    Application reversal
  /api/orders/*          Sales and purchasing workflows
  /api/reconciliation/*  Batch reconciliation and run history

SECURITY NOTE:
  No authentication middleware. The X-Actor-ID header is trusted as given
  and is only recorded for audit.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/holders", func(r chi.Router) {
			r.Get("/", h.ListHolders)
			r.Post("/", h.CreateHolder)
			r.Get("/{id}", h.GetHolder)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/balance/ledger", h.GetLedgerBalance)
			r.Get("/{id}/balance/validate", h.ValidateBalance)
			r.Post("/{id}/reconcile", h.ReconcileHolder)
			r.Get("/{id}/transactions", h.ListTransactions)
			r.Post("/{id}/transactions", h.CreateTransaction)
			r.Get("/{id}/invoices/open", h.ListOpenInvoices)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/void", h.VoidTransaction)
			r.Get("/{id}/journal", h.GetJournal)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/{id}/apply", h.ApplyPayment)
			r.Post("/{id}/auto-apply", h.AutoApplyPayment)
		})

		r.Post("/applications/{id}/reverse", h.ReverseApplication)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/sales", h.ConfirmSalesOrder)
			r.Post("/purchases", h.ReceivePurchase)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/runs", h.ListReconciliationRuns)
		})
	})

	return r
}

// requestLogger logs one line per request with status, size and latency.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
