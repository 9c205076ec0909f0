package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fastprodman/cyberclock/internal/auth"
	"github.com/fastprodman/cyberclock/internal/services/clock"
)

// NewRouter constructs the HTTP router with all API endpoints registered.
// The webhook and health endpoints stay outside the auth middleware: the
// webhook authenticates by signature, health by nothing.
func NewRouter(svc *clock.ClockService, authp auth.Provider) http.Handler {
	h := NewHandler(svc, authp)
	r := chi.NewRouter()

	r.Get("/healthz", h.HealthHandler)
	r.Post("/api/stripe/webhook", h.WebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireUser)

		r.Get("/api/balance", h.GetBalanceHandler)
		r.Get("/api/transactions", h.ListTransactionsHandler)
		r.Get("/api/events", h.EventsHandler)

		r.Get("/api/timer", h.TimerStateHandler)
		r.Post("/api/timer/start", h.TimerStartHandler)
		r.Post("/api/timer/stop", h.TimerStopHandler)
		r.Post("/api/timer/clear", h.TimerClearHandler)

		r.Post("/api/checkout", h.CheckoutHandler)
		r.Post("/api/reset", h.ResetHandler)
	})

	return r
}
