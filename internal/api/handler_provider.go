package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/fastprodman/cyberclock/internal/auth"
	"github.com/fastprodman/cyberclock/internal/ledger"
	"github.com/fastprodman/cyberclock/internal/purchase"
	"github.com/fastprodman/cyberclock/internal/services/clock"
	"github.com/fastprodman/cyberclock/internal/timer"
)

// HandlerProvider wraps the clock service and exposes HTTP handlers.
type HandlerProvider struct {
	svc  *clock.ClockService
	auth auth.Provider
}

// NewHandler returns a new handler provider.
func NewHandler(svc *clock.ClockService, authp auth.Provider) *HandlerProvider {
	return &HandlerProvider{svc: svc, auth: authp}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to encode JSON response", "error", err)

		http.Error(w, `{"error":"internal json encode failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinels to HTTP statuses. Retry-bound
// exhaustion is transient: the caller retries the whole request.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrMissingUser),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, timer.ErrMissingTime),
		errors.Is(err, timer.ErrNegativeDuration),
		errors.Is(err, purchase.ErrInvalidQuantity),
		errors.Is(err, purchase.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, timer.ErrAlreadyRunning),
		errors.Is(err, timer.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrRetryExhausted):
		writeError(w, http.StatusServiceUnavailable, "temporary write contention, retry")
	case errors.Is(err, clock.ErrResetForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB cap
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "empty body")
			return false
		}

		writeError(w, http.StatusBadRequest, "invalid JSON")

		return false
	}

	return true
}

// RequireUser resolves the authenticated user and stores it in the request
// context. The core trusts the id from here on.
func (h *HandlerProvider) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.auth.CurrentUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func userFrom(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return auth.User{}, false
	}

	return user, true
}

// --- Handlers ---

// GetBalanceHandler handles GET /api/balance.
func (h *HandlerProvider) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	bal, err := h.svc.GetBalance(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  user.ID,
		"balance": bal,
	})
}

// ListTransactionsHandler handles GET /api/transactions. The optional
// `since` query parameter returns only transactions committed after the
// given id, which is the reconnect fallback for clients whose push stream
// was down.
func (h *HandlerProvider) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	txs, err := h.svc.ListTransactions(r.Context(), user.ID, r.URL.Query().Get("since"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type timerStartRequest struct {
	StartTime int64 `json:"startTime"`
}

// TimerStartHandler handles POST /api/timer/start.
func (h *HandlerProvider) TimerStartHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	var req timerStartRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := h.svc.StartTimer(r.Context(), user.ID, req.StartTime)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

type timerStopRequest struct {
	StopTime int64 `json:"stopTime"`
}

// TimerStopHandler handles POST /api/timer/stop and returns the usage
// transaction the stopped interval produced.
func (h *HandlerProvider) TimerStopHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	var req timerStopRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tx, session, err := h.svc.StopTimer(r.Context(), user.ID, req.StopTime)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":     session,
		"transaction": tx,
	})
}

// TimerClearHandler handles POST /api/timer/clear. Idempotent.
func (h *HandlerProvider) TimerClearHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	err := h.svc.ClearTimer(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TimerStateHandler handles GET /api/timer.
func (h *HandlerProvider) TimerStateHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	session, err := h.svc.TimerState(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

type checkoutRequest struct {
	Quantity int64 `json:"quantity"`
}

// CheckoutHandler handles POST /api/checkout and returns the provider's
// redirect URL.
func (h *HandlerProvider) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	origin := "https://" + r.Host
	if r.TLS == nil {
		origin = "http://" + r.Host
	}

	url, err := h.svc.Checkout(r.Context(), user.ID, req.Quantity,
		origin+"/dashboard?payment=success",
		origin+"/dashboard?payment=cancelled",
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// WebhookHandler handles POST /api/stripe/webhook. Unverifiable payloads
// get 400 so the provider retries; events we do not act on are
// acknowledged. A rejected event is logged and stays reprocessable via the
// provider's own redelivery.
func (h *HandlerProvider) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	tx, err := h.svc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, purchase.ErrIgnoredEvent) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		if errors.Is(err, ledger.ErrRetryExhausted) {
			// Let the provider redeliver.
			writeError(w, http.StatusServiceUnavailable, "retry later")
			return
		}

		slog.Error("webhook rejected", "error", err)
		writeError(w, http.StatusBadRequest, "webhook rejected")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "transactionId": tx.ID})
}

// ResetHandler handles POST /api/reset. Dev-only; refused in production.
func (h *HandlerProvider) ResetHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	err := h.svc.Reset(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthHandler handles GET /healthz: liveness plus store reachability.
func (h *HandlerProvider) HealthHandler(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Ping(r.Context())
	if err != nil {
		slog.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unreachable")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
