package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastprodman/cyberclock/internal/auth"
	"github.com/fastprodman/cyberclock/internal/kvstore/memory"
	"github.com/fastprodman/cyberclock/internal/purchase"
	"github.com/fastprodman/cyberclock/internal/services/clock"
)

const testSignature = "t=1,v1=valid"

// fakeProvider stands in for the payment processor: checkout returns a
// canned URL and webhooks are JSON payloads guarded by a fixed signature.
type fakeProvider struct{}

func (fakeProvider) CreateCheckoutSession(_ context.Context, p purchase.CheckoutParams) (string, error) {
	return "https://pay.example/session/" + p.PurchaseID, nil
}

func (fakeProvider) VerifyWebhook(payload []byte, signature string) (*purchase.Event, error) {
	if signature != testSignature {
		return nil, errors.New("signature mismatch")
	}

	var body struct {
		Type  string         `json:"type"`
		Event purchase.Event `json:"event"`
	}

	err := json.Unmarshal(payload, &body)
	if err != nil {
		return nil, err
	}

	if body.Type != "checkout.completed" {
		return nil, purchase.ErrIgnoredEvent
	}

	return &body.Event, nil
}

func newTestServer(t *testing.T, devMode bool) (*httptest.Server, *clock.ClockService) {
	t.Helper()

	svc := clock.New(memory.New(), fakeProvider{}, devMode)
	srv := httptest.NewServer(NewRouter(svc, auth.NewHeaderProvider()))
	t.Cleanup(srv.Close)

	return srv, svc
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, userID string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)

	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func postWebhook(t *testing.T, srv *httptest.Server, signature string, body any) (int, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/stripe/webhook", bytes.NewReader(data))
	require.NoError(t, err)

	req.Header.Set("Stripe-Signature", signature)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, payload
}

func TestAuth_MissingIdentityHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	for _, ep := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/balance"},
		{http.MethodGet, "/api/transactions"},
		{http.MethodGet, "/api/timer"},
		{http.MethodPost, "/api/timer/start"},
		{http.MethodPost, "/api/checkout"},
		{http.MethodPost, "/api/reset"},
	} {
		code, _ := doRequest(t, srv, ep.method, ep.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, code, "%s %s", ep.method, ep.path)
	}
}

func TestGetBalance(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	code, body := doRequest(t, srv, http.MethodGet, "/api/balance", "u1", nil)
	require.Equal(t, http.StatusOK, code)

	var payload struct {
		UserID  string `json:"userId"`
		Balance int64  `json:"balance"`
	}

	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "u1", payload.UserID)
	assert.Zero(t, payload.Balance, "unknown user starts at zero")
}

func TestTimerFlow(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	code, body := doRequest(t, srv, http.MethodPost, "/api/timer/start", "u1",
		map[string]int64{"startTime": 1_000_000})
	require.Equal(t, http.StatusOK, code, string(body))

	// A second start while running is a conflict.
	code, _ = doRequest(t, srv, http.MethodPost, "/api/timer/start", "u1",
		map[string]int64{"startTime": 2_000_000})
	assert.Equal(t, http.StatusConflict, code)

	code, body = doRequest(t, srv, http.MethodGet, "/api/timer", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"running"`)

	code, body = doRequest(t, srv, http.MethodPost, "/api/timer/stop", "u1",
		map[string]int64{"stopTime": 1_061_000})
	require.Equal(t, http.StatusOK, code, string(body))

	var stop struct {
		Transaction struct {
			Amount int64  `json:"amount"`
			Kind   string `json:"kind"`
		} `json:"transaction"`
		Session struct {
			Status string `json:"status"`
		} `json:"session"`
	}

	require.NoError(t, json.Unmarshal(body, &stop))
	assert.Equal(t, int64(-61), stop.Transaction.Amount)
	assert.Equal(t, "usage", stop.Transaction.Kind)
	assert.Equal(t, "stopped", stop.Session.Status)

	code, body = doRequest(t, srv, http.MethodGet, "/api/balance", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"balance":-61`)

	code, _ = doRequest(t, srv, http.MethodPost, "/api/timer/clear", "u1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = doRequest(t, srv, http.MethodGet, "/api/timer", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"idle"`)
}

func TestTimerStop_WithoutRunningSession(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	code, _ := doRequest(t, srv, http.MethodPost, "/api/timer/stop", "u1",
		map[string]int64{"stopTime": 1_000_000})
	assert.Equal(t, http.StatusConflict, code)
}

func TestTimerStart_BadBodies(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	// Empty body.
	code, body := doRequest(t, srv, http.MethodPost, "/api/timer/start", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "empty body")

	// Unknown field.
	code, _ = doRequest(t, srv, http.MethodPost, "/api/timer/start", "u1",
		map[string]any{"startTime": 1, "bogus": true})
	assert.Equal(t, http.StatusBadRequest, code)

	// Missing timestamp.
	code, _ = doRequest(t, srv, http.MethodPost, "/api/timer/start", "u1",
		map[string]int64{"startTime": 0})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCheckout(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	code, body := doRequest(t, srv, http.MethodPost, "/api/checkout", "u1",
		map[string]int64{"quantity": 2})
	require.Equal(t, http.StatusOK, code, string(body))

	var payload struct {
		URL string `json:"url"`
	}

	require.NoError(t, json.Unmarshal(body, &payload))
	assert.True(t, strings.HasPrefix(payload.URL, "https://pay.example/session/"))

	code, _ = doRequest(t, srv, http.MethodPost, "/api/checkout", "u1",
		map[string]int64{"quantity": 0})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	completed := map[string]any{
		"type": "checkout.completed",
		"event": purchase.Event{
			PaymentRef:  "pay_1",
			UserID:      "u1",
			TokenAmount: 36000,
		},
	}

	code, body := postWebhook(t, srv, testSignature, completed)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), "transactionId")

	// Redelivery acknowledges without double-crediting.
	code, _ = postWebhook(t, srv, testSignature, completed)
	require.Equal(t, http.StatusOK, code)

	code, balance := doRequest(t, srv, http.MethodGet, "/api/balance", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(balance), `"balance":36000`)

	// Events we do not act on are acknowledged so the provider stops
	// redelivering them.
	code, body = postWebhook(t, srv, testSignature, map[string]any{"type": "invoice.paid"})
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "ignored")

	// An unverifiable payload is rejected.
	code, _ = postWebhook(t, srv, "garbage", completed)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTransactions_SinceFallback(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	var firstID string

	for i, ref := range []string{"pay_a", "pay_b"} {
		code, body := postWebhook(t, srv, testSignature, map[string]any{
			"type": "checkout.completed",
			"event": purchase.Event{
				PaymentRef:  ref,
				UserID:      "u1",
				TokenAmount: 3600,
			},
		})
		require.Equal(t, http.StatusOK, code)

		if i == 0 {
			var payload struct {
				TransactionID string `json:"transactionId"`
			}

			require.NoError(t, json.Unmarshal(body, &payload))
			firstID = payload.TransactionID
		}
	}

	code, body := doRequest(t, srv, http.MethodGet, "/api/transactions", "u1", nil)
	require.Equal(t, http.StatusOK, code)

	var all struct {
		Transactions []json.RawMessage `json:"transactions"`
	}

	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all.Transactions, 2)

	code, body = doRequest(t, srv, http.MethodGet, "/api/transactions?since="+firstID, "u1", nil)
	require.Equal(t, http.StatusOK, code)

	var newer struct {
		Transactions []json.RawMessage `json:"transactions"`
	}

	require.NoError(t, json.Unmarshal(body, &newer))
	assert.Len(t, newer.Transactions, 1, "only transactions after the given id")
}

func TestReset(t *testing.T) {
	t.Parallel()

	t.Run("dev_mode_wipes_user", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t, true)

		code, _ := postWebhook(t, srv, testSignature, map[string]any{
			"type": "checkout.completed",
			"event": purchase.Event{
				PaymentRef:  "pay_1",
				UserID:      "u1",
				TokenAmount: 3600,
			},
		})
		require.Equal(t, http.StatusOK, code)

		code, _ = doRequest(t, srv, http.MethodPost, "/api/reset", "u1", nil)
		require.Equal(t, http.StatusOK, code)

		code, body := doRequest(t, srv, http.MethodGet, "/api/balance", "u1", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(body), `"balance":0`)
	})

	t.Run("forbidden_in_production", func(t *testing.T) {
		t.Parallel()

		srv, _ := newTestServer(t, false)

		code, _ := doRequest(t, srv, http.MethodPost, "/api/reset", "u1", nil)
		assert.Equal(t, http.StatusForbidden, code)
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, false)

	code, body := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

// readSSEEvent consumes one `event:`/`data:` block from the stream.
func readSSEEvent(t *testing.T, scanner *bufio.Scanner) (event, data string) {
	t.Helper()

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" {
				return event, data
			}
		}
	}

	t.Fatalf("stream ended mid-event: %v", scanner.Err())

	return "", ""
}

// The event stream opens with a heartbeat and then relays bus updates in
// SSE framing until the client disconnects.
func TestEventsStream(t *testing.T) {
	t.Parallel()

	srv, svc := newTestServer(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "u1")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)

	// The heartbeat arrives after the subscription is registered, so once
	// it is read anything published next will be delivered.
	event, data := readSSEEvent(t, scanner)
	assert.Equal(t, "heartbeat", event)
	assert.Contains(t, data, "timestamp")

	_, err = svc.StartTimer(context.Background(), "u1", 1_000_000)
	require.NoError(t, err)

	event, data = readSSEEvent(t, scanner)
	assert.Equal(t, "timer-update", event)
	assert.Contains(t, data, `"status":"running"`)
	assert.Contains(t, data, `"startTime":1000000`)

	cancel()
}
