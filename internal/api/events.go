package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fastprodman/cyberclock/internal/fanout"
)

const heartbeatInterval = 30 * time.Second

// EventsHandler handles GET /api/events: a long-lived SSE stream of
// token-update and timer-update events for the authenticated user, with a
// heartbeat every 30s. Delivery is best-effort; the poll endpoint is the
// backstop after a reconnect.
func (h *HandlerProvider) EventsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	updates, cancel := h.svc.Subscribe(user.ID)
	defer cancel()

	slog.Info("event stream opened", "userId", user.ID)

	// Heartbeat immediately so the client knows the stream is live before
	// the first real event.
	err := writeSSE(w, fanout.EventHeartbeat, map[string]int64{"timestamp": time.Now().UnixMilli()})
	if err != nil {
		return
	}

	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case u, open := <-updates:
			if !open {
				return
			}

			err = writeSSE(w, u.Event, u.Data)
			if err != nil {
				slog.Warn("event stream write failed", "userId", user.ID, "error", err)
				return
			}

			flusher.Flush()

		case <-ticker.C:
			err = writeSSE(w, fanout.EventHeartbeat, map[string]int64{"timestamp": time.Now().UnixMilli()})
			if err != nil {
				return
			}

			flusher.Flush()

		case <-r.Context().Done():
			slog.Info("event stream closed", "userId", user.ID)
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}
