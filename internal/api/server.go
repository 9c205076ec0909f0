package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fastprodman/cyberclock/internal/auth"
	"github.com/fastprodman/cyberclock/internal/services/clock"
)

// NewServer creates and returns a configured *http.Server for the API.
// WriteTimeout is zero on purpose: the SSE stream is a long-lived response
// and must outlive any fixed write deadline. Slow-client protection for the
// JSON endpoints comes from the read/header timeouts and body caps.
func NewServer(port uint16, svc *clock.ClockService, authp auth.Provider) *http.Server {
	mux := NewRouter(svc, authp)

	addr := fmt.Sprintf(":%d", port)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
