// Package clock composes the store, ledger, timer, purchase flow and
// fan-out bus into the one service the HTTP layer depends on.
package clock

import (
	"context"
	"errors"
	"fmt"

	"github.com/fastprodman/cyberclock/internal/fanout"
	"github.com/fastprodman/cyberclock/internal/kvstore"
	"github.com/fastprodman/cyberclock/internal/ledger"
	"github.com/fastprodman/cyberclock/internal/purchase"
	"github.com/fastprodman/cyberclock/internal/timer"
)

// ErrResetForbidden guards the dev-only data reset in production.
var ErrResetForbidden = errors.New("reset is disabled outside dev mode")

type ClockService struct {
	store     kvstore.Store
	bus       *fanout.Bus
	projector *ledger.Projector
	ledger    *ledger.Ledger
	timer     *timer.Timer
	purchases *purchase.Service
	provider  purchase.Provider
	devMode   bool
}

func New(store kvstore.Store, provider purchase.Provider, devMode bool) *ClockService {
	bus := fanout.NewBus()
	projector := ledger.NewProjector(store)
	ldg := ledger.New(store, projector, bus)

	return &ClockService{
		store:     store,
		bus:       bus,
		projector: projector,
		ledger:    ldg,
		timer:     timer.New(store, ldg, bus),
		purchases: purchase.New(store, ldg, provider),
		provider:  provider,
		devMode:   devMode,
	}
}

func (s *ClockService) GetBalance(ctx context.Context, userID string) (int64, error) {
	return s.projector.GetBalance(ctx, userID)
}

// ListTransactions returns the user's history newest-first; with a non-empty
// sinceID only the transactions committed after it (the reconnect fallback).
func (s *ClockService) ListTransactions(ctx context.Context, userID, sinceID string) ([]ledger.Transaction, error) {
	if sinceID != "" {
		return s.ledger.ListSince(ctx, userID, sinceID)
	}

	return s.ledger.ListByUser(ctx, userID)
}

func (s *ClockService) StartTimer(ctx context.Context, userID string, startTime int64) (timer.Session, error) {
	return s.timer.Start(ctx, userID, startTime)
}

func (s *ClockService) StopTimer(ctx context.Context, userID string, stopTime int64) (*ledger.Transaction, timer.Session, error) {
	return s.timer.Stop(ctx, userID, stopTime)
}

func (s *ClockService) ClearTimer(ctx context.Context, userID string) error {
	return s.timer.Clear(ctx, userID)
}

func (s *ClockService) TimerState(ctx context.Context, userID string) (timer.Session, error) {
	return s.timer.State(ctx, userID)
}

func (s *ClockService) Checkout(ctx context.Context, userID string, quantity int64, successURL, cancelURL string) (string, error) {
	return s.purchases.Checkout(ctx, userID, quantity, successURL, cancelURL)
}

// HandleWebhook verifies a raw provider payload and fulfills the purchase.
// Events the provider adapter does not handle return purchase.ErrIgnoredEvent.
func (s *ClockService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*ledger.Transaction, error) {
	ev, err := s.provider.VerifyWebhook(payload, signature)
	if err != nil {
		return nil, fmt.Errorf("verify webhook: %w", err)
	}

	return s.purchases.Fulfill(ctx, *ev)
}

// Subscribe attaches a live-update listener for the user.
func (s *ClockService) Subscribe(userID string) (<-chan fanout.Update, func()) {
	return s.bus.Subscribe(userID)
}

// Reset wipes one user's data. Dev/test only.
func (s *ClockService) Reset(ctx context.Context, userID string) error {
	if !s.devMode {
		return ErrResetForbidden
	}

	return s.ledger.Reset(ctx, userID)
}

// Ping reports store reachability for the health endpoint.
func (s *ClockService) Ping(ctx context.Context) error {
	_, err := s.store.Get(ctx, "health/probe")
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("store unreachable: %w", err)
	}

	return nil
}
