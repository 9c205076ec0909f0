// Package purchase turns external payment confirmations into exactly-one
// ledger credit. The payment provider is a collaborator behind the Provider
// interface; this package trusts a verified, parsed event once handed one.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fastprodman/cyberclock/internal/kvstore"
	"github.com/fastprodman/cyberclock/internal/ledger"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidEvent    = errors.New("invalid payment event")

	// ErrIgnoredEvent marks provider events that are not checkout
	// completions; the webhook handler acknowledges them without acting.
	ErrIgnoredEvent = errors.New("event type not handled")
)

// Event is a verified payment confirmation, already resolved to a single
// token amount by the provider adapter.
type Event struct {
	PaymentRef  string
	UserID      string
	PurchaseID  string
	TokenAmount int64
	Description string
}

// CheckoutParams is what the provider needs to build a redirect URL.
type CheckoutParams struct {
	UserID      string
	Quantity    int64
	PurchaseID  string
	TokenAmount int64
	SuccessURL  string
	CancelURL   string
}

// Provider is the external payment collaborator. Signature verification and
// payload parsing live behind it; the core never touches raw provider data.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

type pendingStatus string

const (
	pendingOpen      pendingStatus = "pending"
	pendingCompleted pendingStatus = "completed"
)

// pendingPurchase is auxiliary bookkeeping created at checkout initiation.
// Completion is best-effort and eventually consistent with the ledger
// credit, which is the operation whose idempotency matters.
type pendingPurchase struct {
	ID          string        `json:"id"`
	UserID      string        `json:"userId"`
	Quantity    int64         `json:"quantity"`
	TokenAmount int64         `json:"tokenAmount"`
	Status      pendingStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt time.Time     `json:"completedAt,omitzero"`
}

const purchasePrefix = "purchase/"

func purchaseKey(id string) string {
	return purchasePrefix + id
}

type Service struct {
	store    kvstore.Store
	ledger   *ledger.Ledger
	provider Provider
}

func New(store kvstore.Store, ldg *ledger.Ledger, provider Provider) *Service {
	return &Service{store: store, ledger: ldg, provider: provider}
}

// Checkout records a pending purchase and asks the provider for a redirect
// URL. One purchased unit is one hour of clock time.
func (s *Service) Checkout(ctx context.Context, userID string, quantity int64, successURL, cancelURL string) (string, error) {
	if userID == "" {
		return "", ledger.ErrMissingUser
	}

	if quantity < 1 {
		return "", ErrInvalidQuantity
	}

	pending := pendingPurchase{
		ID:          uuid.NewString(),
		UserID:      userID,
		Quantity:    quantity,
		TokenAmount: quantity * ledger.TokensPerHour,
		Status:      pendingOpen,
		CreatedAt:   time.Now().UTC(),
	}

	value, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("marshal pending purchase: %w", err)
	}

	err = s.store.AtomicWrite(ctx,
		[]kvstore.Check{{Key: purchaseKey(pending.ID), Version: kvstore.VersionAbsent}},
		[]kvstore.Set{{Key: purchaseKey(pending.ID), Value: value}},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("record pending purchase: %w", err)
	}

	url, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:      userID,
		Quantity:    quantity,
		PurchaseID:  pending.ID,
		TokenAmount: pending.TokenAmount,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
	})
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	return url, nil
}

// Fulfill credits the tokens for a confirmed payment. Idempotent under
// webhook redelivery via the ledger's payment-ref dedupe; a duplicate event
// returns the originally committed transaction.
func (s *Service) Fulfill(ctx context.Context, ev Event) (*ledger.Transaction, error) {
	if ev.UserID == "" || ev.PaymentRef == "" {
		return nil, fmt.Errorf("%w: missing user or payment ref", ErrInvalidEvent)
	}

	if ev.TokenAmount <= 0 {
		return nil, fmt.Errorf("%w: token amount %d", ErrInvalidEvent, ev.TokenAmount)
	}

	description := ev.Description
	if description == "" {
		description = fmt.Sprintf("Purchased %d tokens", ev.TokenAmount)
	}

	tx, err := s.ledger.Append(ctx, ledger.AppendRequest{
		UserID:             ev.UserID,
		Kind:               ledger.KindPurchase,
		Amount:             ev.TokenAmount,
		Description:        description,
		IdemKey:            "pay:" + ev.PaymentRef,
		ExternalPaymentRef: ev.PaymentRef,
		ExternalStatus:     ledger.StatusCompleted,
	})
	if err != nil {
		return nil, fmt.Errorf("credit purchase: %w", err)
	}

	// Best-effort bookkeeping; the credit above is already durable.
	s.completePending(ctx, ev.PurchaseID)

	return tx, nil
}

func (s *Service) completePending(ctx context.Context, purchaseID string) {
	if purchaseID == "" {
		return
	}

	entry, err := s.store.Get(ctx, purchaseKey(purchaseID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("pending purchase lookup failed", "purchaseId", purchaseID, "error", err)
		}

		return
	}

	var pending pendingPurchase

	err = json.Unmarshal(entry.Value, &pending)
	if err != nil {
		slog.Warn("pending purchase decode failed", "purchaseId", purchaseID, "error", err)
		return
	}

	if pending.Status == pendingCompleted {
		return
	}

	pending.Status = pendingCompleted
	pending.CompletedAt = time.Now().UTC()

	value, err := json.Marshal(pending)
	if err != nil {
		slog.Warn("pending purchase encode failed", "purchaseId", purchaseID, "error", err)
		return
	}

	err = s.store.AtomicWrite(ctx,
		[]kvstore.Check{{Key: entry.Key, Version: entry.Version}},
		[]kvstore.Set{{Key: entry.Key, Value: value}},
		nil,
	)
	if err != nil {
		slog.Warn("pending purchase completion not recorded", "purchaseId", purchaseID, "error", err)
	}
}
