// Package ledger holds the append-only transaction ledger and the balance
// projection derived from it. The ledger is the source of truth for a
// user's balance; the balance record is a cache rebuilt by replay whenever
// it goes missing.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fastprodman/cyberclock/internal/fanout"
	"github.com/fastprodman/cyberclock/internal/kvstore"
)

var (
	ErrInvalidAmount   = errors.New("invalid transaction amount")
	ErrMissingUser     = errors.New("missing user id")
	ErrRetryExhausted  = errors.New("write retries exhausted")
	ErrUnknownIdemSlot = errors.New("idempotency key points at missing transaction")
)

type Kind string

const (
	KindPurchase Kind = "purchase"
	KindUsage    Kind = "usage"
)

type ExternalStatus string

const (
	StatusPending   ExternalStatus = "pending"
	StatusCompleted ExternalStatus = "completed"
	StatusFailed    ExternalStatus = "failed"
)

// Transaction is an immutable balance-affecting fact.
type Transaction struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"userId"`
	Kind               Kind           `json:"kind"`
	Amount             int64          `json:"amount"`
	Timestamp          time.Time      `json:"timestamp"`
	Description        string         `json:"description"`
	RunningBalance     int64          `json:"runningBalance"`
	ExternalPaymentRef string         `json:"externalPaymentRef,omitempty"`
	ExternalStatus     ExternalStatus `json:"externalStatus,omitempty"`
}

// BalanceUpdate is the payload published on the fan-out bus after a commit.
type BalanceUpdate struct {
	Transaction Transaction `json:"transaction"`
	Balance     int64       `json:"balance"`
}

// AppendRequest describes one transaction to commit.
type AppendRequest struct {
	UserID      string
	Kind        Kind
	Amount      int64
	Description string

	// ID is optional; a random id is generated when empty. Callers that
	// need replay safety (timer stop) pass a deterministic id.
	ID string

	// IdemKey, when set, makes the append idempotent: a second append with
	// the same key returns the originally committed transaction.
	IdemKey string

	ExternalPaymentRef string
	ExternalStatus     ExternalStatus
}

const maxWriteAttempts = 5

type Ledger struct {
	store     kvstore.Store
	projector *Projector
	bus       *fanout.Bus
	now       func() time.Time
}

func New(store kvstore.Store, projector *Projector, bus *fanout.Bus) *Ledger {
	return &Ledger{
		store:     store,
		projector: projector,
		bus:       bus,
		now:       time.Now,
	}
}

// Append commits one transaction and the matching balance delta in a single
// atomic write, retrying from fresh reads on version conflicts. The
// idempotency key (when present) is checked on every attempt, so a retried
// webhook or timer stop lands on the committed transaction instead of a
// second credit.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Transaction, error) {
	err := validate(req)
	if err != nil {
		return nil, err
	}

	var committed *Transaction

	attempt := func() error {
		if req.IdemKey != "" {
			prior, err := l.byIdemKey(ctx, req.IdemKey)
			if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
				return backoff.Permanent(fmt.Errorf("idempotency lookup: %w", err))
			}

			if prior != nil {
				committed = prior
				return nil
			}
		}

		rec, version, err := l.projector.record(ctx, req.UserID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read balance: %w", err))
		}

		next := balanceRecord{
			Balance: rec.Balance + req.Amount,
			Seq:     rec.Seq + 1,
		}

		tx := Transaction{
			ID:                 req.ID,
			UserID:             req.UserID,
			Kind:               req.Kind,
			Amount:             req.Amount,
			Timestamp:          l.now().UTC(),
			Description:        req.Description,
			RunningBalance:     next.Balance,
			ExternalPaymentRef: req.ExternalPaymentRef,
			ExternalStatus:     req.ExternalStatus,
		}
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}

		txValue, err := json.Marshal(tx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal transaction: %w", err))
		}

		recValue, err := json.Marshal(next)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal balance: %w", err))
		}

		key := txKey(req.UserID, next.Seq)

		checks := []kvstore.Check{{Key: balanceKey(req.UserID), Version: version}}
		sets := []kvstore.Set{
			{Key: balanceKey(req.UserID), Value: recValue},
			{Key: key, Value: txValue},
		}

		if req.IdemKey != "" {
			checks = append(checks, kvstore.Check{Key: idemKey(req.IdemKey), Version: kvstore.VersionAbsent})
			sets = append(sets, kvstore.Set{Key: idemKey(req.IdemKey), Value: []byte(key)})
		}

		err = l.store.AtomicWrite(ctx, checks, sets, nil)
		if err != nil {
			if errors.Is(err, kvstore.ErrConflict) {
				return err
			}

			return backoff.Permanent(fmt.Errorf("commit transaction: %w", err))
		}

		committed = &tx

		return nil
	}

	err = backoff.Retry(attempt, writePolicy(ctx))
	if err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return nil, fmt.Errorf("append for %s: %w", req.UserID, ErrRetryExhausted)
		}

		return nil, fmt.Errorf("append for %s: %w", req.UserID, err)
	}

	l.bus.Publish(req.UserID, fanout.Update{
		Event: fanout.EventTokenUpdate,
		Data: BalanceUpdate{
			Transaction: *committed,
			Balance:     committed.RunningBalance,
		},
	})

	return committed, nil
}

// ListByUser returns the user's committed transactions, newest first. Ties
// within a wall-clock instant follow insertion order because keys are
// sequence-numbered, never timestamp-keyed.
func (l *Ledger) ListByUser(ctx context.Context, userID string) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	entries, err := l.store.Scan(ctx, txPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}

	out := make([]Transaction, 0, len(entries))

	// Scan is ascending by sequence; reverse for newest-first.
	for i := len(entries) - 1; i >= 0; i-- {
		var tx Transaction

		err = json.Unmarshal(entries[i].Value, &tx)
		if err != nil {
			return nil, fmt.Errorf("decode transaction %q: %w", entries[i].Key, err)
		}

		out = append(out, tx)
	}

	return out, nil
}

// ListSince returns transactions committed after sinceID, newest first.
// An empty or unknown sinceID returns the full list; clients reconcile by
// transaction id either way.
func (l *Ledger) ListSince(ctx context.Context, userID, sinceID string) ([]Transaction, error) {
	all, err := l.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sinceID == "" {
		return all, nil
	}

	for i, tx := range all {
		if tx.ID == sinceID {
			return all[:i], nil
		}
	}

	return all, nil
}

// ByID returns a committed transaction, or kvstore.ErrNotFound.
func (l *Ledger) ByID(ctx context.Context, userID, id string) (*Transaction, error) {
	all, err := l.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}

	return nil, kvstore.ErrNotFound
}

// Reset deletes all ledger, timer and idempotency state for a user in one
// atomic write. Test/dev only; the caller gates it on environment.
func (l *Ledger) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUser
	}

	deletes := []string{balanceKey(userID), TimerKey(userID)}

	txs, err := l.store.Scan(ctx, txPrefix(userID))
	if err != nil {
		return fmt.Errorf("scan transactions: %w", err)
	}

	for _, e := range txs {
		deletes = append(deletes, e.Key)
	}

	idems, err := l.store.Scan(ctx, idemPrefix)
	if err != nil {
		return fmt.Errorf("scan idempotency keys: %w", err)
	}

	userTxPrefix := txPrefix(userID)

	for _, e := range idems {
		if len(e.Value) >= len(userTxPrefix) && string(e.Value[:len(userTxPrefix)]) == userTxPrefix {
			deletes = append(deletes, e.Key)
		}
	}

	err = l.store.AtomicWrite(ctx, nil, nil, deletes)
	if err != nil {
		return fmt.Errorf("reset %s: %w", userID, err)
	}

	return nil
}

func (l *Ledger) byIdemKey(ctx context.Context, key string) (*Transaction, error) {
	slot, err := l.store.Get(ctx, idemKey(key))
	if err != nil {
		return nil, err
	}

	entry, err := l.store.Get(ctx, string(slot.Value))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIdemSlot, key)
		}

		return nil, err
	}

	var tx Transaction

	err = json.Unmarshal(entry.Value, &tx)
	if err != nil {
		return nil, fmt.Errorf("decode transaction %q: %w", entry.Key, err)
	}

	return &tx, nil
}

func validate(req AppendRequest) error {
	if req.UserID == "" {
		return ErrMissingUser
	}

	switch {
	case req.Amount == 0:
		return fmt.Errorf("%w: zero", ErrInvalidAmount)
	case req.Kind == KindUsage && req.Amount > 0:
		return fmt.Errorf("%w: usage must debit", ErrInvalidAmount)
	case req.Kind == KindPurchase && req.Amount < 0:
		return fmt.Errorf("%w: purchase must credit", ErrInvalidAmount)
	case req.Kind != KindUsage && req.Kind != KindPurchase:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, req.Kind)
	}

	return nil
}

func writePolicy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond

	return backoff.WithContext(backoff.WithMaxRetries(eb, maxWriteAttempts-1), ctx)
}
