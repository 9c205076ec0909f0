// Package timer tracks the per-user billing timer and converts a stopped
// interval into a usage debit on the ledger. The session record is not part
// of the ledger; it is the source that produces exactly one usage
// transaction per stopped interval.
package timer

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
	"github.com/fastprodman/cyberclock/internal/ledger"
)

var (
	ErrAlreadyRunning   = errors.New("timer already running")
	ErrNotRunning       = errors.New("timer not running")
	ErrNegativeDuration = errors.New("stop time precedes start time")
	ErrMissingTime      = errors.New("missing timestamp")
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Session is the per-user timer state. Times are unix milliseconds as
// reported by the client; the server never substitutes its own clock for
// the billed interval.
type Session struct {
	Status    Status `json:"status"`
	StartTime int64  `json:"startTime,omitempty"`
	StopTime  int64  `json:"stopTime,omitempty"`
}

// usageNamespace salts the deterministic usage transaction id derived from
// (userId, startTime, stopTime). A replayed stop therefore reuses the same
// id and lands on the ledger's idempotency path.
var usageNamespace = uuid.MustParse("8c9e4b52-1d6f-4a38-9e57-3f20c1f0a9d4")

const maxTransitionAttempts = 5

type Timer struct {
	store  kvstore.Store
	ledger *ledger.Ledger
	bus    *fanout.Bus
}

func New(store kvstore.Store, ldg *ledger.Ledger, bus *fanout.Bus) *Timer {
	return &Timer{store: store, ledger: ldg, bus: bus}
}

// Start begins a new session. Starting over a stopped session discards the
// prior interval; starting a running session is a conflict.
func (t *Timer) Start(ctx context.Context, userID string, startTime int64) (Session, error) {
	if userID == "" {
		return Session{}, ledger.ErrMissingUser
	}

	if startTime <= 0 {
		return Session{}, ErrMissingTime
	}

	next := Session{Status: StatusRunning, StartTime: startTime}

	err := t.transition(ctx, userID, next, func(cur Session) error {
		if cur.Status == StatusRunning {
			return backoff.Permanent(ErrAlreadyRunning)
		}

		return nil
	})
	if err != nil {
		return Session{}, err
	}

	t.publish(userID, next)

	return next, nil
}

// Stop ends the running session and records the usage debit. The ledger
// append happens first; the session flips to stopped only once the debit is
// committed, so a failed append leaves the timer running and the interval
// unbilled rather than silently lost. Replays with the same interval are
// idempotent.
func (t *Timer) Stop(ctx context.Context, userID string, stopTime int64) (*ledger.Transaction, Session, error) {
	if userID == "" {
		return nil, Session{}, ledger.ErrMissingUser
	}

	if stopTime <= 0 {
		return nil, Session{}, ErrMissingTime
	}

	cur, _, err := t.session(ctx, userID)
	if err != nil {
		return nil, Session{}, err
	}

	if cur.Status == StatusStopped && cur.StopTime == stopTime {
		// Replayed stop for the interval already billed: return the
		// committed transaction instead of failing.
		prior, err := t.ledger.ByID(ctx, userID, usageID(userID, cur.StartTime, stopTime))
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return nil, cur, fmt.Errorf("load prior usage: %w", err)
		}

		return prior, cur, nil
	}

	if cur.Status != StatusRunning {
		return nil, cur, ErrNotRunning
	}

	if stopTime < cur.StartTime {
		// Clock skew from the caller; reject rather than record a
		// negative-duration debit.
		return nil, cur, fmt.Errorf("%w: start=%d stop=%d", ErrNegativeDuration, cur.StartTime, stopTime)
	}

	seconds := (stopTime - cur.StartTime) / 1000
	amount := -seconds * ledger.TokensPerSecond

	var tx *ledger.Transaction

	if amount != 0 {
		id := usageID(userID, cur.StartTime, stopTime)

		tx, err = t.ledger.Append(ctx, ledger.AppendRequest{
			UserID:      userID,
			Kind:        ledger.KindUsage,
			Amount:      amount,
			Description: fmt.Sprintf("Timer usage (%d seconds)", seconds),
			ID:          id,
			IdemKey:     "timer:" + id,
		})
		if err != nil {
			return nil, cur, fmt.Errorf("record usage: %w", err)
		}
	}

	next := Session{Status: StatusStopped, StartTime: cur.StartTime, StopTime: stopTime}

	err = t.transition(ctx, userID, next, func(cur Session) error {
		// The debit is already committed; a session that moved on (a
		// replayed stop racing a clear or restart) stays as it is.
		if cur.Status != StatusRunning || cur.StartTime != next.StartTime {
			return backoff.Permanent(errSessionMoved)
		}

		return nil
	})
	if err != nil && !errors.Is(err, errSessionMoved) {
		return nil, cur, err
	}

	t.publish(userID, next)

	return tx, next, nil
}

// Clear resets the session to idle without producing a transaction.
// Idempotent from any state.
func (t *Timer) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return ledger.ErrMissingUser
	}

	err := t.store.AtomicWrite(ctx, nil, nil, []string{ledger.TimerKey(userID)})
	if err != nil {
		return fmt.Errorf("clear timer: %w", err)
	}

	t.publish(userID, Session{Status: StatusIdle})

	return nil
}

// State returns the current session; a user with no record is idle.
func (t *Timer) State(ctx context.Context, userID string) (Session, error) {
	if userID == "" {
		return Session{}, ledger.ErrMissingUser
	}

	s, _, err := t.session(ctx, userID)

	return s, err
}

var errSessionMoved = errors.New("session changed underneath transition")

// transition CASes the session record to next, re-reading on conflict.
// guard inspects the freshly read state and may abort the transition.
func (t *Timer) transition(ctx context.Context, userID string, next Session, guard func(cur Session) error) error {
	value, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	attempt := func() error {
		cur, version, err := t.session(ctx, userID)
		if err != nil {
			return backoff.Permanent(err)
		}

		err = guard(cur)
		if err != nil {
			return err
		}

		err = t.store.AtomicWrite(ctx,
			[]kvstore.Check{{Key: ledger.TimerKey(userID), Version: version}},
			[]kvstore.Set{{Key: ledger.TimerKey(userID), Value: value}},
			nil,
		)
		if err != nil {
			if errors.Is(err, kvstore.ErrConflict) {
				return err
			}

			return backoff.Permanent(fmt.Errorf("write session: %w", err))
		}

		return nil
	}

	err = backoff.Retry(attempt, transitionPolicy(ctx))
	if err != nil {
		if errors.Is(err, kvstore.ErrConflict) {
			return fmt.Errorf("timer transition for %s: %w", userID, ledger.ErrRetryExhausted)
		}

		return err
	}

	return nil
}

func (t *Timer) session(ctx context.Context, userID string) (Session, int64, error) {
	entry, err := t.store.Get(ctx, ledger.TimerKey(userID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return Session{Status: StatusIdle}, kvstore.VersionAbsent, nil
		}

		return Session{}, 0, fmt.Errorf("read session: %w", err)
	}

	var s Session

	err = json.Unmarshal(entry.Value, &s)
	if err != nil {
		return Session{}, 0, fmt.Errorf("decode session: %w", err)
	}

	return s, entry.Version, nil
}

func (t *Timer) publish(userID string, s Session) {
	t.bus.Publish(userID, fanout.Update{Event: fanout.EventTimerUpdate, Data: s})
}

func usageID(userID string, startTime, stopTime int64) string {
	name := fmt.Sprintf("%s|%d|%d", userID, startTime, stopTime)

	return uuid.NewSHA1(usageNamespace, []byte(name)).String()
}

func transitionPolicy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond

	return backoff.WithContext(backoff.WithMaxRetries(eb, maxTransitionAttempts-1), ctx)
}
