package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fastprodman/cyberclock/internal/kvstore"
)

// balanceRecord is the denormalized projection of a user's ledger: the
// current balance plus the sequence number of the last committed
// transaction. Never authoritative; rebuilt by replay when absent.
type balanceRecord struct {
	Balance int64 `json:"balance"`
	Seq     int64 `json:"seq"`
}

// Projector owns the balance records. Everything else reads balances
// through it.
type Projector struct {
	store kvstore.Store
}

func NewProjector(store kvstore.Store) *Projector {
	return &Projector{store: store}
}

// GetBalance returns the user's current balance. A missing record is
// rebuilt by replaying the user's transactions; the write-back is guarded
// by an absent-check so concurrent rebuilders converge on one record.
func (p *Projector) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrMissingUser
	}

	rec, _, err := p.record(ctx, userID)
	if err != nil {
		return 0, err
	}

	return rec.Balance, nil
}

// record returns the balance record and its store version, materializing it
// from the ledger when absent. Version is kvstore.VersionAbsent only for a
// user with no transactions at all.
func (p *Projector) record(ctx context.Context, userID string) (balanceRecord, int64, error) {
	entry, err := p.store.Get(ctx, balanceKey(userID))
	if err == nil {
		var rec balanceRecord

		uerr := json.Unmarshal(entry.Value, &rec)
		if uerr != nil {
			return balanceRecord{}, 0, fmt.Errorf("decode balance record: %w", uerr)
		}

		return rec, entry.Version, nil
	}

	if !errors.Is(err, kvstore.ErrNotFound) {
		return balanceRecord{}, 0, fmt.Errorf("read balance record: %w", err)
	}

	return p.rebuild(ctx, userID)
}

func (p *Projector) rebuild(ctx context.Context, userID string) (balanceRecord, int64, error) {
	entries, err := p.store.Scan(ctx, txPrefix(userID))
	if err != nil {
		return balanceRecord{}, 0, fmt.Errorf("replay transactions: %w", err)
	}

	if len(entries) == 0 {
		// First access, nothing to materialize yet.
		return balanceRecord{}, kvstore.VersionAbsent, nil
	}

	var rec balanceRecord

	for _, e := range entries {
		var tx Transaction

		err = json.Unmarshal(e.Value, &tx)
		if err != nil {
			return balanceRecord{}, 0, fmt.Errorf("decode transaction %q: %w", e.Key, err)
		}

		rec.Balance += tx.Amount
	}

	// Seq continues from the highest committed key, not the entry count,
	// so a rebuilt record never reissues an existing transaction key.
	last := entries[len(entries)-1].Key

	rec.Seq, err = seqFromKey(last)
	if err != nil {
		return balanceRecord{}, 0, fmt.Errorf("parse sequence from %q: %w", last, err)
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return balanceRecord{}, 0, fmt.Errorf("marshal balance record: %w", err)
	}

	err = p.store.AtomicWrite(ctx,
		[]kvstore.Check{{Key: balanceKey(userID), Version: kvstore.VersionAbsent}},
		[]kvstore.Set{{Key: balanceKey(userID), Value: value}},
		nil,
	)
	if err != nil && !errors.Is(err, kvstore.ErrConflict) {
		return balanceRecord{}, 0, fmt.Errorf("write balance record: %w", err)
	}

	// Re-read either way. On conflict another caller's record won; after a
	// successful write-back an append may already have landed on top of it.
	// The returned value and version must come from the same read.
	return p.record(ctx, userID)
}
