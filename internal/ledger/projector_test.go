package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastprodman/cyberclock/internal/fanout"
	"github.com/fastprodman/cyberclock/internal/kvstore"
	"github.com/fastprodman/cyberclock/internal/kvstore/memory"
)

func TestGetBalance_FirstAccessIsZero(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewProjector(store)

	bal, err := p.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestGetBalance_MissingUser(t *testing.T) {
	t.Parallel()

	p := NewProjector(memory.New())

	_, err := p.GetBalance(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingUser)
}

// A lost balance record is rebuilt by replaying the ledger, and the rebuilt
// record keeps the sequence counter, so later appends never reuse a key.
func TestGetBalance_RebuildsLostProjection(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewProjector(store)
	l := New(store, p, fanout.NewBus())

	_, err := l.Append(context.Background(), AppendRequest{UserID: "u1", Kind: KindPurchase, Amount: 300})
	require.NoError(t, err)

	_, err = l.Append(context.Background(), AppendRequest{UserID: "u1", Kind: KindUsage, Amount: -120})
	require.NoError(t, err)

	// Drop the cache; the ledger is the source of truth.
	require.NoError(t, store.AtomicWrite(context.Background(), nil, nil, []string{balanceKey("u1")}))

	bal, err := p.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(180), bal)

	// The rebuild materialized the record again.
	entry, err := store.Get(context.Background(), balanceKey("u1"))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.Value)

	// Appending after the rebuild continues the sequence.
	tx, err := l.Append(context.Background(), AppendRequest{UserID: "u1", Kind: KindUsage, Amount: -80})
	require.NoError(t, err)
	assert.Equal(t, int64(100), tx.RunningBalance)

	txs, err := l.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

// interceptStore runs a hook once, after an atomic write whose checks
// assert the watched key absent. It opens the window between a rebuild's
// write-back and its re-read.
type interceptStore struct {
	kvstore.Store

	watchKey string
	hook     func()
}

func (s *interceptStore) AtomicWrite(ctx context.Context, checks []kvstore.Check, sets []kvstore.Set, deletes []string) error {
	err := s.Store.AtomicWrite(ctx, checks, sets, deletes)
	if err != nil || s.hook == nil {
		return err
	}

	for _, c := range checks {
		if c.Key == s.watchKey && c.Version == kvstore.VersionAbsent {
			hook := s.hook
			s.hook = nil
			hook()

			break
		}
	}

	return err
}

// An append landing between the rebuild's write-back and its re-read must
// not be lost: the rebuilt value and the version handed to the caller have
// to describe the same state, or the caller's next append overwrites the
// interleaved transaction.
func TestGetBalance_RebuildInterleavedAppend(t *testing.T) {
	t.Parallel()

	inner := memory.New()
	direct := New(inner, NewProjector(inner), fanout.NewBus())

	_, err := direct.Append(context.Background(), AppendRequest{UserID: "u1", Kind: KindPurchase, Amount: 100})
	require.NoError(t, err)

	_, err = direct.Append(context.Background(), AppendRequest{UserID: "u1", Kind: KindUsage, Amount: -30})
	require.NoError(t, err)

	require.NoError(t, inner.AtomicWrite(context.Background(), nil, nil, []string{balanceKey("u1")}))

	wrapped := &interceptStore{
		Store:    inner,
		watchKey: balanceKey("u1"),
		hook: func() {
			_, herr := direct.Append(context.Background(), AppendRequest{
				UserID: "u1", Kind: KindPurchase, Amount: 500,
			})
			require.NoError(t, herr)
		},
	}

	l := New(wrapped, NewProjector(wrapped), fanout.NewBus())

	_, err = l.Append(context.Background(), AppendRequest{UserID: "u1", Kind: KindPurchase, Amount: 7})
	require.NoError(t, err)

	txs, err := l.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 4, "interleaved transaction must survive")

	bal, err := l.projector.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(577), bal)

	// Running balances replay cleanly in ledger order.
	var replayed int64

	for i := len(txs) - 1; i >= 0; i-- {
		replayed += txs[i].Amount
		assert.Equal(t, replayed, txs[i].RunningBalance)
	}
}

// Concurrent rebuilders converge on one record; losers discard their local
// computation and re-read.
func TestGetBalance_ConcurrentRebuild(t *testing.T) {
	t.Parallel()

	store := memory.New()
	p := NewProjector(store)
	l := New(store, p, fanout.NewBus())

	for _, amount := range []int64{500, -200, 50} {
		kind := KindPurchase
		if amount < 0 {
			kind = KindUsage
		}

		_, err := l.Append(context.Background(), AppendRequest{UserID: "u1", Kind: kind, Amount: amount})
		require.NoError(t, err)
	}

	require.NoError(t, store.AtomicWrite(context.Background(), nil, nil, []string{balanceKey("u1")}))

	const readers = 8

	var wg sync.WaitGroup

	results := make([]int64, readers)
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = p.GetBalance(context.Background(), "u1")
		}(i)
	}

	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(350), results[i])
	}
}
