package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreUpdateIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()

	err := s.Update(ctx, false, func(txn Txn) error {
		require.NoError(t, txn.SetPage("db", 1, 0))
		require.NoError(t, txn.SetPending("db", Tx{TxID: 1, FileSize: 4096}))
		return assert.AnError
	})
	require.Error(t, err)

	pages, err := s.PageMap(ctx, "db")
	require.NoError(t, err)
	assert.Empty(t, pages, "failed update applied nothing")

	pending, err := s.Pending(ctx, "db", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemStorePendingOrderedAndFiltered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()

	err := s.Update(ctx, false, func(txn Txn) error {
		for _, id := range []uint64{3, 1, 2} {
			if err := txn.SetPending("db", Tx{TxID: id}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	pending, err := s.Pending(ctx, "db", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(1), pending[0].TxID)
	assert.Equal(t, uint64(3), pending[2].TxID)

	pending, err = s.Pending(ctx, "db", 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(2), pending[0].TxID)
}

func TestMemStoreValuesAreCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()

	rec := Tx{TxID: 1, Pages: map[uint32]PageRef{1: {Offset: 0}}}
	require.NoError(t, s.Update(ctx, false, func(txn Txn) error {
		return txn.SetPending("db", rec)
	}))

	// Mutating the caller's record must not leak into the store.
	rec.Pages[1] = PageRef{Offset: 999}

	pending, err := s.Pending(ctx, "db", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending[0].Pages[1].Offset)
}

func TestMemStoreClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Update(ctx, false, func(txn Txn) error {
		require.NoError(t, txn.SetPage("a", 1, 0))
		require.NoError(t, txn.SetPage("b", 1, 0))
		return txn.SetPending("a", Tx{TxID: 1})
	}))

	require.NoError(t, s.Clear(ctx, "a"))

	pages, err := s.PageMap(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, pages)
	pages, err = s.PageMap(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, pages, 1, "other databases untouched")
}

func TestMemStoreInjectedCommitFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemStore()
	s.FailCommits = true

	err := s.Update(ctx, true, func(txn Txn) error {
		return txn.SetPage("db", 1, 0)
	})
	assert.ErrorIs(t, err, ErrCommitFailed)

	pages, _ := s.PageMap(ctx, "db")
	assert.Empty(t, pages)
}
