package index

import (
	"context"
	"sort"
	"sync"
)

// MemStore is the in-memory Store used by tests and transient databases.
// Mutations from an Update are staged and applied only when fn succeeds,
// matching the atomicity of the durable implementation. FailCommits can
// be set to make every subsequent Update fail after fn runs, which is how
// the mid-commit abort path is exercised.
type MemStore struct {
	mu      sync.Mutex
	pages   map[string]map[uint32]int64
	pending map[string]map[uint64]Tx

	// FailCommits makes Update return ErrCommitFailed without applying.
	FailCommits bool
}

// ErrCommitFailed is the injected commit failure of a MemStore.
var ErrCommitFailed = errInjectedCommit{}

type errInjectedCommit struct{}

func (errInjectedCommit) Error() string { return "index commit failed" }

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		pages:   make(map[string]map[uint32]int64),
		pending: make(map[string]map[uint64]Tx),
	}
}

var _ Store = (*MemStore)(nil)

// PageMap implements Store.
func (s *MemStore) PageMap(ctx context.Context, path string) (map[uint32]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint32]int64, len(s.pages[path]))
	for page, off := range s.pages[path] {
		out[page] = off
	}
	return out, nil
}

// Pending implements Store.
func (s *MemStore) Pending(ctx context.Context, path string, fromTxID uint64) ([]Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Tx
	for id, rec := range s.pending[path] {
		if id >= fromTxID {
			out = append(out, cloneTx(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out, nil
}

// Update implements Store.
func (s *MemStore) Update(ctx context.Context, durable bool, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := &memTxn{}
	if err := fn(staged); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommits {
		return ErrCommitFailed
	}
	for _, m := range staged.ops {
		m(s)
	}
	return nil
}

// Clear implements Store.
func (s *MemStore) Clear(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pages, path)
	delete(s.pending, path)
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

type memTxn struct {
	ops []func(*MemStore)
}

func (t *memTxn) SetPage(path string, page uint32, offset int64) error {
	t.ops = append(t.ops, func(s *MemStore) {
		m := s.pages[path]
		if m == nil {
			m = make(map[uint32]int64)
			s.pages[path] = m
		}
		m[page] = offset
	})
	return nil
}

func (t *memTxn) DeletePage(path string, page uint32) error {
	t.ops = append(t.ops, func(s *MemStore) {
		delete(s.pages[path], page)
	})
	return nil
}

func (t *memTxn) SetPending(path string, rec Tx) error {
	rec = cloneTx(rec)
	t.ops = append(t.ops, func(s *MemStore) {
		m := s.pending[path]
		if m == nil {
			m = make(map[uint64]Tx)
			s.pending[path] = m
		}
		m[rec.TxID] = rec
	})
	return nil
}

func (t *memTxn) DeletePending(path string, txID uint64) error {
	t.ops = append(t.ops, func(s *MemStore) {
		delete(s.pending[path], txID)
	})
	return nil
}

func cloneTx(rec Tx) Tx {
	out := rec
	if rec.Pages != nil {
		out.Pages = make(map[uint32]PageRef, len(rec.Pages))
		for page, ref := range rec.Pages {
			out.Pages[page] = ref
		}
	}
	if rec.Reclaimable != nil {
		out.Reclaimable = append([]int64(nil), rec.Reclaimable...)
	}
	if rec.OldestTxInUse != nil {
		v := *rec.OldestTxInUse
		out.OldestTxInUse = &v
	}
	return out
}
