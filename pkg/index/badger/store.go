// Package badger implements the auxiliary index on BadgerDB.
//
// This is the production Store: an embedded, crash-safe key-value store
// living in a small directory next to the databases it indexes. The
// in-memory implementation in pkg/index mirrors its semantics for tests.
package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/index"
)

// Store is the BadgerDB-backed auxiliary index.
type Store struct {
	db *badgerdb.DB
}

// Options configures Open.
type Options struct {
	// Dir is the index directory. Created if missing.
	Dir string

	// InMemory runs badger without files; only used by tests that need
	// the real transaction semantics without a directory.
	InMemory bool
}

// Open opens (or creates) the index at opts.Dir.
//
// Writes are not synced per-update by default; durable updates call
// Sync explicitly, which is how the normal/relaxed durability policies
// avoid paying fsync on every commit.
func Open(opts Options) (*Store, error) {
	bopts := badgerdb.DefaultOptions(opts.Dir).
		WithLogger(nil).
		WithSyncWrites(false)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index at %q: %w", opts.Dir, err)
	}
	logger.Debug("auxiliary index opened", logger.KeyPath, opts.Dir)
	return &Store{db: db}, nil
}

var _ index.Store = (*Store)(nil)

// PageMap implements index.Store.
func (s *Store) PageMap(ctx context.Context, path string) (map[uint32]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages := make(map[uint32]int64)
	prefix := keyPagePrefix(path)

	err := s.db.View(func(txn *badgerdb.Txn) error {
		iopts := badgerdb.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			page, err := pageFromKey(item.Key(), prefix)
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				off, err := decodeOffset(val)
				if err != nil {
					return err
				}
				pages[page] = off
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read page map for %q: %w", path, err)
	}
	return pages, nil
}

// Pending implements index.Store.
func (s *Store) Pending(ctx context.Context, path string, fromTxID uint64) ([]index.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []index.Tx
	prefix := keyPendingPrefix(path)

	err := s.db.View(func(txn *badgerdb.Txn) error {
		iopts := badgerdb.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		// Big-endian tx ids keep the iteration in commit order.
		for it.Seek(keyPending(path, fromTxID)); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeTx(val)
				if err != nil {
					return err
				}
				out = append(out, *rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending log for %q: %w", path, err)
	}
	return out, nil
}

// Update implements index.Store.
func (s *Store) Update(ctx context.Context, durable bool, fn func(txn index.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return fn(&storeTxn{txn: txn})
	})
	if err != nil {
		return err
	}
	if durable {
		if err := s.db.Sync(); err != nil {
			return fmt.Errorf("failed to sync index: %w", err)
		}
	}
	return nil
}

// Clear implements index.Store.
func (s *Store) Clear(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		for _, prefix := range [][]byte{keyPagePrefix(path), keyPendingPrefix(path)} {
			iopts := badgerdb.DefaultIteratorOptions
			iopts.Prefix = prefix
			iopts.PrefetchValues = false
			it := txn.NewIterator(iopts)

			var keys [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Close implements index.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Transaction
// ============================================================================

type storeTxn struct {
	txn *badgerdb.Txn
}

func (t *storeTxn) SetPage(path string, page uint32, offset int64) error {
	return t.txn.Set(keyPage(path, page), encodeOffset(offset))
}

func (t *storeTxn) DeletePage(path string, page uint32) error {
	err := t.txn.Delete(keyPage(path, page))
	if err == badgerdb.ErrKeyNotFound {
		return nil
	}
	return err
}

func (t *storeTxn) SetPending(path string, rec index.Tx) error {
	data, err := encodeTx(&rec)
	if err != nil {
		return err
	}
	return t.txn.Set(keyPending(path, rec.TxID), data)
}

func (t *storeTxn) DeletePending(path string, txID uint64) error {
	err := t.txn.Delete(keyPending(path, txID))
	if err == badgerdb.ErrKeyNotFound {
		return nil
	}
	return err
}
