package versioned

import (
	"context"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/locking"
	"github.com/marmos91/verso/pkg/vfs"
)

// ============================================================================
// Locking
// ============================================================================
//
// The versioned backend specializes the shared-readers-with-write-gate
// policy. Readers are isolated by versioning, not by locks, so the
// mapping collapses: every open database keeps the read lock shared for
// its whole lifetime (it is what a VACUUM's exclusive upgrade must wait
// for), and a writer holds the write lock exclusively from RESERVED
// until the transaction ends. The EXCLUSIVE level adds nothing on top of
// the write gate. Two duties ride on the transitions: re-entering SHARED
// re-pins a read lock surrendered to a peer's overwrite and discards
// free slots past the (possibly truncated) file end, and reaching
// RESERVED re-checks the durable pending log for transactions this
// peer's view has not absorbed yet.

// Lock implements vfs.VFS.
func (s *FS) Lock(ctx context.Context, id vfs.FileID, level vfs.LockLevel) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch f := h.(type) {
	case *plainFile:
		return f.locker.Lock(ctx, level)
	case *database:
		return f.lock(ctx, level)
	default:
		return vfs.ErrMisuse
	}
}

// Unlock implements vfs.VFS.
func (s *FS) Unlock(ctx context.Context, id vfs.FileID, level vfs.LockLevel) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch f := h.(type) {
	case *plainFile:
		return f.locker.Unlock(ctx, level)
	case *database:
		return f.unlock(ctx, level)
	default:
		return vfs.ErrMisuse
	}
}

// CheckReservedLock implements vfs.VFS.
func (s *FS) CheckReservedLock(ctx context.Context, id vfs.FileID) (bool, error) {
	h, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	switch f := h.(type) {
	case *plainFile:
		return f.locker.CheckReserved(ctx)
	case *database:
		return f.checkReserved(ctx)
	default:
		return false, vfs.ErrMisuse
	}
}

func (db *database) lock(ctx context.Context, level vfs.LockLevel) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.aborted {
		return abortedErr(db.path)
	}
	if level <= db.level {
		return nil
	}

	switch level {
	case vfs.LockShared:
		return db.lockShared(ctx)
	case vfs.LockReserved:
		if db.level != vfs.LockShared {
			return badTransition(db.level, level)
		}
		return db.lockReserved(ctx)
	case vfs.LockExclusive:
		if db.level < vfs.LockShared {
			return badTransition(db.level, level)
		}
		if db.writeLease == nil {
			// EXCLUSIVE straight from SHARED happens only after a hot
			// journal; take the gate like any writer.
			if err := db.acquireWriteLease(ctx, false); err != nil {
				return err
			}
		}
		db.level = vfs.LockExclusive
		return nil
	default:
		return badTransition(db.level, level)
	}
}

func (db *database) lockShared(ctx context.Context) error {
	// The read lease may have been surrendered to a peer's overwrite
	// request while this connection idled at NONE.
	if db.readLease == nil {
		lease, err := db.fs.locks.Acquire(ctx, locking.Name(db.path, locking.RoleRead), lock.Shared,
			lock.Options{Timeout: db.fs.opts.LockTimeout})
		if err != nil {
			return lockErr(err)
		}
		db.readLease = lease
	}

	// A peer's VACUUM may have shrunk the backing file; slots past the
	// end are gone.
	if phys, err := db.acc.Size(); err == nil {
		db.free.dropBeyond(phys)
	}

	db.level = vfs.LockShared
	return nil
}

func (db *database) lockReserved(ctx context.Context) error {
	if err := db.acquireWriteLease(ctx, true); err != nil {
		return err
	}

	// Stale-view check: transactions committed by peers that this view
	// has not absorbed force a retry, or the write would fork history.
	rows, err := db.fs.idx.Pending(ctx, db.path, db.viewTx)
	if err != nil {
		db.releaseWriteLease()
		return wrapIO(err, db.path)
	}
	if n := len(rows); n > 0 && rows[n-1].TxID > db.viewTx {
		for i := range rows {
			if rows[i].TxID > db.viewTx {
				db.queued = append(db.queued, rows[i])
			}
		}
		db.releaseWriteLease()
		logger.Debug("stale view at reserved",
			logger.KeyPath, db.path,
			logger.KeyViewTx, db.viewTx,
			logger.KeyTxID, rows[n-1].TxID)
		return vfs.ErrBusy
	}

	db.level = vfs.LockReserved
	return nil
}

func (db *database) acquireWriteLease(ctx context.Context, poll bool) error {
	if db.writeLease != nil {
		return nil
	}
	opts := lock.Options{Poll: poll}
	if !poll {
		opts.Timeout = db.fs.opts.LockTimeout
	}
	lease, err := db.fs.locks.Acquire(ctx, locking.Name(db.path, locking.RoleWrite), lock.Exclusive, opts)
	if err != nil {
		return lockErr(err)
	}
	db.writeLease = lease
	return nil
}

func (db *database) releaseWriteLease() {
	if db.writeLease != nil {
		db.writeLease.Release()
		db.writeLease = nil
	}
}

func (db *database) unlock(ctx context.Context, level vfs.LockLevel) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if level >= db.level {
		return nil
	}
	if level != vfs.LockShared && level != vfs.LockNone {
		return badTransition(db.level, level)
	}

	// A transaction abandoned without commit rolls back here.
	if level < vfs.LockReserved && db.active != nil && !db.active.overwrite {
		db.rollback()
	}
	if level < vfs.LockReserved {
		db.releaseWriteLease()
	}
	db.level = level

	// Broadcasts held back while this connection was transacting apply
	// once it is fully idle.
	if level == vfs.LockNone {
		for i := range db.queued {
			db.enqueueTx(&db.queued[i])
		}
		db.queued = nil
		db.processInbox(ctx)
	}
	return nil
}

func (db *database) checkReserved(ctx context.Context) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.writeLease != nil {
		return true, nil
	}
	lease, err := db.fs.locks.Acquire(ctx, locking.Name(db.path, locking.RoleWrite), lock.Shared,
		lock.Options{Poll: true})
	if err != nil {
		if err == lock.ErrUnavailable {
			return true, nil
		}
		return false, err
	}
	lease.Release()
	return false, nil
}

func badTransition(from, to vfs.LockLevel) error {
	return vfs.NewError(vfs.CodeMisuse, "unsupported lock transition %s -> %s", from, to)
}
