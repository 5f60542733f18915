package versioned

import (
	"context"
	"io"
	"time"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/index"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/locking"
	"github.com/marmos91/verso/pkg/peer"
	"github.com/marmos91/verso/pkg/vfs"
)

// beginVacuum handles the engine's overwrite opcode: evacuate every live
// page above the final file size, then arm the next write transaction to
// rewrite the database identity-style.
func (db *database) beginVacuum(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.aborted {
		return abortedErr(db.path)
	}
	if db.active != nil {
		return vfs.NewError(vfs.CodeMisuse, "overwrite requested with a write transaction in flight")
	}

	if err := db.upgradeReadLock(ctx); err != nil {
		return err
	}

	if err := db.copyUp(ctx); err != nil {
		return err
	}

	// Everything the rewrite produces goes to its identity offset.
	db.overwriteNext = true
	return nil
}

// upgradeReadLock turns the persistent shared read lease exclusive. A
// poll is tried first; when peers hold the lock shared they are asked to
// let go, then the acquisition blocks until they do.
func (db *database) upgradeReadLock(ctx context.Context) error {
	if db.readExcl {
		return nil
	}
	if db.readLease != nil {
		db.readLease.Release()
		db.readLease = nil
	}

	name := locking.Name(db.path, locking.RoleRead)
	lease, err := db.fs.locks.Acquire(ctx, name, lock.Exclusive, lock.Options{Poll: true})
	if err == lock.ErrUnavailable {
		db.fs.bus.Publish(db.path, peer.Message{From: db.fs.peerID, ExclusiveRequest: true})
		lease, err = db.fs.locks.Acquire(ctx, name, lock.Exclusive, lock.Options{})
	}
	if err != nil {
		return lockErr(err)
	}
	db.readLease = lease
	db.readExcl = true
	logger.Debug("read lock upgraded for overwrite", logger.KeyPath, db.path)
	return nil
}

// copyUp publishes the intermediate transaction: every page whose offset
// lies below the final file size is copied to a slot at or above it, so
// the identity region can be rewritten without destroying any version a
// straggling view might still need.
func (db *database) copyUp(ctx context.Context) error {
	phys, err := db.acc.Size()
	if err != nil {
		return wrapIO(err, db.path)
	}

	inter := &activeTx{
		rec: index.Tx{
			TxID:     db.viewTx + 1,
			Pages:    make(map[uint32]index.PageRef),
			FileSize: db.fileSize,
		},
		physSize: phys,
	}

	buf := make([]byte, db.pageSize)
	for page, off := range db.pageMap {
		if off >= db.fileSize {
			continue
		}
		target := db.free.takeAtLeast(db.fileSize)
		if target < 0 {
			target = inter.physSize
			inter.physSize += int64(db.pageSize)
		}
		n, rerr := db.acc.ReadAt(buf, off)
		if rerr != nil && rerr != io.EOF {
			return &vfs.Error{Code: vfs.CodeIOErrRead, Message: rerr.Error(), Path: db.path}
		}
		zero(buf[n:])
		if _, werr := db.acc.WriteAt(buf, target); werr != nil {
			return &vfs.Error{Code: vfs.CodeIOErrWrite, Message: werr.Error(), Path: db.path}
		}
		inter.rec.Pages[page] = index.PageRef{Offset: target, Checksum: Checksum(buf)}
	}

	if err := db.acc.Flush(); err != nil {
		return wrapIO(err, db.path)
	}

	db.active = inter
	return db.commitLocked(ctx)
}

// finishVacuum runs after the overwrite transaction's index commit: the
// backing file shrinks to the final size, every peer is waited out to
// the new view, and only then does the read lock drop back to shared so
// peers can read again.
func (db *database) finishVacuum(ctx context.Context, txID uint64, fileSize int64) error {
	if err := db.acc.Truncate(fileSize); err != nil {
		db.aborted = true
		return wrapIO(err, db.path)
	}
	if err := db.acc.Flush(); err != nil {
		db.aborted = true
		return wrapIO(err, db.path)
	}

	if err := db.waitForPeerViews(ctx, txID); err != nil {
		return err
	}

	db.readLease.Release()
	lease, err := db.fs.locks.Acquire(ctx, locking.Name(db.path, locking.RoleRead), lock.Shared, lock.Options{})
	if err != nil {
		db.readLease = nil
		db.readExcl = false
		return lockErr(err)
	}
	db.readLease = lease
	db.readExcl = false

	logger.Info("overwrite complete",
		logger.KeyPath, db.path,
		logger.KeyTxID, txID,
		logger.KeySize, fileSize)
	return nil
}

// waitForPeerViews blocks until no held view lock pins a transaction
// older than txID. Peers cannot read while the exclusive read lock is
// held, so a stale pin only means its broadcast is still in flight.
func (db *database) waitForPeerViews(ctx context.Context, txID uint64) error {
	for {
		stale := false
		for _, grant := range db.fs.locks.Held(locking.ViewPrefix(db.path)) {
			if id, ok := parseViewLock(grant.Name, db.path); ok && id < txID {
				stale = true
				break
			}
		}
		if !stale {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}
