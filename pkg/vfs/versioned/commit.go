package versioned

import (
	"context"
	"time"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/index"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/locking"
	"github.com/marmos91/verso/pkg/peer"
)

// commit publishes the active transaction: one atomic auxiliary-index
// update, a peer broadcast, then local installation under a fresh view
// lock. A failed index commit latches the file aborted; only a reopen
// recovers it.
func (db *database) commit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.commitLocked(ctx)
}

// commitLocked is the commit body; the caller holds db.mu.
func (db *database) commitLocked(ctx context.Context) error {
	if db.aborted {
		return abortedErr(db.path)
	}
	a := db.active
	if a == nil {
		return nil
	}
	start := time.Now()
	rec := a.rec
	isVacuum := a.overwrite

	// Finalization folds the pending prefix into the durable page map.
	finalize := isVacuum ||
		db.durability == DurabilityFull ||
		rec.TxID%db.flushInterval == 0

	// oldest_tx_in_use is sampled at the start of commit. Holding the
	// new view lock before releasing the previous one (below) is what
	// keeps a peer from advancing between sampling and installation.
	var oldest uint64
	if finalize {
		oldest = db.oldestTxInUse(rec.TxID, isVacuum)
		rec.OldestTxInUse = &oldest
	}

	if finalize {
		if err := db.acc.Flush(); err != nil {
			db.aborted = true
			return wrapIO(err, db.path)
		}
	}

	durable := db.durability == DurabilityFull || isVacuum
	stored := rec
	stored.Reclaimable = nil // reclaims are derived state, never persisted ahead of install
	err := db.fs.idx.Update(ctx, durable, func(txn index.Txn) error {
		if isVacuum {
			return db.writeVacuumIndex(txn, &stored)
		}
		if finalize {
			if err := db.writeFinalizeIndex(txn, oldest); err != nil {
				return err
			}
		}
		return txn.SetPending(db.path, stored)
	})
	if err != nil {
		db.aborted = true
		logger.Error("index commit failed; file aborted",
			logger.KeyPath, db.path,
			logger.KeyTxID, rec.TxID,
			logger.KeyError, err.Error())
		return wrapIO(err, db.path)
	}

	// The index commit is durable (or at least ordered); peers may now
	// hear about the transaction.
	db.fs.bus.Publish(db.path, peer.Message{From: db.fs.peerID, Tx: &stored})

	// Install locally under the new view pin.
	applied := rec
	db.installTx(&applied)
	if !isVacuum {
		db.pending = append(db.pending, &applied)
	}
	if finalize {
		db.reclaimThrough(oldest)
	}
	if isVacuum {
		db.pending = nil
		db.free.clear()
	}

	if err := db.advanceView(ctx, rec.TxID); err != nil {
		db.aborted = true
		return err
	}
	db.active = nil

	if db.fs.metrics != nil {
		db.fs.metrics.ObserveCommit(len(rec.Pages), finalize, time.Since(start))
	}
	logger.Debug("transaction committed",
		logger.KeyPath, db.path,
		logger.KeyTxID, rec.TxID,
		logger.KeyPages, len(rec.Pages),
		"finalized", finalize)

	if isVacuum {
		return db.finishVacuum(ctx, rec.TxID, rec.FileSize)
	}
	return nil
}

// oldestTxInUse scans every held view lock for this database and returns
// the lowest pinned transaction id. A VACUUM commit absorbs everything
// up to itself; its peers are fenced out by the exclusive read lock and
// re-pin before they can read again.
func (db *database) oldestTxInUse(currentTxID uint64, isVacuum bool) uint64 {
	if isVacuum {
		return currentTxID
	}
	oldest := currentTxID - 1
	for _, grant := range db.fs.locks.Held(locking.ViewPrefix(db.path)) {
		if id, ok := parseViewLock(grant.Name, db.path); ok && id < oldest {
			oldest = id
		}
	}
	return oldest
}

// writeFinalizeIndex copies every pending transaction with id <= oldest
// into the pages class and deletes it from the pending class.
func (db *database) writeFinalizeIndex(txn index.Txn, oldest uint64) error {
	var limit uint64
	finalized := false
	for _, p := range db.pending {
		if p.TxID > oldest {
			break
		}
		for page, ref := range p.Pages {
			if err := txn.SetPage(db.path, page, ref.Offset); err != nil {
				return err
			}
		}
		limit = pageCount(p.FileSize, db.pageSize)
		finalized = true
		if err := txn.DeletePending(db.path, p.TxID); err != nil {
			return err
		}
	}
	if finalized {
		return db.sweepDurablePages(txn, limit)
	}
	return nil
}

// writeVacuumIndex repopulates the pages class identity-style from the
// overwrite transaction and clears the whole pending class.
func (db *database) writeVacuumIndex(txn index.Txn, rec *index.Tx) error {
	for _, p := range db.pending {
		if err := txn.DeletePending(db.path, p.TxID); err != nil {
			return err
		}
	}
	for page, ref := range rec.Pages {
		if err := txn.SetPage(db.path, page, ref.Offset); err != nil {
			return err
		}
	}
	return db.sweepDurablePages(txn, pageCount(rec.FileSize, db.pageSize))
}

// sweepDurablePages deletes pages-class rows past the new page count.
// maxDurablePage bounds the sweep so it stays proportional to what was
// ever written.
func (db *database) sweepDurablePages(txn index.Txn, limit uint64) error {
	for page := limit + 1; page <= db.maxDurablePage; page++ {
		if err := txn.DeletePage(db.path, uint32(page)); err != nil {
			return err
		}
	}
	db.maxDurablePage = limit
	return nil
}

// reclaimThrough moves the reclaimable offsets of every pending
// transaction with id <= oldest into the free set and drops those
// entries from the in-memory pending log.
func (db *database) reclaimThrough(oldest uint64) {
	kept := db.pending[:0]
	reclaimed := 0
	for _, p := range db.pending {
		if p.TxID <= oldest {
			for _, off := range p.Reclaimable {
				db.free.add(off)
				reclaimed++
			}
			continue
		}
		kept = append(kept, p)
	}
	db.pending = kept
	if reclaimed > 0 && db.fs.metrics != nil {
		db.fs.metrics.AddReclaimed(reclaimed)
	}
}

// advanceView pins txID with a fresh shared view lock before releasing
// the previous pin, so the set of held view locks never exposes a gap.
func (db *database) advanceView(ctx context.Context, txID uint64) error {
	newLease, err := db.fs.locks.Acquire(ctx, viewLockName(db.path, txID), lock.Shared, lock.Options{})
	if err != nil {
		return lockErr(err)
	}
	if db.viewLease != nil {
		db.viewLease.Release()
	}
	db.viewLease = newLease
	db.viewTx = txID
	return nil
}
