package versioned

import (
	"context"
	"sort"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/index"
	"github.com/marmos91/verso/pkg/peer"
	"github.com/marmos91/verso/pkg/vfs"
)

// ============================================================================
// Peer Message Processing
// ============================================================================

// receiveLoop drains the database's subscription until close.
func (db *database) receiveLoop() {
	for {
		select {
		case msg, ok := <-db.sub.C():
			if !ok {
				return
			}
			db.handleMessage(msg)
		case <-db.done:
			return
		}
	}
}

func (db *database) handleMessage(msg peer.Message) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed || db.aborted {
		return
	}

	if msg.ExclusiveRequest {
		// A peer wants the read lock exclusively (overwrite). Let go if
		// this connection is not in a transaction; the lease comes back
		// on the next transition into SHARED.
		if db.level == vfs.LockNone && db.readLease != nil && !db.readExcl {
			db.readLease.Release()
			db.readLease = nil
			logger.Debug("read lock surrendered to peer overwrite", logger.KeyPath, db.path)
		}
		return
	}

	if msg.Tx != nil {
		rec := copyTx(msg.Tx)
		db.enqueueTx(&rec)
		if db.level == vfs.LockNone {
			db.processInbox(context.Background())
		}
	}
}

// enqueueTx inserts a transaction record into the inbox, ordered by id,
// dropping duplicates and anything the view already covers.
func (db *database) enqueueTx(rec *index.Tx) {
	if rec.TxID <= db.viewTx {
		return
	}
	i := sort.Search(len(db.inbox), func(i int) bool { return db.inbox[i].TxID >= rec.TxID })
	if i < len(db.inbox) && db.inbox[i].TxID == rec.TxID {
		return
	}
	cp := copyTx(rec)
	db.inbox = append(db.inbox, nil)
	copy(db.inbox[i+1:], db.inbox[i:])
	db.inbox[i] = &cp
}

// processInbox applies buffered records in transaction-id order. A gap
// (missing predecessor) pauses processing; the missing record arrives by
// broadcast or is picked up from the durable pending log at the next
// reserved-lock escalation.
func (db *database) processInbox(ctx context.Context) {
	for len(db.inbox) > 0 {
		next := db.inbox[0]
		if next.TxID != db.viewTx+1 {
			logger.Debug("broadcast gap; waiting for predecessor",
				logger.KeyPath, db.path,
				logger.KeyViewTx, db.viewTx,
				logger.KeyTxID, next.TxID)
			return
		}
		db.inbox = db.inbox[1:]
		if err := db.applyRemote(ctx, next); err != nil {
			logger.Error("failed to apply peer transaction",
				logger.KeyPath, db.path,
				logger.KeyTxID, next.TxID,
				logger.KeyError, err.Error())
			db.aborted = true
			return
		}
	}
}

// applyRemote installs one peer-committed transaction exactly as the
// committer did: pages into the map, displaced offsets tracked for
// reclamation, view re-pinned at the new id.
func (db *database) applyRemote(ctx context.Context, rec *index.Tx) error {
	if rec.OldestTxInUse != nil && *rec.OldestTxInUse == rec.TxID {
		return db.applyRemoteOverwrite(ctx, rec)
	}

	if db.pageSize == 0 && len(rec.Pages) > 0 {
		if err := db.readPageSizeHeader(); err != nil {
			return err
		}
	}

	db.installTx(rec)
	db.pending = append(db.pending, rec)
	if err := db.advanceView(ctx, rec.TxID); err != nil {
		return err
	}
	if rec.OldestTxInUse != nil {
		db.reclaimThrough(*rec.OldestTxInUse)
	}

	logger.Debug("peer transaction applied",
		logger.KeyPath, db.path,
		logger.KeyTxID, rec.TxID,
		logger.KeyPages, len(rec.Pages))
	return nil
}

// applyRemoteOverwrite mirrors a peer's VACUUM: the page map becomes the
// identity mapping the record carries, and every slot this peer thought
// free or pending is gone with the truncated file.
func (db *database) applyRemoteOverwrite(ctx context.Context, rec *index.Tx) error {
	if db.pageSize == 0 && len(rec.Pages) > 0 {
		if err := db.readPageSizeHeader(); err != nil {
			return err
		}
	}
	db.pageMap = make(map[uint32]int64, len(rec.Pages))
	for page, ref := range rec.Pages {
		db.pageMap[page] = ref.Offset
	}
	db.fileSize = rec.FileSize
	db.free.clear()
	db.pending = nil
	if db.pageSize > 0 {
		db.maxDurablePage = pageCount(rec.FileSize, db.pageSize)
	}

	if err := db.advanceView(ctx, rec.TxID); err != nil {
		return err
	}
	logger.Debug("peer overwrite applied",
		logger.KeyPath, db.path,
		logger.KeyTxID, rec.TxID)
	return nil
}

// copyTx deep-copies a record so a broadcast shared between peers is
// never mutated concurrently.
func copyTx(rec *index.Tx) index.Tx {
	out := *rec
	if rec.Pages != nil {
		out.Pages = make(map[uint32]index.PageRef, len(rec.Pages))
		for page, ref := range rec.Pages {
			out.Pages[page] = ref
		}
	}
	out.Reclaimable = append([]int64(nil), rec.Reclaimable...)
	if rec.OldestTxInUse != nil {
		v := *rec.OldestTxInUse
		out.OldestTxInUse = &v
	}
	return out
}
