package versioned

import (
	"context"
	"strconv"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/vfs"
)

// FileControl implements vfs.VFS: the engine's side channel. The sync
// opcode is the commit trigger; overwrite arms a VACUUM; the atomic
// write opcodes frame a batch-atomic transaction; pragmas tune the
// per-file policy.
func (s *FS) FileControl(ctx context.Context, id vfs.FileID, op vfs.FcntlOp, arg any) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	db, isDB := h.(*database)
	if !isDB {
		return vfs.ErrNotFoundOp
	}

	switch op {
	case vfs.FcntlSync:
		return db.commit(ctx)

	case vfs.FcntlCommitPhaseTwo:
		return nil

	case vfs.FcntlOverwrite:
		return db.beginVacuum(ctx)

	case vfs.FcntlBeginAtomicWrite:
		db.mu.Lock()
		defer db.mu.Unlock()
		if db.aborted {
			return abortedErr(db.path)
		}
		if db.active == nil {
			return db.beginTx()
		}
		return nil

	case vfs.FcntlCommitAtomicWrite:
		return db.commit(ctx)

	case vfs.FcntlRollbackAtomicWrite:
		db.mu.Lock()
		defer db.mu.Unlock()
		db.rollback()
		return nil

	case vfs.FcntlPragma:
		pragma, ok := arg.(*vfs.Pragma)
		if !ok {
			return vfs.ErrNotFoundOp
		}
		return db.handlePragma(pragma)

	case vfs.FcntlWriteHint:
		// Versioned writers gate on the write lock at RESERVED; the
		// hint has nothing further to serialize.
		return nil

	default:
		return vfs.ErrNotFoundOp
	}
}

// handlePragma relays the pragmas the backend recognises: synchronous
// (durability), flush_interval, and page_size queries. Everything else
// falls through to the engine.
func (db *database) handlePragma(pragma *vfs.Pragma) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch pragma.Name {
	case "synchronous":
		if pragma.Value == "" {
			pragma.Result = db.durability.String()
			return nil
		}
		d, ok := ParseDurability(pragma.Value)
		if !ok {
			return vfs.NewError(vfs.CodeError, "invalid synchronous value %q", pragma.Value)
		}
		db.durability = d
		logger.Debug("durability changed", logger.KeyPath, db.path, "durability", d.String())
		return nil

	case "flush_interval":
		if pragma.Value == "" {
			pragma.Result = strconv.FormatUint(db.flushInterval, 10)
			return nil
		}
		n, err := strconv.ParseUint(pragma.Value, 10, 64)
		if err != nil || n == 0 {
			return vfs.NewError(vfs.CodeError, "invalid flush_interval value %q", pragma.Value)
		}
		db.flushInterval = n
		return nil

	case "page_size":
		if pragma.Value == "" {
			pragma.Result = strconv.Itoa(db.pageSize)
			return nil
		}
		// Only a fresh database may pick its page size.
		n, err := strconv.Atoi(pragma.Value)
		if err != nil || n <= 0 {
			return vfs.NewError(vfs.CodeError, "invalid page_size value %q", pragma.Value)
		}
		if db.pageSize == 0 {
			db.pageSize = n
		}
		return nil

	default:
		return vfs.ErrNotFoundOp
	}
}
