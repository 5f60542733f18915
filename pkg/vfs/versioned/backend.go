// Package versioned is the log-structured versioned storage backend.
//
// The database is stored as fixed-size pages at permuted offsets within
// one backing file. Every commit publishes an atomic multi-page
// transaction to the auxiliary index and broadcasts it to peers; each
// peer pins the transaction id its reads observe with a named view lock,
// so readers keep arbitrarily old snapshots while writers continue
// freely. Superseded page slots return to a free set once no peer's view
// can still reach them.
//
// Recovery from an incomplete commit needs nothing but the durable
// auxiliary index and the pending log: on open, pending transactions are
// replayed in order and validated by checksum, and the log is truncated
// at the first mismatch.
package versioned

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/blob"
	"github.com/marmos91/verso/pkg/index"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/locking"
	"github.com/marmos91/verso/pkg/peer"
	"github.com/marmos91/verso/pkg/vfs"
)

// FS is the versioned backend. One FS is one peer: several FS instances
// sharing a blob store, lock service, bus and index behave as
// independent clients of the same databases.
type FS struct {
	vfs.Base

	store   blob.Store
	locks   lock.Service
	bus     *peer.Bus
	idx     index.Store
	opts    Options
	metrics Metrics
	peerID  string

	mu    sync.Mutex
	files map[vfs.FileID]handle
}

// handle is either a *database (main db) or a *plainFile (journals,
// temp files).
type handle interface{ isHandle() }

// database is one open main database file.
type database struct {
	mu sync.Mutex

	fs    *FS
	path  string
	flags vfs.OpenFlag
	acc   blob.Accessor

	pageSize int
	fileSize int64

	pageMap map[uint32]int64
	free    freeSet
	pending []*index.Tx
	viewTx  uint64
	active  *activeTx

	// maxDurablePage bounds the pages-class sweep when a finalize
	// shrinks the database.
	maxDurablePage uint64

	// Advisory lock state: the five-state level plus the persistent
	// shared read lease every open database holds.
	level         vfs.LockLevel
	readLease     lock.Lease
	readExcl      bool // read lease currently held exclusive (VACUUM)
	writeLease    lock.Lease
	viewLease     lock.Lease
	overwriteNext bool // next write transaction rewrites identity-style

	// Peer machinery.
	sub    *peer.Subscription
	inbox  []*index.Tx // out-of-order transaction records, by tx id
	queued []index.Tx  // stale-view rows found at RESERVED, applied on unlock
	done   chan struct{}

	// Per-file policy, pragma-overridable.
	durability    Durability
	flushInterval uint64

	aborted bool
	closed  bool
}

func (*database) isHandle() {}

// plainFile is a non-main file: direct handle I/O, exclusive-policy
// locking only if the engine ever asks (journals do not).
type plainFile struct {
	path          string
	acc           blob.Accessor
	locker        *locking.Locker
	deleteOnClose bool
}

func (*plainFile) isHandle() {}

// New returns a versioned backend named name, acting as one peer.
func New(name string, store blob.Store, locks lock.Service, bus *peer.Bus, idx index.Store, metrics Metrics, opts Options) *FS {
	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = 4096
	}
	return &FS{
		Base:    vfs.Base{VFSName: name},
		store:   store,
		locks:   locks,
		bus:     bus,
		idx:     idx,
		opts:    opts,
		metrics: metrics,
		peerID:  uuid.NewString(),
		files:   make(map[vfs.FileID]handle),
	}
}

var _ vfs.VFS = (*FS)(nil)

// HasAsyncMethod implements vfs.VFS: every operation that can reach the
// backing file, the lock service or the index may suspend.
func (s *FS) HasAsyncMethod(method string) bool {
	switch method {
	case "open", "close", "read", "write", "truncate", "sync", "fileSize",
		"lock", "unlock", "checkReservedLock", "fileControl", "access", "delete":
		return true
	default:
		return false
	}
}

func (s *FS) lookup(id vfs.FileID) (handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.files[id]
	if !ok {
		return nil, vfs.NewError(vfs.CodeMisuse, "unknown file id %d", id)
	}
	return h, nil
}

func (s *FS) lookupDB(id vfs.FileID) (*database, error) {
	h, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	db, ok := h.(*database)
	if !ok {
		return nil, vfs.NewError(vfs.CodeMisuse, "file id %d is not a main database", id)
	}
	return db, nil
}

// ============================================================================
// Open
// ============================================================================

// Open implements vfs.VFS. Main database files get the full versioned
// machinery; everything else maps straight onto a handle.
func (s *FS) Open(ctx context.Context, name string, id vfs.FileID, flags vfs.OpenFlag) (vfs.OpenFlag, error) {
	path, _ := vfs.SplitName(name)
	if path == "" {
		path = fmt.Sprintf("transient-%s", uuid.NewString())
		flags |= vfs.OpenDeleteOnClose | vfs.OpenCreate
	}

	if flags&vfs.OpenMainDB == 0 {
		acc, err := s.store.Open(path, blob.OpenOptions{Create: flags&vfs.OpenCreate != 0})
		if err != nil {
			return 0, &vfs.Error{Code: vfs.CodeCantOpen, Message: err.Error(), Path: path}
		}
		s.mu.Lock()
		s.files[id] = &plainFile{
			path:          path,
			acc:           acc,
			locker:        locking.New(s.locks, path, locking.PolicyExclusive),
			deleteOnClose: flags&vfs.OpenDeleteOnClose != 0,
		}
		s.mu.Unlock()
		return flags, nil
	}

	db, err := s.openDatabase(ctx, path, flags)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.files[id] = db
	s.mu.Unlock()
	return flags, nil
}

// openDatabase opens the backing file and recovers the in-memory state
// from the auxiliary index.
func (s *FS) openDatabase(ctx context.Context, path string, flags vfs.OpenFlag) (db *database, err error) {
	// The write lock fences racing initializers: only one peer at a
	// time rebuilds state and truncates a torn pending log.
	writeLease, err := s.locks.Acquire(ctx, locking.Name(path, locking.RoleWrite), lock.Exclusive,
		lock.Options{Timeout: s.opts.LockTimeout})
	if err != nil {
		return nil, lockErr(err)
	}
	defer writeLease.Release()

	acc, err := s.store.Open(path, blob.OpenOptions{Create: flags&vfs.OpenCreate != 0, Unsafe: true})
	if err != nil {
		return nil, &vfs.Error{Code: vfs.CodeCantOpen, Message: err.Error(), Path: path}
	}
	defer func() {
		if err != nil {
			acc.Close()
		}
	}()

	db = &database{
		fs:            s,
		path:          path,
		flags:         flags,
		acc:           acc,
		pageMap:       make(map[uint32]int64),
		done:          make(chan struct{}),
		durability:    s.opts.Durability,
		flushInterval: s.opts.FlushInterval,
	}

	if err = db.recover(ctx); err != nil {
		return nil, err
	}

	// Pin the recovered view before letting go of the write lock, then
	// attach to the peer channel and take the persistent read lease.
	db.viewLease, err = s.locks.Acquire(ctx, viewLockName(path, db.viewTx), lock.Shared, lock.Options{})
	if err != nil {
		return nil, lockErr(err)
	}
	db.readLease, err = s.locks.Acquire(ctx, locking.Name(path, locking.RoleRead), lock.Shared,
		lock.Options{Timeout: s.opts.LockTimeout})
	if err != nil {
		db.viewLease.Release()
		return nil, lockErr(err)
	}
	db.sub = s.bus.Subscribe(path, s.peerID)
	go db.receiveLoop()

	logger.Info("database opened",
		logger.KeyPath, path,
		logger.KeyViewTx, db.viewTx,
		logger.KeyPages, len(db.pageMap),
		logger.KeyPageSize, db.pageSize)
	return db, nil
}

// recover rebuilds page map, free set and pending log from the index,
// verifying pending pages by checksum and truncating the log at the
// first mismatch.
func (db *database) recover(ctx context.Context) error {
	pages, err := db.fs.idx.PageMap(ctx, db.path)
	if err != nil {
		return wrapIO(err, db.path)
	}
	db.pageMap = pages
	for page := range pages {
		if uint64(page) > db.maxDurablePage {
			db.maxDurablePage = uint64(page)
		}
	}

	if err := db.readPageSizeHeader(); err != nil {
		return err
	}
	if db.pageSize > 0 {
		db.fileSize = int64(len(db.pageMap)) * int64(db.pageSize)
	}

	physSize, err := db.acc.Size()
	if err != nil {
		return wrapIO(err, db.path)
	}
	db.rebuildFreeSet(physSize)

	pending, err := db.fs.idx.Pending(ctx, db.path, 0)
	if err != nil {
		return wrapIO(err, db.path)
	}

	var valid []index.Tx
	truncated := false
	for i := range pending {
		rec := pending[i]
		if truncated || !db.verifyTx(&rec) {
			if !truncated {
				logger.Warn("pending log truncated at checksum mismatch",
					logger.KeyPath, db.path, logger.KeyTxID, rec.TxID)
				truncated = true
			}
			continue
		}
		valid = append(valid, rec)
	}

	if truncated {
		// Drop the torn suffix durably so a later open does not retry it.
		cut := uint64(0)
		if n := len(valid); n > 0 {
			cut = valid[n-1].TxID
		}
		err := db.fs.idx.Update(ctx, false, func(txn index.Txn) error {
			for i := range pending {
				if pending[i].TxID > cut {
					if err := txn.DeletePending(db.path, pending[i].TxID); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return wrapIO(err, db.path)
		}
	}

	for i := range valid {
		rec := valid[i]
		db.installTx(&rec)
		db.pending = append(db.pending, &rec)
		db.viewTx = rec.TxID
	}
	return nil
}

// verifyTx re-reads every page the record references and checks both
// checksum words.
func (db *database) verifyTx(rec *index.Tx) bool {
	if db.pageSize == 0 && len(rec.Pages) > 0 {
		// Page size unknown means the committed header never made it;
		// nothing referenced by this record can be validated.
		return false
	}
	buf := make([]byte, db.pageSize)
	for _, ref := range rec.Pages {
		n, err := db.acc.ReadAt(buf, ref.Offset)
		if err != nil && n < len(buf) {
			return false
		}
		if !VerifyChecksum(buf, ref.Checksum) {
			return false
		}
	}
	return true
}

// installTx moves the record's pages into the page map, collecting the
// offsets it displaces into rec.Reclaimable and claiming its new offsets
// from the free set.
func (db *database) installTx(rec *index.Tx) {
	for page, ref := range rec.Pages {
		if old, ok := db.pageMap[page]; ok && old != ref.Offset {
			rec.Reclaimable = append(rec.Reclaimable, old)
		}
		db.pageMap[page] = ref.Offset
		db.free.remove(ref.Offset)
	}
	db.fileSize = rec.FileSize
	// Pages truncated away by this transaction give up their slots.
	if db.pageSize > 0 {
		limit := pageCount(rec.FileSize, db.pageSize)
		for page, off := range db.pageMap {
			if uint64(page) > limit {
				rec.Reclaimable = append(rec.Reclaimable, off)
				delete(db.pageMap, page)
			}
		}
	}
}

// rebuildFreeSet scans aligned offsets below physSize not referenced by
// the page map.
func (db *database) rebuildFreeSet(physSize int64) {
	db.free.clear()
	if db.pageSize == 0 {
		return
	}
	used := make(map[int64]struct{}, len(db.pageMap))
	for _, off := range db.pageMap {
		used[off] = struct{}{}
	}
	for off := int64(0); off+int64(db.pageSize) <= physSize; off += int64(db.pageSize) {
		if _, ok := used[off]; !ok {
			db.free.add(off)
		}
	}
}

// readPageSizeHeader learns the page size from the two big-endian bytes
// at file offset 16; the value 1 decodes as 65536.
func (db *database) readPageSizeHeader() error {
	var hdr [2]byte
	n, err := db.acc.ReadAt(hdr[:], 16)
	if n < 2 {
		return nil // fresh or tiny file; size learned from first write
	}
	if err != nil {
		return wrapIO(err, db.path)
	}
	db.setPageSize(decodePageSize(hdr))
	return nil
}

func decodePageSize(hdr [2]byte) int {
	v := int(hdr[0])<<8 | int(hdr[1])
	if v == 1 {
		return 65536
	}
	return v
}

func (db *database) setPageSize(size int) {
	if size > 0 && db.pageSize == 0 {
		db.pageSize = size
	}
}

func pageCount(fileSize int64, pageSize int) uint64 {
	if pageSize <= 0 {
		return 0
	}
	return uint64((fileSize + int64(pageSize) - 1) / int64(pageSize))
}

// ============================================================================
// Close / Namespace
// ============================================================================

// Close implements vfs.VFS. Every lease and the handle are released even
// on error paths.
func (s *FS) Close(ctx context.Context, id vfs.FileID) error {
	s.mu.Lock()
	h, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()
	if !ok {
		return vfs.NewError(vfs.CodeMisuse, "unknown file id %d", id)
	}

	switch f := h.(type) {
	case *plainFile:
		err := f.acc.Close()
		if f.deleteOnClose {
			if rmErr := s.store.Remove(f.path); rmErr != nil && err == nil {
				err = rmErr
			}
		}
		if err != nil {
			return &vfs.Error{Code: vfs.CodeIOErrClose, Message: err.Error(), Path: f.path}
		}
		return nil
	case *database:
		return f.close()
	default:
		return vfs.ErrMisuse
	}
}

func (db *database) close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.sub.Close()
	close(db.done)

	if db.writeLease != nil {
		db.writeLease.Release()
		db.writeLease = nil
	}
	if db.readLease != nil {
		db.readLease.Release()
		db.readLease = nil
	}
	if db.viewLease != nil {
		db.viewLease.Release()
		db.viewLease = nil
	}
	err := db.acc.Close()
	db.mu.Unlock()

	if err != nil {
		return &vfs.Error{Code: vfs.CodeIOErrClose, Message: err.Error(), Path: db.path}
	}
	logger.Info("database closed", logger.KeyPath, db.path, logger.KeyViewTx, db.viewTx)
	return nil
}

// Access implements vfs.VFS.
func (s *FS) Access(ctx context.Context, name string, flag vfs.AccessFlag) (bool, error) {
	path, _ := vfs.SplitName(name)
	exists, err := s.store.Exists(path)
	if err != nil {
		return false, &vfs.Error{Code: vfs.CodeIOErrAccess, Message: err.Error(), Path: path}
	}
	return exists, nil
}

// Delete implements vfs.VFS. Deleting a database also clears its index
// rows.
func (s *FS) Delete(ctx context.Context, name string, syncDir bool) error {
	path, _ := vfs.SplitName(name)
	if err := s.store.Remove(path); err != nil {
		return &vfs.Error{Code: vfs.CodeIOErrDelete, Message: err.Error(), Path: path}
	}
	if err := s.idx.Clear(ctx, path); err != nil {
		return wrapIO(err, path)
	}
	return nil
}

// SectorSize implements vfs.VFS.
func (s *FS) SectorSize(id vfs.FileID) int {
	if h, err := s.lookup(id); err == nil {
		if db, ok := h.(*database); ok {
			db.mu.Lock()
			defer db.mu.Unlock()
			if db.pageSize > 0 {
				return db.pageSize
			}
		}
	}
	return s.opts.SectorSize
}

// DeviceCharacteristics implements vfs.VFS: commits are multi-page
// atomic, and open databases must not be deleted underneath their peers.
func (s *FS) DeviceCharacteristics(id vfs.FileID) vfs.DeviceCharacteristic {
	return vfs.IOCapBatchAtomic | vfs.IOCapUndeletableWhenOpen
}

// ============================================================================
// Helpers
// ============================================================================

// viewLockName encodes a peer's pinned transaction id into a lock name.
func viewLockName(path string, txID uint64) string {
	return locking.Name(path, locking.RoleView+strconv.FormatUint(txID, 10))
}

// parseViewLock extracts the transaction id from a held view lock name.
func parseViewLock(name, path string) (uint64, bool) {
	prefix := locking.ViewPrefix(path)
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(name[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func lockErr(err error) error {
	if err == lock.ErrUnavailable {
		return vfs.ErrBusy
	}
	return err
}

func wrapIO(err error, path string) error {
	return &vfs.Error{Code: vfs.CodeIOErr, Message: err.Error(), Path: path}
}
