package versioned

import (
	"context"
	"io"
	"time"

	"github.com/marmos91/verso/pkg/index"
	"github.com/marmos91/verso/pkg/vfs"
)

// ============================================================================
// Read
// ============================================================================

// Read implements vfs.VFS.
func (s *FS) Read(ctx context.Context, id vfs.FileID, p []byte, off int64) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch f := h.(type) {
	case *plainFile:
		return readPlain(f, p, off)
	case *database:
		start := time.Now()
		err := f.read(p, off)
		if s.metrics != nil {
			s.metrics.ObserveRead(len(p), time.Since(start))
		}
		return err
	default:
		return vfs.ErrMisuse
	}
}

func readPlain(f *plainFile, p []byte, off int64) error {
	n, err := f.acc.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return &vfs.Error{Code: vfs.CodeIOErrRead, Message: err.Error(), Path: f.path}
	}
	if n < len(p) {
		zero(p[n:])
		return vfs.ErrShortRead
	}
	return nil
}

// read serves a main-database read from the page version the current
// view (or the in-flight write transaction) selects.
func (db *database) read(p []byte, off int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.aborted {
		return abortedErr(db.path)
	}

	// Page index is 1-based; until the page size is known every read is
	// within page one.
	pageIdx := uint32(1)
	delta := off
	if db.pageSize > 0 {
		pageIdx = uint32(off/int64(db.pageSize)) + 1
		delta = off % int64(db.pageSize)
	}

	base, found := db.resolvePage(pageIdx)
	n := 0
	if found {
		limit := len(p)
		if db.pageSize > 0 {
			if rem := int(int64(db.pageSize) - delta); rem < limit {
				limit = rem
			}
		}
		var err error
		n, err = db.acc.ReadAt(p[:limit], base+delta)
		if err != nil && err != io.EOF {
			return &vfs.Error{Code: vfs.CodeIOErrRead, Message: err.Error(), Path: db.path}
		}
	}

	// The two big-endian bytes at absolute offset 16 carry the page
	// size; learn it the first time they pass through a read.
	if db.pageSize == 0 && off <= 16 && off+int64(n) >= 18 {
		db.setPageSize(decodePageSize([2]byte{p[16-off], p[17-off]}))
	}

	if n < len(p) {
		zero(p[n:])
		return vfs.ErrShortRead
	}
	return nil
}

// resolvePage picks the physical offset the caller should read: a page
// written by the active transaction wins over the committed map.
func (db *database) resolvePage(pageIdx uint32) (int64, bool) {
	if db.active != nil {
		if ref, ok := db.active.rec.Pages[pageIdx]; ok {
			return ref.Offset, true
		}
	}
	off, ok := db.pageMap[pageIdx]
	return off, ok
}

// ============================================================================
// Write
// ============================================================================

// Write implements vfs.VFS.
func (s *FS) Write(ctx context.Context, id vfs.FileID, p []byte, off int64) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch f := h.(type) {
	case *plainFile:
		if _, werr := f.acc.WriteAt(p, off); werr != nil {
			return &vfs.Error{Code: vfs.CodeIOErrWrite, Message: werr.Error(), Path: f.path}
		}
		return nil
	case *database:
		start := time.Now()
		err := f.write(p, off)
		if s.metrics != nil {
			s.metrics.ObserveWrite(len(p), time.Since(start))
		}
		return err
	default:
		return vfs.ErrMisuse
	}
}

// write places one page of the active transaction at a permuted offset.
func (db *database) write(p []byte, off int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.aborted {
		return abortedErr(db.path)
	}
	if db.flags&vfs.OpenReadOnly != 0 {
		return vfs.ErrReadOnly
	}

	// The engine's first write to a fresh database is one full page.
	if db.pageSize == 0 {
		db.setPageSize(len(p))
	}
	pageIdx := uint32(off/int64(db.pageSize)) + 1

	if db.active == nil {
		if err := db.beginTx(); err != nil {
			return err
		}
	}
	a := db.active

	target, err := db.chooseOffset(a, pageIdx)
	if err != nil {
		return err
	}
	if _, werr := db.acc.WriteAt(p, target); werr != nil {
		return &vfs.Error{Code: vfs.CodeIOErrWrite, Message: werr.Error(), Path: db.path}
	}

	a.rec.Pages[pageIdx] = index.PageRef{Offset: target, Checksum: Checksum(p)}
	if want := int64(pageIdx) * int64(db.pageSize); a.rec.FileSize < want {
		a.rec.FileSize = want
	}
	return nil
}

// chooseOffset implements the placement order: same-transaction
// overwrite in place, offset zero for page one, lowest reusable free
// slot below the remembered physical size, then append.
func (db *database) chooseOffset(a *activeTx, pageIdx uint32) (int64, error) {
	ps := int64(db.pageSize)

	if a.overwrite {
		return int64(pageIdx-1) * ps, nil
	}
	if ref, ok := a.rec.Pages[pageIdx]; ok {
		return ref.Offset, nil
	}
	if pageIdx == 1 && db.free.contains(0) {
		db.free.remove(0)
		return 0, nil
	}
	if off := db.free.takeBelow(1, a.physSize); off >= 0 {
		return off, nil
	}
	off := a.physSize
	if off == 0 && pageIdx != 1 {
		// Offset zero always holds page one or stays free.
		db.free.add(0)
		off = ps
	}
	a.physSize = off + ps
	return off, nil
}

// beginTx opens the write transaction for the next transaction id.
func (db *database) beginTx() error {
	phys, err := db.acc.Size()
	if err != nil {
		return wrapIO(err, db.path)
	}
	db.active = &activeTx{
		rec: index.Tx{
			TxID:     db.viewTx + 1,
			Pages:    make(map[uint32]index.PageRef),
			FileSize: db.fileSize,
		},
		physSize:  phys,
		overwrite: db.overwriteNext,
	}
	db.overwriteNext = false
	return nil
}

// rollback discards the active transaction, returning the offsets it
// claimed to the free set.
func (db *database) rollback() {
	a := db.active
	if a == nil {
		return
	}
	for page, ref := range a.rec.Pages {
		if cur, ok := db.pageMap[page]; !ok || cur != ref.Offset {
			db.free.add(ref.Offset)
		}
	}
	db.active = nil
}

// ============================================================================
// Truncate / FileSize / Sync
// ============================================================================

// Truncate implements vfs.VFS.
func (s *FS) Truncate(ctx context.Context, id vfs.FileID, size int64) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch f := h.(type) {
	case *plainFile:
		if terr := f.acc.Truncate(size); terr != nil {
			return &vfs.Error{Code: vfs.CodeIOErrTruncate, Message: terr.Error(), Path: f.path}
		}
		return nil
	case *database:
		return f.truncate(size)
	default:
		return vfs.ErrMisuse
	}
}

// truncate shrinks the virtual file within the active transaction. The
// backing file itself only shrinks on a VACUUM commit.
func (db *database) truncate(size int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.aborted {
		return abortedErr(db.path)
	}

	if db.active == nil {
		if err := db.beginTx(); err != nil {
			return err
		}
	}
	a := db.active
	a.rec.FileSize = size

	if !a.overwrite && db.pageSize > 0 {
		for page, ref := range a.rec.Pages {
			if int64(page)*int64(db.pageSize) > size {
				delete(a.rec.Pages, page)
				db.free.add(ref.Offset)
			}
		}
	}
	return nil
}

// FileSize implements vfs.VFS.
func (s *FS) FileSize(ctx context.Context, id vfs.FileID) (int64, error) {
	h, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	switch f := h.(type) {
	case *plainFile:
		size, serr := f.acc.Size()
		if serr != nil {
			return 0, &vfs.Error{Code: vfs.CodeIOErrFstat, Message: serr.Error(), Path: f.path}
		}
		return size, nil
	case *database:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.active != nil {
			return f.active.rec.FileSize, nil
		}
		return f.fileSize, nil
	default:
		return 0, vfs.ErrMisuse
	}
}

// Sync implements vfs.VFS. For a main database a sync is a commit: the
// engine's journal-free path signals transaction boundaries this way.
func (s *FS) Sync(ctx context.Context, id vfs.FileID, flags vfs.SyncFlag) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch f := h.(type) {
	case *plainFile:
		if ferr := f.acc.Flush(); ferr != nil {
			return &vfs.Error{Code: vfs.CodeIOErrFsync, Message: ferr.Error(), Path: f.path}
		}
		return nil
	case *database:
		return f.commit(ctx)
	default:
		return vfs.ErrMisuse
	}
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

func abortedErr(path string) error {
	return &vfs.Error{Code: vfs.CodeIOErr, Message: "file aborted by failed commit; reopen to recover", Path: path}
}
