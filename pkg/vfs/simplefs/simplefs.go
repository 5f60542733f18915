// Package simplefs is the baseline VFS: every engine operation maps
// directly onto a single exclusively held handle per file. No
// versioning, no peer coordination — just the five-state locking
// protocol over the advisory lock service and whole-file byte I/O.
//
// It exists both as the fallback backend for journals and temp files
// and as the reference the versioned backend is measured against.
package simplefs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/blob"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/locking"
	"github.com/marmos91/verso/pkg/vfs"
)

// Options configures a FS.
type Options struct {
	// Policy is the locking policy for database files. Journals and
	// temp files never lock.
	Policy locking.Policy

	// LockTimeout bounds blocking lock acquisitions. Zero waits
	// forever.
	LockTimeout time.Duration

	// Relaxed skips flushing on Sync.
	Relaxed bool
}

// FS is the baseline backend.
type FS struct {
	vfs.Base

	store blob.Store
	locks lock.Service
	opts  Options

	mu    sync.Mutex
	files map[vfs.FileID]*file
}

type file struct {
	path          string
	flags         vfs.OpenFlag
	acc           blob.Accessor
	locker        *locking.Locker
	readOnly      bool
	immutable     bool
	nolock        bool
	deleteOnClose bool
}

// New returns a baseline VFS named name.
func New(name string, store blob.Store, locks lock.Service, opts Options) *FS {
	return &FS{
		Base:  vfs.Base{VFSName: name},
		store: store,
		locks: locks,
		opts:  opts,
		files: make(map[vfs.FileID]*file),
	}
}

var _ vfs.VFS = (*FS)(nil)

// HasAsyncMethod classifies the operations that may suspend: everything
// touching the handle or the lock service.
func (s *FS) HasAsyncMethod(method string) bool {
	switch method {
	case "open", "close", "read", "write", "truncate", "sync", "fileSize",
		"lock", "unlock", "checkReservedLock", "access", "delete":
		return true
	default:
		return false
	}
}

func (s *FS) lookup(id vfs.FileID) (*file, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, vfs.NewError(vfs.CodeMisuse, "unknown file id %d", id)
	}
	return f, nil
}

// Open implements vfs.VFS.
func (s *FS) Open(ctx context.Context, name string, id vfs.FileID, flags vfs.OpenFlag) (vfs.OpenFlag, error) {
	path, params := vfs.SplitName(name)
	if path == "" {
		// Anonymous transient file; always deleted on close.
		path = fmt.Sprintf("transient-%s", uuid.NewString())
		flags |= vfs.OpenDeleteOnClose | vfs.OpenCreate
	}

	immutable := vfs.ParamBool(params, "immutable")
	nolock := vfs.ParamBool(params, "nolock") || immutable

	create := flags&vfs.OpenCreate != 0 && !immutable
	acc, err := s.store.Open(path, blob.OpenOptions{Create: create})
	if err != nil {
		return 0, &vfs.Error{Code: vfs.CodeCantOpen, Message: err.Error(), Path: path}
	}

	f := &file{
		path:          path,
		flags:         flags,
		acc:           acc,
		readOnly:      flags&vfs.OpenReadOnly != 0 || nolock,
		immutable:     immutable,
		nolock:        nolock,
		deleteOnClose: flags&vfs.OpenDeleteOnClose != 0,
	}
	if !nolock {
		f.locker = locking.New(s.locks, path, s.opts.Policy)
		f.locker.SetTimeout(s.opts.LockTimeout)
	}

	s.mu.Lock()
	s.files[id] = f
	s.mu.Unlock()

	out := flags
	if f.readOnly {
		out = (out &^ vfs.OpenReadWrite) | vfs.OpenReadOnly
	}
	logger.Debug("file opened", logger.KeyPath, path, logger.KeyFile, uint32(id))
	return out, nil
}

// Close implements vfs.VFS. The handle is released even when lock
// teardown fails.
func (s *FS) Close(ctx context.Context, id vfs.FileID) error {
	s.mu.Lock()
	f, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()
	if !ok {
		return vfs.NewError(vfs.CodeMisuse, "unknown file id %d", id)
	}

	if f.locker != nil {
		if err := f.locker.Unlock(ctx, vfs.LockNone); err != nil {
			logger.Warn("lock teardown failed on close",
				logger.KeyPath, f.path, logger.KeyError, err.Error())
		}
	}
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
}

// Read implements vfs.VFS. A read past EOF zero-fills the tail and
// reports SHORT_READ.
func (s *FS) Read(ctx context.Context, id vfs.FileID, p []byte, off int64) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}

	n, rerr := f.acc.ReadAt(p, off)
	if rerr != nil && rerr != io.EOF {
		return &vfs.Error{Code: vfs.CodeIOErrRead, Message: rerr.Error(), Path: f.path}
	}
	if n < len(p) {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return vfs.ErrShortRead
	}
	return nil
}

// Write implements vfs.VFS.
func (s *FS) Write(ctx context.Context, id vfs.FileID, p []byte, off int64) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}
	if f.readOnly {
		return vfs.ErrReadOnly
	}
	if _, werr := f.acc.WriteAt(p, off); werr != nil {
		return &vfs.Error{Code: vfs.CodeIOErrWrite, Message: werr.Error(), Path: f.path}
	}
	return nil
}

// Truncate implements vfs.VFS.
func (s *FS) Truncate(ctx context.Context, id vfs.FileID, size int64) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}
	if f.readOnly {
		return vfs.ErrReadOnly
	}
	if terr := f.acc.Truncate(size); terr != nil {
		return &vfs.Error{Code: vfs.CodeIOErrTruncate, Message: terr.Error(), Path: f.path}
	}
	return nil
}

// Sync implements vfs.VFS.
func (s *FS) Sync(ctx context.Context, id vfs.FileID, flags vfs.SyncFlag) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}
	if s.opts.Relaxed {
		return nil
	}
	if ferr := f.acc.Flush(); ferr != nil {
		return &vfs.Error{Code: vfs.CodeIOErrFsync, Message: ferr.Error(), Path: f.path}
	}
	return nil
}

// FileSize implements vfs.VFS.
func (s *FS) FileSize(ctx context.Context, id vfs.FileID) (int64, error) {
	f, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	size, serr := f.acc.Size()
	if serr != nil {
		return 0, &vfs.Error{Code: vfs.CodeIOErrFstat, Message: serr.Error(), Path: f.path}
	}
	return size, nil
}

// Lock implements vfs.VFS.
func (s *FS) Lock(ctx context.Context, id vfs.FileID, level vfs.LockLevel) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}
	if f.nolock {
		return nil
	}
	return f.locker.Lock(ctx, level)
}

// Unlock implements vfs.VFS.
func (s *FS) Unlock(ctx context.Context, id vfs.FileID, level vfs.LockLevel) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}
	if f.nolock {
		return nil
	}
	return f.locker.Unlock(ctx, level)
}

// CheckReservedLock implements vfs.VFS.
func (s *FS) CheckReservedLock(ctx context.Context, id vfs.FileID) (bool, error) {
	f, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if f.nolock {
		return false, nil
	}
	return f.locker.CheckReserved(ctx)
}

// FileControl implements vfs.VFS.
func (s *FS) FileControl(ctx context.Context, id vfs.FileID, op vfs.FcntlOp, arg any) error {
	f, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch op {
	case vfs.FcntlWriteHint:
		if f.locker != nil {
			hint, _ := arg.(bool)
			f.locker.SetWriteHint(hint)
		}
		return nil
	default:
		return vfs.ErrNotFoundOp
	}
}

// DeviceCharacteristics implements vfs.VFS.
func (s *FS) DeviceCharacteristics(id vfs.FileID) vfs.DeviceCharacteristic {
	f, err := s.lookup(id)
	if err != nil {
		return 0
	}
	var caps vfs.DeviceCharacteristic
	if f.immutable {
		caps |= vfs.IOCapImmutable
	}
	return caps
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

// Delete implements vfs.VFS.
func (s *FS) Delete(ctx context.Context, name string, syncDir bool) error {
	path, _ := vfs.SplitName(name)
	if err := s.store.Remove(path); err != nil {
		return &vfs.Error{Code: vfs.CodeIOErrDelete, Message: err.Error(), Path: path}
	}
	return nil
}
