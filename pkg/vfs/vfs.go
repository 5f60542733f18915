package vfs

import (
	"context"
	"sync"
)

// FileID identifies one open file within a VFS. The engine allocates the
// id and passes it on every subsequent operation; backends keep an arena
// keyed by id rather than handing out object references.
type FileID uint32

// VFS is the full operation set a backend may implement. Embed Base to get
// no-op defaults for everything and override selectively.
//
// Blocking operations take a context: lock acquisition, backing-file I/O
// and index commits are the defined suspension points. Methods never
// panic across this boundary; failures are returned as *Error (or wrapped)
// and the dispatch facade flattens them into engine result codes.
type VFS interface {
	// Name is the registry name of this VFS.
	Name() string

	// Open opens or creates the named file and registers it under id.
	// An empty name means a randomly named transient file. The returned
	// flags are the effective open flags reported back to the engine.
	Open(ctx context.Context, name string, id FileID, flags OpenFlag) (OpenFlag, error)

	// Close releases the file. Delete-on-close files are removed.
	Close(ctx context.Context, id FileID) error

	// Read fills p from offset off. At EOF the tail of p is zero-filled
	// and ErrShortRead is returned.
	Read(ctx context.Context, id FileID, p []byte, off int64) error

	// Write stores p at offset off, extending the file as needed.
	Write(ctx context.Context, id FileID, p []byte, off int64) error

	// Truncate sets the file size.
	Truncate(ctx context.Context, id FileID, size int64) error

	// Sync flushes the file to durable storage, honoring relaxed modes.
	Sync(ctx context.Context, id FileID, flags SyncFlag) error

	// FileSize reports the current virtual size of the file.
	FileSize(ctx context.Context, id FileID) (int64, error)

	// Lock raises the file lock to level; Unlock lowers it.
	Lock(ctx context.Context, id FileID, level LockLevel) error
	Unlock(ctx context.Context, id FileID, level LockLevel) error

	// CheckReservedLock reports whether any connection holds a reserved
	// or higher lock on the file.
	CheckReservedLock(ctx context.Context, id FileID) (bool, error)

	// FileControl is the extensible side channel for engine hints.
	FileControl(ctx context.Context, id FileID, op FcntlOp, arg any) error

	// SectorSize and DeviceCharacteristics describe the backing device.
	SectorSize(id FileID) int
	DeviceCharacteristics(id FileID) DeviceCharacteristic

	// Access, Delete and FullPathname are file-namespace queries.
	Access(ctx context.Context, name string, flag AccessFlag) (bool, error)
	Delete(ctx context.Context, name string, syncDir bool) error
	FullPathname(name string) (string, error)

	// LastError returns the most recent failure message, for the
	// engine's get_last_error.
	LastError() string

	// HasAsyncMethod reports whether the named method may suspend. The
	// dispatch facade asks once at registration time and routes calls
	// through the synchronous or suspending trampoline accordingly.
	HasAsyncMethod(method string) bool
}

// ============================================================================
// Base
// ============================================================================

// Base supplies no-op defaults for the full VFS surface. Every concrete
// backend embeds it and overrides the operations it supports, so adding a
// method to VFS does not break existing backends.
type Base struct {
	VFSName string

	mu      sync.Mutex
	lastErr string
}

func (b *Base) Name() string { return b.VFSName }

// SetLastError records msg for LastError. Safe for concurrent use.
func (b *Base) SetLastError(msg string) {
	b.mu.Lock()
	b.lastErr = msg
	b.mu.Unlock()
}

func (b *Base) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Base) Open(context.Context, string, FileID, OpenFlag) (OpenFlag, error) {
	return 0, ErrCantOpen
}

func (b *Base) Close(context.Context, FileID) error { return nil }

func (b *Base) Read(ctx context.Context, id FileID, p []byte, off int64) error {
	for i := range p {
		p[i] = 0
	}
	return ErrShortRead
}

func (b *Base) Write(context.Context, FileID, []byte, int64) error { return ErrIO }

func (b *Base) Truncate(context.Context, FileID, int64) error { return ErrIO }

func (b *Base) Sync(context.Context, FileID, SyncFlag) error { return nil }

func (b *Base) FileSize(context.Context, FileID) (int64, error) { return 0, nil }

func (b *Base) Lock(context.Context, FileID, LockLevel) error { return nil }

func (b *Base) Unlock(context.Context, FileID, LockLevel) error { return nil }

func (b *Base) CheckReservedLock(context.Context, FileID) (bool, error) { return false, nil }

func (b *Base) FileControl(context.Context, FileID, FcntlOp, any) error {
	return ErrNotFoundOp
}

func (b *Base) SectorSize(FileID) int { return DefaultSectorSize }

func (b *Base) DeviceCharacteristics(FileID) DeviceCharacteristic { return 0 }

func (b *Base) Access(context.Context, string, AccessFlag) (bool, error) { return false, nil }

func (b *Base) Delete(context.Context, string, bool) error { return nil }

func (b *Base) FullPathname(name string) (string, error) { return name, nil }

func (b *Base) HasAsyncMethod(string) bool { return false }

// ErrNotFoundOp is returned by FileControl for unrecognized opcodes; the
// engine treats NOTFOUND from file_control as "opcode not handled".
var ErrNotFoundOp = &Error{Code: CodeNotFound, Message: "file control opcode not handled"}

// ============================================================================
// Registry
// ============================================================================

// registry is the process-wide name → VFS table, mirroring the engine's
// vfs_register/vfs_find surface. Explicit init and teardown; no package
// state leaks between tests that use their own Registry.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]VFS
	def    string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]VFS)}
}

// Register adds v under its name. When makeDefault is set (or the registry
// is empty) v becomes the default VFS.
func (r *Registry) Register(v VFS, makeDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[v.Name()] = v
	if makeDefault || r.def == "" {
		r.def = v.Name()
	}
}

// Unregister removes the named VFS. Removing the default clears it.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	if r.def == name {
		r.def = ""
	}
}

// Find returns the named VFS, or the default when name is empty.
func (r *Registry) Find(name string) (VFS, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	v, ok := r.byName[name]
	return v, ok
}

// DefaultRegistry is the process-wide registry. The dispatch facade is
// handed its backend directly and does not consult it.
var DefaultRegistry = NewRegistry()
