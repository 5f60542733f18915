// Package blob abstracts the execution environment's synchronous file
// API: whole-file byte-range read/write/truncate/flush/size operations
// behind an exclusively acquired handle.
//
// Backends never touch the filesystem directly; they go through an
// Accessor obtained from a Store. Two stores are provided: one over the
// operating system's files and an in-memory one shared by name, which is
// what multi-peer tests run against.
package blob

import (
	"errors"
	"fmt"
	"sync"
)

// ErrHandleHeld is returned by Open when another handle to the same file
// is still live. Only one writable handle may exist at a time.
var ErrHandleHeld = errors.New("exclusive handle already held")

// Accessor is one exclusively held handle to a backing file. Operations
// are synchronous; Close releases the exclusivity and must be called on
// every path out of the owner, error paths included.
type Accessor interface {
	// ReadAt reads len(p) bytes from off. Returns the bytes read and
	// io.EOF semantics per io.ReaderAt.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p at off, extending the file as needed.
	WriteAt(p []byte, off int64) (int, error)

	// Truncate sets the file length.
	Truncate(size int64) error

	// Flush forces written data to durable storage.
	Flush() error

	// Size reports the current file length.
	Size() (int64, error)

	// Close releases the handle.
	Close() error
}

// OpenOptions qualifies an Open.
type OpenOptions struct {
	// Create the file when missing.
	Create bool

	// Unsafe opens in readwrite-unsafe mode: exclusivity is not
	// enforced and several handles to the same file may coexist. The
	// versioned backend runs in this mode; its peers coordinate through
	// the advisory lock service instead.
	Unsafe bool
}

// Store opens handles and answers namespace queries.
type Store interface {
	// Open acquires a handle for name. Without Unsafe the handle is
	// exclusive: Open fails with ErrHandleHeld if a live handle exists.
	// A missing file without Create yields a not-found error.
	Open(name string, opts OpenOptions) (Accessor, error)

	// Exists reports whether name exists.
	Exists(name string) (bool, error)

	// Remove deletes name. Removing a missing file is not an error.
	Remove(name string) error
}

// ============================================================================
// Handle Exclusivity
// ============================================================================

// handleTable enforces single-handle exclusivity per name within the
// process. Both stores share the mechanism.
type handleTable struct {
	mu   sync.Mutex
	open map[string]struct{}
}

func newHandleTable() *handleTable {
	return &handleTable{open: make(map[string]struct{})}
}

func (t *handleTable) acquire(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.open[name]; held {
		return fmt.Errorf("%s: %w", name, ErrHandleHeld)
	}
	t.open[name] = struct{}{}
	return nil
}

func (t *handleTable) release(name string) {
	t.mu.Lock()
	delete(t.open, name)
	t.mu.Unlock()
}
