// Package lock provides the advisory cooperative lock service the VFS
// locking layer is built on.
//
// Locks are named resources held in shared or exclusive mode. Holding a
// lock conveys no enforcement; peers coordinate by convention, which is
// all the engine's five-state protocol needs. Lock names are namespaced
// by file path at the call site (see pkg/locking), so one service can
// serve every file in the process.
package lock

import (
	"context"
	"errors"
	"time"
)

// Mode is the mode a lock is held in.
type Mode int

const (
	// Shared allows any number of concurrent shared holders.
	Shared Mode = iota

	// Exclusive excludes all other holders, shared or exclusive.
	Exclusive
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Options controls how an acquisition behaves when the lock is
// unavailable.
type Options struct {
	// Poll fails immediately with ErrUnavailable instead of waiting.
	// Polling acquisitions ignore Timeout.
	Poll bool

	// Timeout bounds a blocking acquisition. Zero means wait forever
	// (subject to context cancellation). Expiry yields ErrUnavailable.
	Timeout time.Duration
}

// ErrUnavailable is returned when a poll acquisition finds the lock held
// incompatibly, or a blocking acquisition times out. The locking layer
// maps it to the engine's BUSY.
var ErrUnavailable = errors.New("lock unavailable")

// Lease is a held lock. Release returns the lock to the service; releasing
// twice is a no-op.
type Lease interface {
	Name() string
	Mode() Mode
	Release()
}

// Grant describes one currently held lock, as reported by Held.
type Grant struct {
	Name    string
	Mode    Mode
	Holders int
}

// Service is the advisory lock service shared by all peers attached to
// the same databases. Implementations must be safe for concurrent use
// from multiple goroutines and multiple peers.
type Service interface {
	// Acquire obtains name in mode, waiting per opts. The returned Lease
	// must eventually be released. Cancellation of ctx aborts a pending
	// request with ctx.Err().
	Acquire(ctx context.Context, name string, mode Mode, opts Options) (Lease, error)

	// Held snapshots the currently held locks whose names start with
	// prefix. Used to derive the oldest pinned view across peers.
	Held(prefix string) []Grant
}
