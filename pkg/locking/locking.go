// Package locking maps the engine's five-state file locking model
// (NONE → SHARED → RESERVED → PENDING → EXCLUSIVE and back) onto the
// advisory lock service.
//
// Two policies are provided. The exclusive policy takes one lock for the
// whole session and is the safe default for backends with no reader
// concurrency. The shared policy lets readers proceed concurrently and
// gates writers through a checkpoint lock; with the write hint enabled it
// additionally serializes intending writers before they reach the gate,
// avoiding a common deadlock between two connections upgrading at once.
//
// Backends embed a Locker and delegate Lock/Unlock/CheckReservedLock to
// it, layering their own per-transition duties on top.
package locking

import (
	"context"
	"time"

	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/vfs"
)

// Policy selects how the five-state model maps onto advisory locks.
type Policy int

const (
	// PolicyExclusive holds a single exclusive lock from the first
	// transition away from NONE until the transition back.
	PolicyExclusive Policy = iota

	// PolicyShared is the shared-readers-with-write-gate mapping.
	PolicyShared

	// PolicySharedHint is PolicyShared plus the hint lock taken up
	// front when the engine has signalled an intent to write.
	PolicySharedHint
)

// Lock-name roles within one file's namespace. The full advisory lock
// name is the file path, a NUL delimiter, then the role (see Name).
const (
	RoleRead     = "read"     // the access lock; shared by readers
	RoleWrite    = "write"    // the gate; writers hold it exclusively
	RoleReserved = "reserved" // one intending writer at a time
	RoleHint     = "hint"     // early write-intent serialization
	RoleView     = "view@"    // prefix; full role is view@<tx_id>
)

// Name builds the advisory lock name for a role on a file. The NUL
// delimiter cannot occur in a path, so names never collide across files.
func Name(path, role string) string {
	return path + "\x00" + role
}

// ViewPrefix returns the prefix matching every view lock of a file.
func ViewPrefix(path string) string {
	return Name(path, RoleView)
}

// Locker tracks one file's lock state and the advisory leases backing it.
// It is not safe for concurrent use; the owning file serializes access
// (per-file operations run on a single task).
type Locker struct {
	svc    lock.Service
	path   string
	policy Policy

	state     vfs.LockLevel
	timeout   time.Duration
	writeHint bool
	leases    map[string]lock.Lease
}

// New returns a Locker at NONE for the file at path.
func New(svc lock.Service, path string, policy Policy) *Locker {
	return &Locker{
		svc:    svc,
		path:   path,
		policy: policy,
		leases: make(map[string]lock.Lease),
	}
}

// Level returns the current lock state.
func (l *Locker) Level() vfs.LockLevel { return l.state }

// SetTimeout bounds blocking acquisitions. Zero waits forever. Polling
// acquisitions are unaffected.
func (l *Locker) SetTimeout(d time.Duration) { l.timeout = d }

// SetWriteHint records the engine's hint that the upcoming transaction
// will write. Only meaningful under PolicySharedHint; cleared on the
// transition back to NONE.
func (l *Locker) SetWriteHint(hint bool) { l.writeHint = hint }

// Holds reports whether the lease for role is currently held.
func (l *Locker) Holds(role string) bool {
	_, ok := l.leases[role]
	return ok
}

// acquire takes role in mode and stashes the lease.
func (l *Locker) acquire(ctx context.Context, role string, mode lock.Mode, opts lock.Options) error {
	ls, err := l.svc.Acquire(ctx, Name(l.path, role), mode, opts)
	if err != nil {
		if err == lock.ErrUnavailable {
			return vfs.ErrBusy
		}
		return err
	}
	l.leases[role] = ls
	return nil
}

// release drops the lease for role if held.
func (l *Locker) release(role string) {
	if ls, ok := l.leases[role]; ok {
		ls.Release()
		delete(l.leases, role)
	}
}

// blocking returns the options for a blocking acquisition under the
// configured timeout.
func (l *Locker) blocking() lock.Options {
	return lock.Options{Timeout: l.timeout}
}

var poll = lock.Options{Poll: true}

// ============================================================================
// Lock / Unlock
// ============================================================================

// Lock raises the file lock to level. Unsupported edges return MISUSE,
// unavailable locks BUSY. On BUSY the state is left at the highest level
// actually reached (PENDING when the gate was acquired but the access
// lock was not).
func (l *Locker) Lock(ctx context.Context, level vfs.LockLevel) error {
	if level <= l.state {
		return nil
	}

	if l.policy == PolicyExclusive {
		return l.lockExclusivePolicy(ctx, level)
	}

	switch {
	case l.state == vfs.LockNone && level == vfs.LockShared:
		return l.noneToShared(ctx)
	case l.state == vfs.LockShared && level == vfs.LockReserved:
		return l.sharedToReserved(ctx)
	case l.state == vfs.LockShared && level == vfs.LockExclusive:
		return l.sharedToExclusive(ctx)
	case (l.state == vfs.LockReserved || l.state == vfs.LockPending) && level == vfs.LockExclusive:
		return l.reservedToExclusive(ctx)
	default:
		return vfs.NewError(vfs.CodeMisuse, "unsupported lock transition %s -> %s", l.state, level)
	}
}

// Unlock lowers the file lock to level (SHARED or NONE).
func (l *Locker) Unlock(ctx context.Context, level vfs.LockLevel) error {
	if level >= l.state {
		return nil
	}
	if level != vfs.LockShared && level != vfs.LockNone {
		return vfs.NewError(vfs.CodeMisuse, "unsupported unlock target %s", level)
	}

	if l.policy == PolicyExclusive {
		if level == vfs.LockNone {
			l.release(RoleRead)
		}
		l.state = level
		return nil
	}

	if level == vfs.LockShared {
		return l.downToShared(ctx)
	}
	return l.downToNone()
}

// CheckReserved reports whether some connection holds the reserved lock.
// Probing is done by poll-acquiring the reserved lock shared: success
// means nobody held it exclusively.
func (l *Locker) CheckReserved(ctx context.Context) (bool, error) {
	if l.policy == PolicyExclusive {
		return false, nil
	}
	if l.Holds(RoleReserved) {
		return true, nil
	}
	ls, err := l.svc.Acquire(ctx, Name(l.path, RoleReserved), lock.Shared, poll)
	if err != nil {
		if err == lock.ErrUnavailable {
			return true, nil
		}
		return false, err
	}
	ls.Release()
	return false, nil
}

// ============================================================================
// Exclusive Policy
// ============================================================================

func (l *Locker) lockExclusivePolicy(ctx context.Context, level vfs.LockLevel) error {
	// One lock on the first transition away from NONE; everything past
	// SHARED is a state-only move.
	if l.state == vfs.LockNone {
		if err := l.acquire(ctx, RoleRead, lock.Exclusive, l.blocking()); err != nil {
			return err
		}
	}
	l.state = level
	return nil
}

// ============================================================================
// Shared Policy Transitions
// ============================================================================

func (l *Locker) noneToShared(ctx context.Context) error {
	if l.policy == PolicySharedHint && l.writeHint && !l.Holds(RoleHint) {
		if err := l.acquire(ctx, RoleHint, lock.Exclusive, l.blocking()); err != nil {
			return err
		}
	}

	// The gate is a checkpoint: writers hold it exclusively for the whole
	// upgrade, readers pass through and let go.
	if err := l.acquire(ctx, RoleWrite, lock.Shared, l.blocking()); err != nil {
		return err
	}
	if err := l.acquire(ctx, RoleRead, lock.Shared, l.blocking()); err != nil {
		l.release(RoleWrite)
		return err
	}
	l.release(RoleWrite)

	l.state = vfs.LockShared
	return nil
}

func (l *Locker) sharedToReserved(ctx context.Context) error {
	// Polling here prevents a deadlock against other shared holders that
	// are themselves trying to upgrade.
	if l.policy == PolicySharedHint && !l.Holds(RoleHint) {
		if err := l.acquire(ctx, RoleHint, lock.Exclusive, poll); err != nil {
			return err
		}
	}
	if err := l.acquire(ctx, RoleReserved, lock.Exclusive, poll); err != nil {
		return err
	}
	l.release(RoleRead)

	l.state = vfs.LockReserved
	return nil
}

// sharedToExclusive is only used after a hot-journal recovery.
func (l *Locker) sharedToExclusive(ctx context.Context) error {
	if err := l.acquire(ctx, RoleWrite, lock.Exclusive, l.blocking()); err != nil {
		return err
	}
	l.release(RoleRead)
	if err := l.acquire(ctx, RoleRead, lock.Exclusive, l.blocking()); err != nil {
		l.state = vfs.LockPending
		return err
	}

	l.state = vfs.LockExclusive
	return nil
}

func (l *Locker) reservedToExclusive(ctx context.Context) error {
	if !l.Holds(RoleWrite) {
		if err := l.acquire(ctx, RoleWrite, lock.Exclusive, l.blocking()); err != nil {
			return err
		}
	}
	if err := l.acquire(ctx, RoleRead, lock.Exclusive, l.blocking()); err != nil {
		// The gate is held: new readers are fenced out while existing
		// ones drain. The engine retries the EXCLUSIVE request.
		l.state = vfs.LockPending
		return err
	}

	l.state = vfs.LockExclusive
	return nil
}

func (l *Locker) downToShared(ctx context.Context) error {
	switch l.state {
	case vfs.LockExclusive:
		l.release(RoleRead)
		if err := l.acquire(ctx, RoleRead, lock.Shared, l.blocking()); err != nil {
			return err
		}
	case vfs.LockPending, vfs.LockReserved:
		// Rare: journal write failed before the upgrade completed.
		if !l.Holds(RoleRead) {
			if err := l.acquire(ctx, RoleRead, lock.Shared, l.blocking()); err != nil {
				return err
			}
		}
	}
	l.release(RoleWrite)
	l.release(RoleReserved)
	l.release(RoleHint)

	l.state = vfs.LockShared
	return nil
}

func (l *Locker) downToNone() error {
	l.release(RoleRead)
	l.release(RoleWrite)
	l.release(RoleReserved)
	l.release(RoleHint)
	l.writeHint = false

	l.state = vfs.LockNone
	return nil
}
