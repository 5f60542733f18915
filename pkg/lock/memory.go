package lock

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// In-Memory Lock Service
// ============================================================================

// MemoryService is the in-process Service implementation. All peers in the
// same process share one instance; leases die with their holder's
// references, which gives the automatic-release-on-context-destruction
// semantics the versioned backend assumes for view locks.
//
// Waiters are queued FIFO. A release grants the head of the queue; when
// the head is a shared waiter, the consecutive run of shared waiters
// behind it is granted too. FIFO ordering keeps writers from starving
// behind a stream of readers.
type MemoryService struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	exclusive bool
	holders   int
	waiters   []*waiter
}

type waiter struct {
	mode Mode
	ch   chan struct{}
}

// NewMemoryService returns an empty lock service.
func NewMemoryService() *MemoryService {
	return &MemoryService{locks: make(map[string]*lockState)}
}

var _ Service = (*MemoryService)(nil)

// Acquire implements Service.
func (s *MemoryService) Acquire(ctx context.Context, name string, mode Mode, opts Options) (Lease, error) {
	s.mu.Lock()
	st := s.locks[name]
	if st == nil {
		st = &lockState{}
		s.locks[name] = st
	}

	if s.grantable(st, mode) {
		s.grant(st, mode)
		s.mu.Unlock()
		return &memLease{svc: s, name: name, mode: mode}, nil
	}

	if opts.Poll {
		s.maybeDrop(name, st)
		s.mu.Unlock()
		return nil, ErrUnavailable
	}

	w := &waiter{mode: mode, ch: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	s.mu.Unlock()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-w.ch:
		return &memLease{svc: s, name: name, mode: mode}, nil
	case <-timeout:
		if s.abandon(name, w) {
			return nil, ErrUnavailable
		}
		// Granted concurrently with expiry; keep the lease.
		return &memLease{svc: s, name: name, mode: mode}, nil
	case <-ctx.Done():
		if s.abandon(name, w) {
			return nil, ctx.Err()
		}
		return &memLease{svc: s, name: name, mode: mode}, nil
	}
}

// Held implements Service.
func (s *MemoryService) Held(prefix string) []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	var grants []Grant
	for name, st := range s.locks {
		if st.holders == 0 || !strings.HasPrefix(name, prefix) {
			continue
		}
		mode := Shared
		if st.exclusive {
			mode = Exclusive
		}
		grants = append(grants, Grant{Name: name, Mode: mode, Holders: st.holders})
	}
	return grants
}

// grantable reports whether mode is compatible with the current holders.
// Caller holds s.mu.
func (s *MemoryService) grantable(st *lockState, mode Mode) bool {
	if st.holders == 0 {
		return true
	}
	return mode == Shared && !st.exclusive && len(st.waiters) == 0
}

// grant records a new holder. Caller holds s.mu.
func (s *MemoryService) grant(st *lockState, mode Mode) {
	st.holders++
	st.exclusive = mode == Exclusive
}

// abandon removes w from the wait queue. Returns false when w was already
// granted, in which case the caller owns a lease it must keep or release.
func (s *MemoryService) abandon(name string, w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.locks[name]
	if st == nil {
		return false
	}
	for i, q := range st.waiters {
		if q == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			s.maybeDrop(name, st)
			return true
		}
	}
	return false
}

// release drops one holder and wakes compatible waiters.
func (s *MemoryService) release(name string, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.locks[name]
	if st == nil || st.holders == 0 {
		return
	}
	st.holders--
	if st.holders == 0 {
		st.exclusive = false
		s.wake(st)
	}
	s.maybeDrop(name, st)
}

// wake grants the FIFO head; a shared head pulls the consecutive shared
// run behind it. Caller holds s.mu.
func (s *MemoryService) wake(st *lockState) {
	if len(st.waiters) == 0 {
		return
	}
	head := st.waiters[0]
	if head.mode == Exclusive {
		st.waiters = st.waiters[1:]
		s.grant(st, Exclusive)
		close(head.ch)
		return
	}
	n := 0
	for n < len(st.waiters) && st.waiters[n].mode == Shared {
		n++
	}
	run := st.waiters[:n]
	st.waiters = st.waiters[n:]
	for _, w := range run {
		s.grant(st, Shared)
		close(w.ch)
	}
}

// maybeDrop frees the table entry once nothing references it. Caller
// holds s.mu.
func (s *MemoryService) maybeDrop(name string, st *lockState) {
	if st.holders == 0 && len(st.waiters) == 0 {
		delete(s.locks, name)
	}
}

// ============================================================================
// Lease
// ============================================================================

type memLease struct {
	svc  *MemoryService
	name string
	mode Mode
	once sync.Once
}

func (l *memLease) Name() string { return l.name }
func (l *memLease) Mode() Mode   { return l.mode }

func (l *memLease) Release() {
	l.once.Do(func() {
		l.svc.release(l.name, l.mode)
	})
}
