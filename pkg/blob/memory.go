package blob

import (
	"fmt"
	"io"
	"sync"
)

// MemStore keeps named byte buffers in memory. Buffers are shared by
// name, so several peers opening the same name in unsafe mode observe
// each other's writes — the same topology the OS store gives separate
// processes. Used throughout the test suites.
type MemStore struct {
	mu      sync.Mutex
	files   map[string]*memBuffer
	handles *handleTable
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		files:   make(map[string]*memBuffer),
		handles: newHandleTable(),
	}
}

var _ Store = (*MemStore)(nil)

type memBuffer struct {
	mu   sync.RWMutex
	data []byte
}

// Open implements Store.
func (s *MemStore) Open(name string, opts OpenOptions) (Accessor, error) {
	s.mu.Lock()
	buf, ok := s.files[name]
	if !ok {
		if !opts.Create {
			s.mu.Unlock()
			return nil, fmt.Errorf("open %s: no such file", name)
		}
		buf = &memBuffer{}
		s.files[name] = buf
	}
	s.mu.Unlock()

	if !opts.Unsafe {
		if err := s.handles.acquire(name); err != nil {
			return nil, err
		}
	}
	return &memAccessor{buf: buf, name: name, store: s, tracked: !opts.Unsafe}, nil
}

// Exists implements Store.
func (s *MemStore) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok, nil
}

// Remove implements Store.
func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	delete(s.files, name)
	s.mu.Unlock()
	return nil
}

type memAccessor struct {
	buf     *memBuffer
	name    string
	store   *MemStore
	tracked bool
	once    sync.Once
}

func (a *memAccessor) ReadAt(p []byte, off int64) (int, error) {
	a.buf.mu.RLock()
	defer a.buf.mu.RUnlock()

	if off >= int64(len(a.buf.data)) {
		return 0, io.EOF
	}
	n := copy(p, a.buf.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (a *memAccessor) WriteAt(p []byte, off int64) (int, error) {
	a.buf.mu.Lock()
	defer a.buf.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(a.buf.data)) {
		grown := make([]byte, end)
		copy(grown, a.buf.data)
		a.buf.data = grown
	}
	copy(a.buf.data[off:end], p)
	return len(p), nil
}

func (a *memAccessor) Truncate(size int64) error {
	a.buf.mu.Lock()
	defer a.buf.mu.Unlock()

	switch {
	case size < int64(len(a.buf.data)):
		a.buf.data = a.buf.data[:size]
	case size > int64(len(a.buf.data)):
		grown := make([]byte, size)
		copy(grown, a.buf.data)
		a.buf.data = grown
	}
	return nil
}

func (a *memAccessor) Flush() error { return nil }

func (a *memAccessor) Size() (int64, error) {
	a.buf.mu.RLock()
	defer a.buf.mu.RUnlock()
	return int64(len(a.buf.data)), nil
}

func (a *memAccessor) Close() error {
	a.once.Do(func() {
		if a.tracked {
			a.store.handles.release(a.name)
		}
	})
	return nil
}
