package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedHoldersCoexist(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "db\x00read", Shared, Options{})
	require.NoError(t, err)
	l2, err := s.Acquire(ctx, "db\x00read", Shared, Options{})
	require.NoError(t, err)

	grants := s.Held("db\x00read")
	require.Len(t, grants, 1)
	assert.Equal(t, 2, grants[0].Holders)
	assert.Equal(t, Shared, grants[0].Mode)

	l1.Release()
	l2.Release()
	assert.Empty(t, s.Held("db\x00"))
}

func TestExclusivePollFailsAgainstShared(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	shared, err := s.Acquire(ctx, "db\x00read", Shared, Options{})
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "db\x00read", Exclusive, Options{Poll: true})
	assert.ErrorIs(t, err, ErrUnavailable)

	shared.Release()
	excl, err := s.Acquire(ctx, "db\x00read", Exclusive, Options{Poll: true})
	require.NoError(t, err)
	excl.Release()
}

func TestBlockingAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	excl, err := s.Acquire(ctx, "db\x00write", Exclusive, Options{})
	require.NoError(t, err)

	acquired := make(chan Lease)
	go func() {
		l, err := s.Acquire(ctx, "db\x00write", Exclusive, Options{})
		if err != nil {
			close(acquired)
			return
		}
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while still held")
	case <-time.After(20 * time.Millisecond):
	}

	excl.Release()
	select {
	case l := <-acquired:
		require.NotNil(t, l)
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestTimeoutYieldsUnavailable(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	held, err := s.Acquire(ctx, "db\x00write", Exclusive, Options{})
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = s.Acquire(ctx, "db\x00write", Exclusive, Options{Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCancellationAbortsPendingRequest(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	held, err := s.Acquire(context.Background(), "db\x00write", Exclusive, Options{})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "db\x00write", Exclusive, Options{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not abort the request")
	}
}

func TestWritersNotStarvedByReaders(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	r1, err := s.Acquire(ctx, "db\x00read", Shared, Options{})
	require.NoError(t, err)

	// A writer queues; a new reader must not jump it.
	writerDone := make(chan Lease, 1)
	go func() {
		l, _ := s.Acquire(ctx, "db\x00read", Exclusive, Options{})
		writerDone <- l
	}()
	time.Sleep(10 * time.Millisecond)

	_, err = s.Acquire(ctx, "db\x00read", Shared, Options{Poll: true})
	assert.ErrorIs(t, err, ErrUnavailable, "reader must queue behind the waiting writer")

	r1.Release()
	select {
	case l := <-writerDone:
		l.Release()
	case <-time.After(time.Second):
		t.Fatal("writer never acquired")
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	l1, err := s.Acquire(ctx, "db\x00read", Shared, Options{})
	require.NoError(t, err)
	l2, err := s.Acquire(ctx, "db\x00read", Shared, Options{})
	require.NoError(t, err)

	l1.Release()
	l1.Release()

	grants := s.Held("db\x00read")
	require.Len(t, grants, 1)
	assert.Equal(t, 1, grants[0].Holders, "double release must not drop the second holder")
	l2.Release()
}

func TestHeldFiltersByPrefix(t *testing.T) {
	t.Parallel()

	s := NewMemoryService()
	ctx := context.Background()

	a, err := s.Acquire(ctx, "a.db\x00view@3", Shared, Options{})
	require.NoError(t, err)
	defer a.Release()
	b, err := s.Acquire(ctx, "b.db\x00view@7", Shared, Options{})
	require.NoError(t, err)
	defer b.Release()

	grants := s.Held("a.db\x00view@")
	require.Len(t, grants, 1)
	assert.Equal(t, "a.db\x00view@3", grants[0].Name)
}
