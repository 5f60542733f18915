package blob

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"mem": NewMemStore(),
		"os":  NewOSStore(t.TempDir()),
	}
}

func TestExclusiveHandle(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := store.Open("one.db", OpenOptions{Create: true})
			require.NoError(t, err)

			_, err = store.Open("one.db", OpenOptions{})
			assert.ErrorIs(t, err, ErrHandleHeld)

			require.NoError(t, a.Close())
			b, err := store.Open("one.db", OpenOptions{})
			require.NoError(t, err)
			require.NoError(t, b.Close())
		})
	}
}

func TestUnsafeHandlesShareContent(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := store.Open("shared.db", OpenOptions{Create: true, Unsafe: true})
			require.NoError(t, err)
			defer a.Close()
			b, err := store.Open("shared.db", OpenOptions{Unsafe: true})
			require.NoError(t, err)
			defer b.Close()

			_, err = a.WriteAt([]byte("hello"), 0)
			require.NoError(t, err)

			got := make([]byte, 5)
			n, err := b.ReadAt(got, 0)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, "hello", string(got))
		})
	}
}

func TestMissingFileWithoutCreate(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := store.Open("absent.db", OpenOptions{})
			assert.Error(t, err)
		})
	}
}

func TestReadAtEOFSemantics(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := store.Open("eof.db", OpenOptions{Create: true})
			require.NoError(t, err)
			defer a.Close()

			_, err = a.WriteAt([]byte{1, 2, 3}, 0)
			require.NoError(t, err)

			buf := make([]byte, 8)
			n, err := a.ReadAt(buf, 0)
			assert.Equal(t, 3, n)
			assert.ErrorIs(t, err, io.EOF)

			n, err = a.ReadAt(buf, 100)
			assert.Zero(t, n)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestTruncateAndSize(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := store.Open("t.db", OpenOptions{Create: true})
			require.NoError(t, err)
			defer a.Close()

			_, err = a.WriteAt(make([]byte, 100), 0)
			require.NoError(t, err)

			require.NoError(t, a.Truncate(40))
			size, err := a.Size()
			require.NoError(t, err)
			assert.Equal(t, int64(40), size)

			// Growing zero-fills.
			require.NoError(t, a.Truncate(60))
			buf := make([]byte, 20)
			_, err = a.ReadAt(buf, 40)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 20), buf)
		})
	}
}

func TestRemoveAndExists(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := store.Open("gone.db", OpenOptions{Create: true})
			require.NoError(t, err)
			require.NoError(t, a.Close())

			ok, err := store.Exists("gone.db")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, store.Remove("gone.db"))
			ok, err = store.Exists("gone.db")
			require.NoError(t, err)
			assert.False(t, ok)

			// Removing a missing file is not an error.
			require.NoError(t, store.Remove("gone.db"))
		})
	}
}
