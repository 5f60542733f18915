package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/verso/pkg/vfs"
)

// ============================================================================
// 64-bit Recombination
// ============================================================================

func TestJoinInt64(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), JoinInt64(0, 0))
	assert.Equal(t, int64(1), JoinInt64(1, 0))
	assert.Equal(t, int64(1)<<32, JoinInt64(0, 1))
	assert.Equal(t, int64(0x123456789A), JoinInt64(0x3456789A, 0x12))

	// Offsets past 2^31 arrive split and must recombine unsigned.
	big := int64(3) << 30
	lo, hi := SplitInt64(big)
	assert.Equal(t, big, JoinInt64(lo, hi))
}

// ============================================================================
// Memory Views
// ============================================================================

func TestByteViewSurvivesRelocation(t *testing.T) {
	t.Parallel()

	region := NewRegion(64)
	view, err := NewByteView(region, 8, 4)
	require.NoError(t, err)

	copy(view.Bytes(), []byte{1, 2, 3, 4})

	// Growth relocates the backing memory; the view must reacquire.
	region.Grow(1024)
	assert.Equal(t, []byte{1, 2, 3, 4}, view.Bytes(), "content preserved across relocation")

	view.Bytes()[0] = 9
	fresh, err := NewByteView(region, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, byte(9), fresh.Bytes()[0], "view writes land in the live region")
}

func TestByteViewBoundsChecked(t *testing.T) {
	t.Parallel()

	region := NewRegion(16)
	_, err := NewByteView(region, 12, 8)
	assert.Error(t, err)
}

func TestDataViewRejectsBigEndian(t *testing.T) {
	t.Parallel()

	region := NewRegion(16)
	view, err := NewDataView(region, 0)
	require.NoError(t, err)

	require.NoError(t, view.SetInt64(0x0102030405060708, LittleEndian))
	got, err := view.Int64(LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, int64(0x0102030405060708), got)

	_, err = view.Int64(BigEndian)
	assert.ErrorIs(t, err, ErrBigEndian)
	err = view.SetInt32(1, BigEndian)
	assert.ErrorIs(t, err, ErrBigEndian)
}

// ============================================================================
// URI Decoding
// ============================================================================

func TestDecodeOpenName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"plain path", []byte("/db/main.db\x00\x00"), "/db/main.db"},
		{"one parameter", []byte("/db/main.db\x00immutable\x001\x00\x00"), "/db/main.db?immutable=1"},
		{
			"two parameters",
			[]byte("/db/main.db\x00immutable\x001\x00nolock\x001\x00\x00"),
			"/db/main.db?immutable=1&nolock=1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeOpenName(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeOpenName([]byte("no terminator"))
	assert.Error(t, err)
	_, err = DecodeOpenName([]byte("/p\x00key\x00"))
	assert.Error(t, err, "key without value")
}

// ============================================================================
// Facade
// ============================================================================

// stubVFS records calls and lets tests script failures.
type stubVFS struct {
	vfs.Base

	openedName string
	readErr    error
	panicOn    string
}

func (s *stubVFS) HasAsyncMethod(method string) bool {
	return method == "read" || method == "write"
}

func (s *stubVFS) Open(ctx context.Context, name string, id vfs.FileID, flags vfs.OpenFlag) (vfs.OpenFlag, error) {
	s.openedName = name
	return flags, nil
}

func (s *stubVFS) Read(ctx context.Context, id vfs.FileID, p []byte, off int64) error {
	if s.panicOn == "read" {
		panic("backend exploded")
	}
	return s.readErr
}

func TestFacadeAsyncClassificationAtRegistration(t *testing.T) {
	t.Parallel()

	backend := &stubVFS{Base: vfs.Base{VFSName: "stub"}}
	f := New(backend, NewRegion(64))

	assert.True(t, f.IsAsync("read"))
	assert.True(t, f.IsAsync("write"))
	assert.False(t, f.IsAsync("lock"))
	assert.Equal(t, BitRead|BitWrite, f.AsyncMask())
	assert.NotZero(t, f.MethodMask()&BitOpen)
}

func TestFacadeConvertsErrorsToCodes(t *testing.T) {
	t.Parallel()

	backend := &stubVFS{Base: vfs.Base{VFSName: "stub"}}
	region := NewRegion(64)
	f := New(backend, region)
	buf, err := NewByteView(region, 0, 16)
	require.NoError(t, err)

	backend.readErr = nil
	assert.Equal(t, vfs.CodeOK, f.Read(context.Background(), 1, buf, 0, 0))

	backend.readErr = vfs.ErrShortRead
	assert.Equal(t, vfs.CodeIOErrShortRead, f.Read(context.Background(), 1, buf, 0, 0))

	backend.readErr = vfs.ErrBusy
	assert.Equal(t, vfs.CodeBusy, f.Read(context.Background(), 1, buf, 0, 0))
	assert.NotEmpty(t, f.GetLastError())
}

func TestFacadePanicBecomesIOErr(t *testing.T) {
	t.Parallel()

	backend := &stubVFS{Base: vfs.Base{VFSName: "stub"}, panicOn: "read"}
	region := NewRegion(64)
	f := New(backend, region)
	buf, err := NewByteView(region, 0, 16)
	require.NoError(t, err)

	code := f.Read(context.Background(), 1, buf, 0, 0)
	assert.Equal(t, vfs.CodeIOErr, code)
	assert.Contains(t, f.GetLastError(), "panic")
}

func TestFacadeOpenDecodesURI(t *testing.T) {
	t.Parallel()

	backend := &stubVFS{Base: vfs.Base{VFSName: "stub"}}
	region := NewRegion(64)
	f := New(backend, region)
	out, err := NewDataView(region, 0)
	require.NoError(t, err)

	raw := []byte("/db/main.db\x00nolock\x001\x00\x00")
	code := f.Open(context.Background(), raw, 1, uint32(vfs.OpenURI|vfs.OpenMainDB), out)
	assert.Equal(t, vfs.CodeOK, code)
	assert.Equal(t, "/db/main.db?nolock=1", backend.openedName)

	flags, err := out.Int32(LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, int32(vfs.OpenURI|vfs.OpenMainDB), flags)

	// Without the uri flag the tail is ignored at the first NUL.
	code = f.Open(context.Background(), []byte("/plain.db\x00"), 2, uint32(vfs.OpenMainDB), out)
	assert.Equal(t, vfs.CodeOK, code)
	assert.Equal(t, "/plain.db", backend.openedName)
}

func TestFacadeFileSizeWritesInt64(t *testing.T) {
	t.Parallel()

	backend := &stubVFS{Base: vfs.Base{VFSName: "stub"}}
	region := NewRegion(64)
	f := New(backend, region)
	out, err := NewDataView(region, 8)
	require.NoError(t, err)

	assert.Equal(t, vfs.CodeOK, f.FileSize(context.Background(), 1, out))
	got, err := out.Int64(LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}
