package dispatch

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ============================================================================
// Shared Memory Region & Buffer Proxies
// ============================================================================
//
// The engine hands the facade raw (pointer, length) pairs into a shared
// memory region that the host may relocate when it grows. A view created
// before a relocation must not keep using the stale backing slice, so
// every view carries the region and re-resolves on access by comparing
// generations.

// Region is the engine-visible shared memory. Grow replaces the backing
// slice and invalidates all previously resolved views; the views
// transparently re-resolve on next access.
type Region struct {
	mu  sync.RWMutex
	buf []byte
	gen uint64
}

// NewRegion creates a region of the given size.
func NewRegion(size int) *Region {
	return &Region{buf: make([]byte, size)}
}

// Grow relocates the region to newSize bytes, preserving content.
func (r *Region) Grow(newSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newSize <= len(r.buf) {
		return
	}
	grown := make([]byte, newSize)
	copy(grown, r.buf)
	r.buf = grown
	r.gen++
}

// resolve returns the current backing slice and its generation.
func (r *Region) resolve() ([]byte, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf, r.gen
}

// Size returns the current region size.
func (r *Region) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

// ============================================================================
// ByteView
// ============================================================================

// ByteView is a byte-array proxy over (ptr, len) within a region. Bytes
// reacquires the underlying memory when the host has relocated it, so a
// view taken before a Grow stays valid.
type ByteView struct {
	region *Region
	ptr    uint32
	length uint32

	cached    []byte
	cachedGen uint64
	resolved  bool
}

// NewByteView creates a view of length bytes at ptr.
func NewByteView(region *Region, ptr, length uint32) (*ByteView, error) {
	if int64(ptr)+int64(length) > int64(region.Size()) {
		return nil, fmt.Errorf("byte view [%d, %d) outside region of %d bytes", ptr, ptr+length, region.Size())
	}
	return &ByteView{region: region, ptr: ptr, length: length}, nil
}

// Bytes returns the live window into the region.
func (v *ByteView) Bytes() []byte {
	buf, gen := v.region.resolve()
	if !v.resolved || gen != v.cachedGen {
		v.cached = buf[v.ptr : v.ptr+v.length]
		v.cachedGen = gen
		v.resolved = true
	}
	return v.cached
}

// Len returns the view length.
func (v *ByteView) Len() int { return int(v.length) }

// ============================================================================
// DataView
// ============================================================================

// Endian is the byte order carried by a DataView access.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

// ErrBigEndian rejects big-endian accesses: the engine boundary is
// little-endian only, and a big-endian request means the call site is
// mis-decoded.
var ErrBigEndian = fmt.Errorf("big-endian data view access")

// DataView is a two-field proxy restricted to one int32 or int64 at ptr,
// little-endian. Endianness is checked on every access rather than at
// construction so a mis-routed access faults loudly.
type DataView struct {
	region *Region
	ptr    uint32
}

// NewDataView creates a data view at ptr. The window must be able to
// hold an int64.
func NewDataView(region *Region, ptr uint32) (*DataView, error) {
	if int64(ptr)+8 > int64(region.Size()) {
		return nil, fmt.Errorf("data view at %d outside region of %d bytes", ptr, region.Size())
	}
	return &DataView{region: region, ptr: ptr}, nil
}

func (v *DataView) window(n int) []byte {
	buf, _ := v.region.resolve()
	return buf[v.ptr : int(v.ptr)+n]
}

// Int32 reads the int32 field.
func (v *DataView) Int32(e Endian) (int32, error) {
	if e != LittleEndian {
		return 0, ErrBigEndian
	}
	return int32(binary.LittleEndian.Uint32(v.window(4))), nil
}

// SetInt32 writes the int32 field.
func (v *DataView) SetInt32(val int32, e Endian) error {
	if e != LittleEndian {
		return ErrBigEndian
	}
	binary.LittleEndian.PutUint32(v.window(4), uint32(val))
	return nil
}

// Int64 reads the int64 field.
func (v *DataView) Int64(e Endian) (int64, error) {
	if e != LittleEndian {
		return 0, ErrBigEndian
	}
	return int64(binary.LittleEndian.Uint64(v.window(8))), nil
}

// SetInt64 writes the int64 field.
func (v *DataView) SetInt64(val int64, e Endian) error {
	if e != LittleEndian {
		return ErrBigEndian
	}
	binary.LittleEndian.PutUint64(v.window(8), uint64(val))
	return nil
}

// ============================================================================
// 64-bit Recombination
// ============================================================================

// JoinInt64 rebuilds a 64-bit integer from the little-endian pair of
// 32-bit halves the engine delivers for offsets past 2^31.
func JoinInt64(lo, hi uint32) int64 {
	return int64(uint64(lo) | uint64(hi)<<32)
}

// SplitInt64 is the inverse of JoinInt64.
func SplitInt64(v int64) (lo, hi uint32) {
	return uint32(uint64(v)), uint32(uint64(v) >> 32)
}
