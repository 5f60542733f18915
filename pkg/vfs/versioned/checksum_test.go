package versioned

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumRunningSums(t *testing.T) {
	t.Parallel()

	// Hand-computed over two words: h1 = v1, then v1+v2; h2 = h1 sums.
	page := make([]byte, 8)
	binary.LittleEndian.PutUint32(page[0:], 3)
	binary.LittleEndian.PutUint32(page[4:], 5)

	sum := Checksum(page)
	assert.Equal(t, uint32(8), sum[0])
	assert.Equal(t, uint32(11), sum[1])
}

func TestChecksumOrderSensitive(t *testing.T) {
	t.Parallel()

	a := make([]byte, 8)
	binary.LittleEndian.PutUint32(a[0:], 1)
	binary.LittleEndian.PutUint32(a[4:], 2)
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], 2)
	binary.LittleEndian.PutUint32(b[4:], 1)

	// The second word makes the checksum position-dependent.
	assert.Equal(t, Checksum(a)[0], Checksum(b)[0])
	assert.NotEqual(t, Checksum(a)[1], Checksum(b)[1])
}

func TestChecksumModulus(t *testing.T) {
	t.Parallel()

	// Two max words wrap around 2^32 - 1, not 2^32.
	page := make([]byte, 8)
	binary.LittleEndian.PutUint32(page[0:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(page[4:], 1)

	sum := Checksum(page)
	// h1: (0xFFFFFFFF) mod (2^32-1) = 0, then (0 + 1) = 1.
	assert.Equal(t, uint32(1), sum[0])
	// h2: 0, then 0 + 1 = 1.
	assert.Equal(t, uint32(1), sum[1])
}

func TestChecksumShortTailZeroPadded(t *testing.T) {
	t.Parallel()

	odd := []byte{0xAB, 0xCD}
	padded := []byte{0xAB, 0xCD, 0, 0}
	assert.Equal(t, Checksum(padded), Checksum(odd))
}

func TestVerifyChecksum(t *testing.T) {
	t.Parallel()

	page := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	sum := Checksum(page)
	assert.True(t, VerifyChecksum(page, sum))

	page[0] ^= 0xFF
	assert.False(t, VerifyChecksum(page, sum))
}
