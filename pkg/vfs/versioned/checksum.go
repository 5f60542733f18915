package versioned

import "encoding/binary"

// checksum mod base. Sums run over little-endian 32-bit words modulo
// 2^32 − 1, two words of state: the first accumulates values, the second
// accumulates the first. A short tail is zero-padded.
const checksumMod = 1<<32 - 1

// Checksum computes the two-word page checksum recorded with every page
// write and verified when the pending log is replayed on open.
func Checksum(page []byte) [2]uint32 {
	var h1, h2 uint64
	i := 0
	for ; i+4 <= len(page); i += 4 {
		v := uint64(binary.LittleEndian.Uint32(page[i:]))
		h1 = (h1 + v) % checksumMod
		h2 = (h2 + h1) % checksumMod
	}
	if i < len(page) {
		var tail [4]byte
		copy(tail[:], page[i:])
		v := uint64(binary.LittleEndian.Uint32(tail[:]))
		h1 = (h1 + v) % checksumMod
		h2 = (h2 + h1) % checksumMod
	}
	return [2]uint32{uint32(h1), uint32(h2)}
}

// VerifyChecksum recomputes and compares both words.
func VerifyChecksum(page []byte, want [2]uint32) bool {
	return Checksum(page) == want
}
