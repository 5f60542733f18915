package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/marmos91/verso/pkg/index"
)

// ============================================================================
// Key Namespace Design
// ============================================================================
//
// BadgerDB is a flat key-value store, so the two object classes are
// carried in prefixed keys. Numeric suffixes are big-endian so that
// lexicographic key order equals numeric order, which lets Pending walk
// transactions with a plain prefix iteration.
//
// Class     Key Format                          Value
// =====================================================================
// pages     pg <NUL> <path> <NUL> <u32 BE>      physical offset (u64 BE)
// pending   tx <NUL> <path> <NUL> <u64 BE>      index.Tx (JSON)
//
// The NUL delimiter cannot occur in a file path, so keys never collide
// across databases sharing one index directory.

const (
	prefixPages   = "pg\x00"
	prefixPending = "tx\x00"
)

func keyPage(path string, page uint32) []byte {
	key := make([]byte, 0, len(prefixPages)+len(path)+1+4)
	key = append(key, prefixPages...)
	key = append(key, path...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint32(key, page)
	return key
}

func keyPagePrefix(path string) []byte {
	key := make([]byte, 0, len(prefixPages)+len(path)+1)
	key = append(key, prefixPages...)
	key = append(key, path...)
	key = append(key, 0)
	return key
}

func keyPending(path string, txID uint64) []byte {
	key := make([]byte, 0, len(prefixPending)+len(path)+1+8)
	key = append(key, prefixPending...)
	key = append(key, path...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, txID)
	return key
}

func keyPendingPrefix(path string) []byte {
	key := make([]byte, 0, len(prefixPending)+len(path)+1)
	key = append(key, prefixPending...)
	key = append(key, path...)
	key = append(key, 0)
	return key
}

// pageFromKey recovers the page index from a pages-class key.
func pageFromKey(key, prefix []byte) (uint32, error) {
	if len(key) != len(prefix)+4 {
		return 0, fmt.Errorf("malformed pages key of length %d", len(key))
	}
	return binary.BigEndian.Uint32(key[len(prefix):]), nil
}

func encodeOffset(off int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(off))
}

func decodeOffset(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("malformed offset value of length %d", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func encodeTx(rec *index.Tx) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction %d: %w", rec.TxID, err)
	}
	return data, nil
}

func decodeTx(val []byte) (*index.Tx, error) {
	var rec index.Tx
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode transaction record: %w", err)
	}
	return &rec, nil
}
