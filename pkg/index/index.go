// Package index defines the durable auxiliary index that backs the
// versioned storage engine: per database file, the committed page → offset
// map (the "pages" class) and the ordered log of transactions not yet
// absorbed into it (the "pending" class).
//
// The index is small — a few rows per page plus one per in-flight
// transaction — but it is the single source of truth for crash recovery:
// reopening a database reads nothing except the index and the pending
// records it points at.
package index

import "context"

// PageRef locates one page version inside the backing file.
type PageRef struct {
	// Offset is the physical byte offset of the page.
	Offset int64 `json:"offset"`

	// Checksum is the two-word running checksum of the page content,
	// verified when the pending log is replayed on open.
	Checksum [2]uint32 `json:"checksum"`
}

// Tx is one committed multi-page transaction. Serialized as the value of
// a pending row; ids are dense and monotonically increasing per file.
type Tx struct {
	// TxID labels the transaction; the first real transaction is 1.
	TxID uint64 `json:"tx_id"`

	// Pages maps page index (1-based) to its new location. Empty for a
	// placeholder transaction.
	Pages map[uint32]PageRef `json:"pages,omitempty"`

	// FileSize is the virtual database size after this transaction.
	FileSize int64 `json:"file_size"`

	// OldestTxInUse, when present, is the lowest transaction id any
	// peer still held a view on when this transaction committed.
	OldestTxInUse *uint64 `json:"oldest_tx_in_use,omitempty"`

	// Reclaimable lists backing-file offsets this transaction's
	// installation superseded. Never persisted ahead of installation;
	// populated in memory and on replay.
	Reclaimable []int64 `json:"reclaimable,omitempty"`
}

// Txn is one atomic index mutation. All writes issued through a Txn are
// applied together or not at all.
type Txn interface {
	SetPage(path string, page uint32, offset int64) error
	DeletePage(path string, page uint32) error
	SetPending(path string, rec Tx) error
	DeletePending(path string, txID uint64) error
}

// Store is the auxiliary index. Implementations must apply Update
// atomically; a durable update must additionally survive process death
// before Update returns.
type Store interface {
	// PageMap reads the committed pages class for path.
	PageMap(ctx context.Context, path string) (map[uint32]int64, error)

	// Pending reads the pending transactions for path with
	// TxID >= fromTxID, ordered ascending.
	Pending(ctx context.Context, path string, fromTxID uint64) ([]Tx, error)

	// Update runs fn inside one atomic index transaction. When durable
	// is set the commit is flushed to stable storage before returning.
	Update(ctx context.Context, durable bool, fn func(txn Txn) error) error

	// Clear removes every row belonging to path. Used when a database
	// file is deleted.
	Clear(ctx context.Context, path string) error

	// Close releases the store.
	Close() error
}
