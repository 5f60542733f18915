package logger

// Standard field keys for structured logging. Use these consistently so
// log lines from the dispatch facade, the locking layer and the storage
// backends can be correlated by field.
const (
	// ========================================================================
	// File & Operation
	// ========================================================================
	KeyPath   = "path"   // database or auxiliary file path
	KeyFile   = "file"   // numeric file id within a VFS
	KeyMethod = "method" // VFS method name: read, write, lock, ...
	KeyOffset = "offset" // byte offset within the virtual file
	KeySize   = "size"   // byte count or file size
	KeyStatus = "status" // engine result code name

	// ========================================================================
	// Locking
	// ========================================================================
	KeyLock      = "lock"       // advisory lock name
	KeyLockMode  = "lock_mode"  // shared / exclusive
	KeyLockLevel = "lock_level" // five-state level: none..exclusive

	// ========================================================================
	// Versioned Storage
	// ========================================================================
	KeyTxID     = "tx_id"     // transaction id
	KeyViewTx   = "view_tx"   // the tx id a peer's reads observe
	KeyOldestTx = "oldest_tx" // lowest view tx across peers
	KeyPage     = "page"      // page index (1-based)
	KeyPages    = "pages"     // page count
	KeyPageSize = "page_size" // page size in bytes
	KeyPeer     = "peer"      // peer identity

	// ========================================================================
	// Timing & Errors
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)
