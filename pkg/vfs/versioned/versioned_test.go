package versioned

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/verso/pkg/blob"
	"github.com/marmos91/verso/pkg/index"
	"github.com/marmos91/verso/pkg/lock"
	"github.com/marmos91/verso/pkg/peer"
	"github.com/marmos91/verso/pkg/vfs"
)

const (
	testPath     = "test.db"
	testPageSize = 4096
)

// env is the shared fabric of one simulated machine: blob store, lock
// service, broadcast bus and auxiliary index. Every FS built on the same
// env is one peer.
type env struct {
	store *blob.MemStore
	locks *lock.MemoryService
	bus   *peer.Bus
	idx   *index.MemStore
}

func newEnv() *env {
	return &env{
		store: blob.NewMemStore(),
		locks: lock.NewMemoryService(),
		bus:   peer.NewBus(),
		idx:   index.NewMemStore(),
	}
}

func (e *env) newPeer(t *testing.T, opts Options) *FS {
	t.Helper()
	return New("versioned", e.store, e.locks, e.bus, e.idx, nil, opts)
}

func openDB(t *testing.T, fs *FS, id vfs.FileID) *database {
	t.Helper()
	ctx := context.Background()
	_, err := fs.Open(ctx, testPath, id, vfs.OpenMainDB|vfs.OpenReadWrite|vfs.OpenCreate)
	require.NoError(t, err)
	db, err := fs.lookupDB(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close(ctx, id) })
	return db
}

// page builds a test page. Bytes 16 and 17 always carry the big-endian
// page-size indicator, as the real database header does, so recovery can
// relearn the page size from the file alone.
func page(fill byte) []byte {
	p := make([]byte, testPageSize)
	for i := range p {
		p[i] = fill
	}
	p[16] = testPageSize >> 8
	p[17] = testPageSize & 0xFF
	return p
}

// writeTx runs one engine-shaped write transaction: SHARED, RESERVED,
// page writes, commit via the sync opcode, unlock to NONE.
func writeTx(t *testing.T, fs *FS, id vfs.FileID, pages map[uint32][]byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fs.Lock(ctx, id, vfs.LockShared))
	require.NoError(t, fs.Lock(ctx, id, vfs.LockReserved))
	for idx, content := range pages {
		off := int64(idx-1) * testPageSize
		require.NoError(t, fs.Write(ctx, id, content, off))
	}
	require.NoError(t, fs.FileControl(ctx, id, vfs.FcntlSync, nil))
	require.NoError(t, fs.Unlock(ctx, id, vfs.LockNone))
}

func readPage(t *testing.T, fs *FS, id vfs.FileID, idx uint32) ([]byte, error) {
	t.Helper()
	ctx := context.Background()
	p := make([]byte, testPageSize)
	err := fs.Read(ctx, id, p, int64(idx-1)*testPageSize)
	return p, err
}

// waitViewTx polls until the database's view reaches at least want.
func waitViewTx(t *testing.T, db *database, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		db.mu.Lock()
		got := db.viewTx
		db.mu.Unlock()
		if got >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never reached tx %d (at %d)", want, got)
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// Scenario S1: single writer round trip
// ============================================================================

func TestSingleWriterRoundTrip(t *testing.T) {
	t.Parallel()

	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityNormal})
	db := openDB(t, fs, 1)

	writeTx(t, fs, 1, map[uint32][]byte{1: page(0xAA)})

	got, err := readPage(t, fs, 1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, page(0xAA)))

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, uint64(1), db.viewTx)
	assert.Equal(t, map[uint32]int64{1: 0}, db.pageMap)
	require.Len(t, db.pending, 1)
	assert.Equal(t, uint64(1), db.pending[0].TxID)
	assert.Equal(t, int64(testPageSize), db.fileSize)
}

// ============================================================================
// Scenario S2: broadcast visibility across peers
// ============================================================================

func TestPeerObservesCommit(t *testing.T) {
	t.Parallel()

	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityNormal})
	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, p1, 1)
	db2 := openDB(t, p2, 1)

	writeTx(t, p1, 1, map[uint32][]byte{1: page(0xBB)})

	waitViewTx(t, db2, 1)
	got, err := readPage(t, p2, 1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, page(0xBB)))
}

func TestViewPinBlocksReclaim(t *testing.T) {
	t.Parallel()

	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityFull})
	db1 := openDB(t, p1, 1)

	// A foreign pin at view 1: reclamation of anything tx 1 can reach
	// must wait for it.
	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x01)})
	pin, err := e.locks.Acquire(context.Background(), viewLockName(testPath, 1), lock.Shared, lock.Options{})
	require.NoError(t, err)
	defer pin.Release()

	// Tx 2 displaces page 1. Full durability finalizes on every commit,
	// but oldest_tx_in_use stops at the pinned view.
	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x02)})
	// Tx 3: at its commit, oldest is still 1, so tx 2 (which holds the
	// displaced offset of tx 1's page) must not be reclaimed.
	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x03)})

	db1.mu.Lock()
	defer db1.mu.Unlock()
	ids := []uint64{}
	for _, p := range db1.pending {
		ids = append(ids, p.TxID)
	}
	assert.Equal(t, []uint64{2, 3}, ids, "transactions above the pinned view stay pending")
}

// ============================================================================
// Scenario S3: snapshot isolation against an uncommitted writer
// ============================================================================

func TestReaderIsolatedFromUncommittedWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityNormal})
	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, p1, 1)
	db2 := openDB(t, p2, 1)

	// Seed page 1 so both peers share a page size.
	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x11)})
	waitViewTx(t, db2, 1)

	// P1 writes page 2 but does not commit.
	require.NoError(t, p1.Lock(ctx, 1, vfs.LockShared))
	require.NoError(t, p1.Lock(ctx, 1, vfs.LockReserved))
	require.NoError(t, p1.Write(ctx, 1, page(0xCC), testPageSize))

	// P2 still sees the pre-write state: page 2 does not exist.
	require.NoError(t, p2.Lock(ctx, 1, vfs.LockShared))
	got, err := readPage(t, p2, 1, 2)
	assert.True(t, errors.Is(err, vfs.ErrShortRead))
	assert.True(t, bytes.Equal(got, make([]byte, testPageSize)))
	require.NoError(t, p2.Unlock(ctx, 1, vfs.LockNone))

	// P1 commits; P2 processes the broadcast once idle.
	require.NoError(t, p1.FileControl(ctx, 1, vfs.FcntlSync, nil))
	require.NoError(t, p1.Unlock(ctx, 1, vfs.LockNone))

	waitViewTx(t, db2, 2)
	got, err = readPage(t, p2, 1, 2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, page(0xCC)))
}

// ============================================================================
// Scenario S4: flush interval finalization
// ============================================================================

func TestFlushIntervalFinalization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityNormal, FlushInterval: 8})
	openDB(t, fs, 1)

	for i := 0; i < 7; i++ {
		writeTx(t, fs, 1, map[uint32][]byte{1: page(byte(i + 1))})
	}

	pages, err := e.idx.PageMap(ctx, testPath)
	require.NoError(t, err)
	assert.Empty(t, pages, "pages class untouched before the flush interval")
	pending, err := e.idx.Pending(ctx, testPath, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 7)

	// The eighth commit finalizes everything up to oldest (tx 7).
	writeTx(t, fs, 1, map[uint32][]byte{1: page(0x42)})

	pages, err = e.idx.PageMap(ctx, testPath)
	require.NoError(t, err)
	assert.NotEmpty(t, pages, "pages class updated at the flush interval")
	pending, err = e.idx.Pending(ctx, testPath, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(8), pending[0].TxID)
}

// ============================================================================
// Scenario S5: VACUUM post-condition
// ============================================================================

func TestVacuumRestoresIdentityLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityFull})
	db := openDB(t, fs, 1)

	// Build a permuted layout through successive rewrites.
	writeTx(t, fs, 1, map[uint32][]byte{1: page(0x01), 2: page(0x02), 3: page(0x03)})
	writeTx(t, fs, 1, map[uint32][]byte{2: page(0x22)})
	writeTx(t, fs, 1, map[uint32][]byte{3: page(0x33)})

	db.mu.Lock()
	permuted := false
	for pageIdx, off := range db.pageMap {
		if off != int64(pageIdx-1)*testPageSize {
			permuted = true
		}
	}
	db.mu.Unlock()
	require.True(t, permuted, "layout should be permuted before VACUUM")

	// Engine-shaped VACUUM: overwrite opcode, full rewrite, commit.
	require.NoError(t, fs.Lock(ctx, 1, vfs.LockShared))
	require.NoError(t, fs.Lock(ctx, 1, vfs.LockReserved))
	require.NoError(t, fs.FileControl(ctx, 1, vfs.FcntlOverwrite, nil))
	for idx, fill := range map[uint32]byte{1: 0x01, 2: 0x22, 3: 0x33} {
		require.NoError(t, fs.Write(ctx, 1, page(fill), int64(idx-1)*testPageSize))
	}
	require.NoError(t, fs.Truncate(ctx, 1, 3*testPageSize))
	require.NoError(t, fs.FileControl(ctx, 1, vfs.FcntlSync, nil))
	require.NoError(t, fs.Unlock(ctx, 1, vfs.LockNone))

	db.mu.Lock()
	assert.Equal(t, map[uint32]int64{1: 0, 2: testPageSize, 3: 2 * testPageSize}, db.pageMap)
	assert.Zero(t, db.free.len(), "free set empty after VACUUM")
	assert.Empty(t, db.pending)
	db.mu.Unlock()

	size, err := db.acc.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(3*testPageSize), size)

	// Durable state matches: identity pages, no pending rows.
	pages, err := e.idx.PageMap(ctx, testPath)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]int64{1: 0, 2: testPageSize, 3: 2 * testPageSize}, pages)
	pending, err := e.idx.Pending(ctx, testPath, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Content survived the rewrite.
	for idx, fill := range map[uint32]byte{1: 0x01, 2: 0x22, 3: 0x33} {
		got, err := readPage(t, fs, 1, idx)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(got, page(fill)), "page %d content after VACUUM", idx)
	}
}

// ============================================================================
// Scenario S6: crash recovery from the auxiliary index
// ============================================================================

func TestRecoveryFromPendingLog(t *testing.T) {
	t.Parallel()

	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, p1, 1)

	for i := 1; i <= 5; i++ {
		writeTx(t, p1, 1, map[uint32][]byte{1: page(byte(i))})
	}

	// A peer that never saw a broadcast recovers everything from the
	// index alone.
	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	db2 := openDB(t, p2, 1)

	db2.mu.Lock()
	assert.Equal(t, uint64(5), db2.viewTx)
	db2.mu.Unlock()

	got, err := readPage(t, p2, 1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, page(5)))
}

func TestRecoveryTruncatesTornPendingLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityNormal})
	db1 := openDB(t, p1, 1)

	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x01)})
	writeTx(t, p1, 1, map[uint32][]byte{2: page(0x02)})

	// Corrupt the backing bytes of tx 2's page, as a torn write would.
	db1.mu.Lock()
	tornOff := db1.pageMap[2]
	db1.mu.Unlock()
	require.NoError(t, p1.Close(ctx, 1))

	raw, err := e.store.Open(testPath, blob.OpenOptions{Unsafe: true})
	require.NoError(t, err)
	_, err = raw.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, tornOff)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	db2 := openDB(t, p2, 1)

	db2.mu.Lock()
	assert.Equal(t, uint64(1), db2.viewTx, "log truncated at the mismatch")
	db2.mu.Unlock()

	pending, err := e.idx.Pending(ctx, testPath, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(1), pending[0].TxID, "torn suffix removed durably")
}

// ============================================================================
// Failure latching
// ============================================================================

func TestFailedIndexCommitAbortsFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, fs, 1)

	require.NoError(t, fs.Lock(ctx, 1, vfs.LockShared))
	require.NoError(t, fs.Lock(ctx, 1, vfs.LockReserved))
	require.NoError(t, fs.Write(ctx, 1, page(0x01), 0))

	e.idx.FailCommits = true
	err := fs.FileControl(ctx, 1, vfs.FcntlSync, nil)
	require.Error(t, err)
	assert.Equal(t, vfs.CodeIOErr, vfs.CodeOf(err))
	require.NoError(t, fs.Unlock(ctx, 1, vfs.LockNone))

	// Every subsequent operation fails until reopen.
	_, err = readPage(t, fs, 1, 1)
	assert.Equal(t, vfs.CodeIOErr, vfs.CodeOf(err))
	err = fs.Write(ctx, 1, page(0x02), 0)
	assert.Equal(t, vfs.CodeIOErr, vfs.CodeOf(err))

	// A fresh open recovers.
	e.idx.FailCommits = false
	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	db2 := openDB(t, p2, 2)
	db2.mu.Lock()
	assert.Equal(t, uint64(0), db2.viewTx, "aborted transaction left no trace")
	db2.mu.Unlock()
}

// ============================================================================
// Stale view at RESERVED
// ============================================================================

func TestStaleViewAtReservedReturnsBusy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityNormal})
	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, p1, 1)
	db2 := openDB(t, p2, 1)

	// P2 sits at SHARED so the broadcast stays buffered.
	require.NoError(t, p2.Lock(ctx, 1, vfs.LockShared))
	writeTx(t, p1, 1, map[uint32][]byte{1: page(0xBB)})

	// Upgrading with a stale view fails and queues the missed rows.
	err := p2.Lock(ctx, 1, vfs.LockReserved)
	require.Error(t, err)
	assert.Equal(t, vfs.CodeBusy, vfs.CodeOf(err))

	require.NoError(t, p2.Unlock(ctx, 1, vfs.LockNone))
	waitViewTx(t, db2, 1)

	// The retry goes through.
	require.NoError(t, p2.Lock(ctx, 1, vfs.LockShared))
	require.NoError(t, p2.Lock(ctx, 1, vfs.LockReserved))
	require.NoError(t, p2.Unlock(ctx, 1, vfs.LockNone))
}

// ============================================================================
// Free-slot reuse & invariants
// ============================================================================

func TestFreeSlotReuseAfterReclaim(t *testing.T) {
	t.Parallel()

	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityFull})
	db := openDB(t, fs, 1)

	writeTx(t, fs, 1, map[uint32][]byte{1: page(0x01), 2: page(0x02)})
	// Rewrites displace offsets; full durability finalizes one commit
	// behind, so slots rotate back into use.
	writeTx(t, fs, 1, map[uint32][]byte{2: page(0x22)})
	writeTx(t, fs, 1, map[uint32][]byte{2: page(0x23)})
	writeTx(t, fs, 1, map[uint32][]byte{2: page(0x24)})

	db.mu.Lock()
	defer db.mu.Unlock()
	assertNoFreeAliasing(t, db)

	// The physical file stays bounded: page 2 cycles between a small
	// set of slots instead of appending forever.
	phys, err := db.acc.Size()
	require.NoError(t, err)
	assert.LessOrEqual(t, phys, int64(4*testPageSize))
}

// assertNoFreeAliasing checks invariant: the free set is disjoint from
// every offset held by the current map and all pending transactions.
func assertNoFreeAliasing(t *testing.T, db *database) {
	t.Helper()
	used := make(map[int64]bool)
	for _, off := range db.pageMap {
		used[off] = true
	}
	for _, p := range db.pending {
		for _, ref := range p.Pages {
			used[ref.Offset] = true
		}
	}
	for _, off := range db.free.snapshot() {
		assert.False(t, used[off], "offset %d is both free and referenced", off)
	}
}

func TestDenseTransactionIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, fs, 1)

	for i := 0; i < 5; i++ {
		writeTx(t, fs, 1, map[uint32][]byte{1: page(byte(i))})
	}

	pending, err := e.idx.Pending(ctx, testPath, 0)
	require.NoError(t, err)
	for i, rec := range pending {
		assert.Equal(t, uint64(i+1), rec.TxID, "transaction ids are dense")
	}
}

// ============================================================================
// Peer overwrite coordination
// ============================================================================

func TestPeerSurrendersReadLockForOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	p1 := e.newPeer(t, Options{Durability: DurabilityNormal})
	p2 := e.newPeer(t, Options{Durability: DurabilityNormal})
	openDB(t, p1, 1)
	db2 := openDB(t, p2, 1)

	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x01), 2: page(0x02)})
	writeTx(t, p1, 1, map[uint32][]byte{1: page(0x11)})
	waitViewTx(t, db2, 2)

	// P1 VACUUMs while P2 idles at NONE; P2 must give up its shared
	// read lease so the exclusive upgrade can proceed.
	require.NoError(t, p1.Lock(ctx, 1, vfs.LockShared))
	require.NoError(t, p1.Lock(ctx, 1, vfs.LockReserved))
	require.NoError(t, p1.FileControl(ctx, 1, vfs.FcntlOverwrite, nil))
	require.NoError(t, p1.Write(ctx, 1, page(0x11), 0))
	require.NoError(t, p1.Write(ctx, 1, page(0x02), testPageSize))
	require.NoError(t, p1.Truncate(ctx, 1, 2*testPageSize))
	require.NoError(t, p1.FileControl(ctx, 1, vfs.FcntlSync, nil))
	require.NoError(t, p1.Unlock(ctx, 1, vfs.LockNone))

	// P2 reads again: reacquires the read lease, sees the identity
	// layout and the rewritten content.
	require.NoError(t, p2.Lock(ctx, 1, vfs.LockShared))
	got, err := readPage(t, p2, 1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, page(0x11)))
	require.NoError(t, p2.Unlock(ctx, 1, vfs.LockNone))

	db2.mu.Lock()
	assert.Equal(t, map[uint32]int64{1: 0, 2: testPageSize}, db2.pageMap)
	assert.Zero(t, db2.free.len())
	db2.mu.Unlock()
}

// ============================================================================
// Rollback
// ============================================================================

func TestRollbackReturnsOffsetsToFreeSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityNormal})
	db := openDB(t, fs, 1)

	writeTx(t, fs, 1, map[uint32][]byte{1: page(0x01)})

	require.NoError(t, fs.Lock(ctx, 1, vfs.LockShared))
	require.NoError(t, fs.Lock(ctx, 1, vfs.LockReserved))
	require.NoError(t, fs.Write(ctx, 1, page(0x02), testPageSize))
	require.NoError(t, fs.FileControl(ctx, 1, vfs.FcntlRollbackAtomicWrite, nil))
	require.NoError(t, fs.Unlock(ctx, 1, vfs.LockNone))

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Nil(t, db.active)
	assert.Equal(t, uint64(1), db.viewTx, "rolled-back transaction never published")
	assert.Equal(t, map[uint32]int64{1: 0}, db.pageMap)
	assertNoFreeAliasing(t, db)
}

// ============================================================================
// Page size learning
// ============================================================================

func TestPageSizeLearnedFromFirstWrite(t *testing.T) {
	t.Parallel()

	e := newEnv()
	fs := e.newPeer(t, Options{Durability: DurabilityNormal})
	db := openDB(t, fs, 1)

	// First write fixes the page size at the write length.
	writeTx(t, fs, 1, map[uint32][]byte{1: page(0x01)})
	db.mu.Lock()
	assert.Equal(t, testPageSize, db.pageSize)
	db.mu.Unlock()
}

func TestDecodePageSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 4096, decodePageSize([2]byte{0x10, 0x00}))
	assert.Equal(t, 512, decodePageSize([2]byte{0x02, 0x00}))
	assert.Equal(t, 65536, decodePageSize([2]byte{0x00, 0x01}), "value 1 decodes as 65536")
}
