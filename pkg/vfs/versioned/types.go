package versioned

import (
	"sort"
	"time"

	"github.com/marmos91/verso/pkg/index"
)

// Durability is the commit durability policy.
type Durability int

const (
	// DurabilityFull flushes the backing file and syncs the index on
	// every commit.
	DurabilityFull Durability = iota

	// DurabilityNormal finalizes every FlushInterval transactions.
	DurabilityNormal

	// DurabilityRelaxed never syncs eagerly; recovery replays the
	// pending log.
	DurabilityRelaxed
)

func (d Durability) String() string {
	switch d {
	case DurabilityFull:
		return "full"
	case DurabilityNormal:
		return "normal"
	case DurabilityRelaxed:
		return "relaxed"
	default:
		return "unknown"
	}
}

// ParseDurability maps the engine's synchronous pragma values.
func ParseDurability(s string) (Durability, bool) {
	switch s {
	case "full", "FULL", "2":
		return DurabilityFull, true
	case "normal", "NORMAL", "1":
		return DurabilityNormal, true
	case "off", "OFF", "relaxed", "0":
		return DurabilityRelaxed, true
	default:
		return DurabilityNormal, false
	}
}

// Options configures the versioned backend.
type Options struct {
	// Durability is the default commit policy; overridable per file via
	// the synchronous pragma.
	Durability Durability

	// FlushInterval finalizes pending transactions every N commits
	// under DurabilityNormal. Zero means 64.
	FlushInterval uint64

	// LockTimeout bounds blocking advisory lock acquisitions.
	LockTimeout time.Duration

	// SectorSize reported to the engine. Zero means 4096.
	SectorSize int
}

// DefaultFlushInterval is used when Options.FlushInterval is zero.
const DefaultFlushInterval = 64

// Metrics is implemented by pkg/metrics/prometheus. A nil Metrics is
// valid and records nothing.
type Metrics interface {
	ObserveRead(bytes int, d time.Duration)
	ObserveWrite(bytes int, d time.Duration)
	ObserveCommit(pages int, finalized bool, d time.Duration)
	AddReclaimed(n int)
}

// activeTx is the in-flight write transaction of one database.
type activeTx struct {
	rec index.Tx

	// physSize is the physical backing-file size remembered when the
	// transaction began; appends allocate past it.
	physSize int64

	// overwrite makes every write identity-mapped (VACUUM rewrite).
	overwrite bool
}

// ============================================================================
// Free Set
// ============================================================================

// freeSet tracks backing-file offsets not referenced by any page map,
// sorted ascending so allocation can take the lowest usable slot.
type freeSet struct {
	offs []int64
}

func (f *freeSet) contains(off int64) bool {
	i := sort.Search(len(f.offs), func(i int) bool { return f.offs[i] >= off })
	return i < len(f.offs) && f.offs[i] == off
}

func (f *freeSet) add(off int64) {
	i := sort.Search(len(f.offs), func(i int) bool { return f.offs[i] >= off })
	if i < len(f.offs) && f.offs[i] == off {
		return
	}
	f.offs = append(f.offs, 0)
	copy(f.offs[i+1:], f.offs[i:])
	f.offs[i] = off
}

func (f *freeSet) remove(off int64) {
	i := sort.Search(len(f.offs), func(i int) bool { return f.offs[i] >= off })
	if i < len(f.offs) && f.offs[i] == off {
		f.offs = append(f.offs[:i], f.offs[i+1:]...)
	}
}

// takeBelow removes and returns the first offset in [min, limit), or
// -1 when none exists.
func (f *freeSet) takeBelow(min, limit int64) int64 {
	i := sort.Search(len(f.offs), func(i int) bool { return f.offs[i] >= min })
	if i < len(f.offs) && f.offs[i] < limit {
		off := f.offs[i]
		f.offs = append(f.offs[:i], f.offs[i+1:]...)
		return off
	}
	return -1
}

// takeAtLeast removes and returns the first offset >= min, or -1.
func (f *freeSet) takeAtLeast(min int64) int64 {
	i := sort.Search(len(f.offs), func(i int) bool { return f.offs[i] >= min })
	if i < len(f.offs) {
		off := f.offs[i]
		f.offs = append(f.offs[:i], f.offs[i+1:]...)
		return off
	}
	return -1
}

// dropBeyond discards offsets past the physical file end. Used when
// re-entering SHARED after the file shrank under a peer's VACUUM.
func (f *freeSet) dropBeyond(limit int64) {
	i := sort.Search(len(f.offs), func(i int) bool { return f.offs[i] >= limit })
	f.offs = f.offs[:i]
}

func (f *freeSet) clear() { f.offs = nil }

func (f *freeSet) len() int { return len(f.offs) }

// snapshot returns a copy of the offsets, ascending.
func (f *freeSet) snapshot() []int64 {
	return append([]int64(nil), f.offs...)
}
