// Package vfs defines the virtual filesystem boundary between the embedded
// SQL engine and the storage backends.
//
// The engine talks to a VFS through a fixed operation set (open, close,
// read, write, truncate, sync, lock, ...) and a numeric result-code
// vocabulary. This package names both, declares the VFS interface every
// backend implements, and provides an embeddable Base with no-op defaults
// so backends only override what they care about.
package vfs

// ============================================================================
// Result Codes
// ============================================================================
//
// The engine expects these exact numeric values. Extended codes carry the
// primary code in the low byte and a sub-reason shifted left by eight.

// Code is an engine result code.
type Code int32

const (
	CodeOK       Code = 0
	CodeError    Code = 1
	CodeBusy     Code = 5
	CodeNoMem    Code = 7
	CodeReadOnly Code = 8
	CodeIOErr    Code = 10
	CodeNotFound Code = 12
	CodeCantOpen Code = 14
	CodeMisuse   Code = 21
	CodeNotADB   Code = 26
)

// Extended I/O error codes.
const (
	CodeIOErrRead        Code = CodeIOErr | 1<<8
	CodeIOErrShortRead   Code = CodeIOErr | 2<<8
	CodeIOErrWrite       Code = CodeIOErr | 3<<8
	CodeIOErrFsync       Code = CodeIOErr | 4<<8
	CodeIOErrTruncate    Code = CodeIOErr | 6<<8
	CodeIOErrFstat       Code = CodeIOErr | 7<<8
	CodeIOErrUnlock      Code = CodeIOErr | 8<<8
	CodeIOErrRDLock      Code = CodeIOErr | 9<<8
	CodeIOErrDelete      Code = CodeIOErr | 10<<8
	CodeIOErrAccess      Code = CodeIOErr | 13<<8
	CodeIOErrCheckLock   Code = CodeIOErr | 14<<8
	CodeIOErrLock        Code = CodeIOErr | 15<<8
	CodeIOErrClose       Code = CodeIOErr | 16<<8
	CodeIOErrDeleteNoEnt Code = CodeIOErr | 23<<8
)

// Primary returns the primary (low-byte) code of an extended code.
func (c Code) Primary() Code {
	return c & 0xff
}

// String returns the canonical name of the code for log output.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeError:
		return "ERROR"
	case CodeBusy:
		return "BUSY"
	case CodeNoMem:
		return "NOMEM"
	case CodeReadOnly:
		return "READONLY"
	case CodeIOErr:
		return "IOERR"
	case CodeNotFound:
		return "NOTFOUND"
	case CodeCantOpen:
		return "CANTOPEN"
	case CodeMisuse:
		return "MISUSE"
	case CodeNotADB:
		return "NOTADB"
	case CodeIOErrShortRead:
		return "IOERR_SHORT_READ"
	default:
		switch c.Primary() {
		case CodeIOErr:
			return "IOERR_EXTENDED"
		default:
			return "UNKNOWN"
		}
	}
}

// ============================================================================
// Open Flags
// ============================================================================

// OpenFlag is the bitmap the engine passes to Open describing what kind of
// file is being opened and how.
type OpenFlag uint32

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenURI           OpenFlag = 0x00000040
	OpenMemory        OpenFlag = 0x00000080
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubJournal    OpenFlag = 0x00002000
	OpenSuperJournal  OpenFlag = 0x00004000
	OpenWAL           OpenFlag = 0x00080000
)

// ============================================================================
// Lock Levels
// ============================================================================

// LockLevel is one of the engine's five file-lock states. Transitions only
// ever move along the edges of the five-state model; see pkg/locking.
type LockLevel int32

const (
	LockNone      LockLevel = 0
	LockShared    LockLevel = 1
	LockReserved  LockLevel = 2
	LockPending   LockLevel = 3
	LockExclusive LockLevel = 4
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockPending:
		return "pending"
	case LockExclusive:
		return "exclusive"
	default:
		return "invalid"
	}
}

// ============================================================================
// Access / Sync Flags
// ============================================================================

// AccessFlag selects what Access should test for.
type AccessFlag int32

const (
	AccessExists    AccessFlag = 0
	AccessReadWrite AccessFlag = 1
	AccessRead      AccessFlag = 2
)

// SyncFlag qualifies a Sync request.
type SyncFlag int32

const (
	SyncNormal   SyncFlag = 0x00002
	SyncFull     SyncFlag = 0x00003
	SyncDataOnly SyncFlag = 0x00010
)

// ============================================================================
// Device Characteristics
// ============================================================================

// DeviceCharacteristic is the capability bitmap a backend advertises.
type DeviceCharacteristic uint32

const (
	IOCapAtomic              DeviceCharacteristic = 0x00000001
	IOCapAtomic512           DeviceCharacteristic = 0x00000002
	IOCapAtomic1K            DeviceCharacteristic = 0x00000004
	IOCapAtomic2K            DeviceCharacteristic = 0x00000008
	IOCapAtomic4K            DeviceCharacteristic = 0x00000010
	IOCapAtomic8K            DeviceCharacteristic = 0x00000020
	IOCapAtomic16K           DeviceCharacteristic = 0x00000040
	IOCapAtomic32K           DeviceCharacteristic = 0x00000080
	IOCapAtomic64K           DeviceCharacteristic = 0x00000100
	IOCapSafeAppend          DeviceCharacteristic = 0x00000200
	IOCapSequential          DeviceCharacteristic = 0x00000400
	IOCapUndeletableWhenOpen DeviceCharacteristic = 0x00000800
	IOCapPowersafeOverwrite  DeviceCharacteristic = 0x00001000
	IOCapImmutable           DeviceCharacteristic = 0x00002000
	IOCapBatchAtomic         DeviceCharacteristic = 0x00004000
)

// ============================================================================
// File-Control Opcodes
// ============================================================================

// FcntlOp is a FileControl opcode. The numeric values below the private
// range match the engine's table; WriteHint lives in the private range and
// is only ever issued by our own integration glue.
type FcntlOp int32

const (
	FcntlLockState           FcntlOp = 1
	FcntlOverwrite           FcntlOp = 11
	FcntlPragma              FcntlOp = 14
	FcntlBusyHandler         FcntlOp = 15
	FcntlSync                FcntlOp = 21
	FcntlCommitPhaseTwo      FcntlOp = 22
	FcntlBeginAtomicWrite    FcntlOp = 31
	FcntlCommitAtomicWrite   FcntlOp = 32
	FcntlRollbackAtomicWrite FcntlOp = 33

	// FcntlWriteHint tells the locking layer the next transaction intends
	// to write, so the shared policy can take the hint lock up front.
	FcntlWriteHint FcntlOp = 9930
)

// DefaultSectorSize is the sector size reported by backends that have no
// better answer.
const DefaultSectorSize = 512
