// Package dispatch is the boundary between the engine's C-level call
// sites and the Go backends.
//
// The engine delivers raw arguments: u32 file ids, split 64-bit offsets,
// and (pointer, length) pairs into a relocatable shared memory region.
// The facade rebuilds typed values, routes each operation to the backend
// registered for it, flattens every failure into an engine result code,
// and keeps the last error message for get_last_error.
//
// Whether a backend method may suspend is decided once, at registration
// time, by asking the backend HasAsyncMethod for each operation. The
// engine-side glue reads the resulting bitmask and picks the synchronous
// or suspending trampoline statically; the facade itself only needs to
// know which context to run the call under.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/verso/internal/logger"
	"github.com/marmos91/verso/pkg/vfs"
)

// Method bits, in registration order. The engine receives the pair
// (method bitmask, async-method bitmask) for each registered VFS.
const (
	BitOpen uint32 = 1 << iota
	BitClose
	BitRead
	BitWrite
	BitTruncate
	BitSync
	BitFileSize
	BitLock
	BitUnlock
	BitCheckReservedLock
	BitFileControl
	BitSectorSize
	BitDeviceCharacteristics
	BitAccess
	BitDelete
	BitFullPathname
)

var methodBits = map[string]uint32{
	"open":                  BitOpen,
	"close":                 BitClose,
	"read":                  BitRead,
	"write":                 BitWrite,
	"truncate":              BitTruncate,
	"sync":                  BitSync,
	"fileSize":              BitFileSize,
	"lock":                  BitLock,
	"unlock":                BitUnlock,
	"checkReservedLock":     BitCheckReservedLock,
	"fileControl":           BitFileControl,
	"sectorSize":            BitSectorSize,
	"deviceCharacteristics": BitDeviceCharacteristics,
	"access":                BitAccess,
	"delete":                BitDelete,
	"fullPathname":          BitFullPathname,
}

// Facade routes raw engine calls to one backend.
type Facade struct {
	backend vfs.VFS
	region  *Region
	async   map[string]bool
	lastErr string
}

// New builds a facade over backend with views resolved against region.
// The async classification of every method is fixed here.
func New(backend vfs.VFS, region *Region) *Facade {
	async := make(map[string]bool, len(methodBits))
	for name := range methodBits {
		async[name] = backend.HasAsyncMethod(name)
	}
	return &Facade{backend: backend, region: region, async: async}
}

// IsAsync reports the registration-time classification of method.
func (f *Facade) IsAsync(method string) bool { return f.async[method] }

// AsyncMask returns the asynchronous-method bitmask handed to the engine.
func (f *Facade) AsyncMask() uint32 {
	var mask uint32
	for name, bit := range methodBits {
		if f.async[name] {
			mask |= bit
		}
	}
	return mask
}

// MethodMask returns the bitmask of all dispatched methods.
func (f *Facade) MethodMask() uint32 {
	var mask uint32
	for _, bit := range methodBits {
		mask |= bit
	}
	return mask
}

// GetLastError returns the message of the most recent failed call.
func (f *Facade) GetLastError() string {
	if f.lastErr != "" {
		return f.lastErr
	}
	return f.backend.LastError()
}

// invoke runs one backend call under the right context, converts any
// failure to a result code, and never lets a panic cross the boundary.
func (f *Facade) invoke(ctx context.Context, method string, fn func(context.Context) error) (code vfs.Code) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			f.lastErr = fmt.Sprintf("panic in %s: %v", method, r)
			logger.Error("backend panic", logger.KeyMethod, method, logger.KeyError, f.lastErr)
			code = vfs.CodeIOErr
		}
	}()

	// Methods classified synchronous must not block on the caller's
	// context; they get a detached one so a cancelled engine context
	// cannot interrupt a non-suspending call midway.
	callCtx := ctx
	if !f.async[method] {
		callCtx = context.Background()
	}

	err := fn(callCtx)
	code = vfs.CodeOf(err)
	if err != nil && code != vfs.CodeIOErrShortRead {
		f.lastErr = err.Error()
	}

	logger.Debug("vfs call",
		logger.KeyMethod, method,
		logger.KeyStatus, code.String(),
		logger.KeyDurationMs, logger.Duration(start))
	return code
}

// ============================================================================
// Engine-Facing Operations
// ============================================================================

// Open opens rawName (NUL-encoded; nil or empty for a transient file)
// under id. outFlags receives the effective open flags as an int32.
func (f *Facade) Open(ctx context.Context, rawName []byte, id uint32, flags uint32, outFlags *DataView) vfs.Code {
	return f.invoke(ctx, "open", func(ctx context.Context) error {
		var name string
		if len(rawName) > 0 {
			var err error
			if vfs.OpenFlag(flags)&vfs.OpenURI != 0 {
				name, err = DecodeOpenName(rawName)
			} else {
				var path []byte
				path, _, err = nextString(rawName)
				name = string(path)
			}
			if err != nil {
				return vfs.NewError(vfs.CodeCantOpen, "malformed open name: %v", err)
			}
		}

		out, err := f.backend.Open(ctx, name, vfs.FileID(id), vfs.OpenFlag(flags))
		if err != nil {
			return err
		}
		if outFlags != nil {
			return outFlags.SetInt32(int32(out), LittleEndian)
		}
		return nil
	})
}

// Close releases the file registered under id.
func (f *Facade) Close(ctx context.Context, id uint32) vfs.Code {
	return f.invoke(ctx, "close", func(ctx context.Context) error {
		return f.backend.Close(ctx, vfs.FileID(id))
	})
}

// Read fills buf from the 64-bit offset delivered as two halves.
func (f *Facade) Read(ctx context.Context, id uint32, buf *ByteView, offLo, offHi uint32) vfs.Code {
	return f.invoke(ctx, "read", func(ctx context.Context) error {
		return f.backend.Read(ctx, vfs.FileID(id), buf.Bytes(), JoinInt64(offLo, offHi))
	})
}

// Write stores buf at the 64-bit offset delivered as two halves.
func (f *Facade) Write(ctx context.Context, id uint32, buf *ByteView, offLo, offHi uint32) vfs.Code {
	return f.invoke(ctx, "write", func(ctx context.Context) error {
		return f.backend.Write(ctx, vfs.FileID(id), buf.Bytes(), JoinInt64(offLo, offHi))
	})
}

// Truncate sets the file size from a split 64-bit value.
func (f *Facade) Truncate(ctx context.Context, id uint32, sizeLo, sizeHi uint32) vfs.Code {
	return f.invoke(ctx, "truncate", func(ctx context.Context) error {
		return f.backend.Truncate(ctx, vfs.FileID(id), JoinInt64(sizeLo, sizeHi))
	})
}

// Sync flushes the file.
func (f *Facade) Sync(ctx context.Context, id uint32, flags uint32) vfs.Code {
	return f.invoke(ctx, "sync", func(ctx context.Context) error {
		return f.backend.Sync(ctx, vfs.FileID(id), vfs.SyncFlag(flags))
	})
}

// FileSize writes the current size into out as a little-endian int64.
func (f *Facade) FileSize(ctx context.Context, id uint32, out *DataView) vfs.Code {
	return f.invoke(ctx, "fileSize", func(ctx context.Context) error {
		size, err := f.backend.FileSize(ctx, vfs.FileID(id))
		if err != nil {
			return err
		}
		return out.SetInt64(size, LittleEndian)
	})
}

// Lock raises the file lock to level.
func (f *Facade) Lock(ctx context.Context, id uint32, level uint32) vfs.Code {
	return f.invoke(ctx, "lock", func(ctx context.Context) error {
		return f.backend.Lock(ctx, vfs.FileID(id), vfs.LockLevel(level))
	})
}

// Unlock lowers the file lock to level.
func (f *Facade) Unlock(ctx context.Context, id uint32, level uint32) vfs.Code {
	return f.invoke(ctx, "unlock", func(ctx context.Context) error {
		return f.backend.Unlock(ctx, vfs.FileID(id), vfs.LockLevel(level))
	})
}

// CheckReservedLock writes 1 into out when some connection holds a
// reserved or higher lock, 0 otherwise.
func (f *Facade) CheckReservedLock(ctx context.Context, id uint32, out *DataView) vfs.Code {
	return f.invoke(ctx, "checkReservedLock", func(ctx context.Context) error {
		reserved, err := f.backend.CheckReservedLock(ctx, vfs.FileID(id))
		if err != nil {
			return err
		}
		val := int32(0)
		if reserved {
			val = 1
		}
		return out.SetInt32(val, LittleEndian)
	})
}

// FileControl forwards an opcode with its argument.
func (f *Facade) FileControl(ctx context.Context, id uint32, op int32, arg any) vfs.Code {
	return f.invoke(ctx, "fileControl", func(ctx context.Context) error {
		return f.backend.FileControl(ctx, vfs.FileID(id), vfs.FcntlOp(op), arg)
	})
}

// SectorSize reports the backend's sector size.
func (f *Facade) SectorSize(id uint32) int {
	return f.backend.SectorSize(vfs.FileID(id))
}

// DeviceCharacteristics reports the backend's capability bitmap.
func (f *Facade) DeviceCharacteristics(id uint32) uint32 {
	return uint32(f.backend.DeviceCharacteristics(vfs.FileID(id)))
}

// Access writes 1 into out when name satisfies flag, 0 otherwise.
func (f *Facade) Access(ctx context.Context, name string, flag int32, out *DataView) vfs.Code {
	return f.invoke(ctx, "access", func(ctx context.Context) error {
		ok, err := f.backend.Access(ctx, name, vfs.AccessFlag(flag))
		if err != nil {
			return err
		}
		val := int32(0)
		if ok {
			val = 1
		}
		return out.SetInt32(val, LittleEndian)
	})
}

// Delete removes name from the backend's namespace.
func (f *Facade) Delete(ctx context.Context, name string, syncDir bool) vfs.Code {
	return f.invoke(ctx, "delete", func(ctx context.Context) error {
		return f.backend.Delete(ctx, name, syncDir)
	})
}

// FullPathname writes the canonical NUL-terminated path of name into out.
func (f *Facade) FullPathname(ctx context.Context, name string, out *ByteView) vfs.Code {
	return f.invoke(ctx, "fullPathname", func(ctx context.Context) error {
		full, err := f.backend.FullPathname(name)
		if err != nil {
			return err
		}
		dst := out.Bytes()
		if len(full)+1 > len(dst) {
			return vfs.NewError(vfs.CodeCantOpen, "full pathname exceeds %d bytes", len(dst))
		}
		n := copy(dst, full)
		dst[n] = 0
		return nil
	})
}
