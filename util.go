package hix

import (
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/llxisdsh/hix/internal/opt"
)

// ============================================================================
// Private Constants
// ============================================================================

// cacheLineSize is the size of a cache line in bytes.
const cacheLineSize = opt.CacheLineSize_

const (
	// opByteIdx reserves the highest byte of meta for extended status flags:
	// bit 7 is the cell's exclusive lock, bit 6 marks a killed cell.
	opByteIdx  = 7
	lockMask   = uint64(1) << (opByteIdx*8 + 7)
	killedMask = uint64(1) << (opByteIdx*8 + 6)
	opMask     = lockMask | killedMask

	// entriesPerGroup defines the number of entry pointers per cell group.
	// Computed at compile time so a group packs tightly into cache lines:
	//
	//   ptrSize  = sizeof(unsafe.Pointer)
	//   overhead = 8(meta) + ptrSize(next) + 8(num, padded)
	//   target   = min(CacheLineSize, base), base = 32 on 32-bit, 64 on 64-bit
	//   entries  = min(opByteIdx-1, (target - overhead) / ptrSize)
	//
	// The op byte of meta never holds an entry tag, so entriesPerGroup can
	// never exceed opByteIdx.
	pointerSize   = int(unsafe.Sizeof(unsafe.Pointer(nil)))
	groupOverhead = int(unsafe.Sizeof(struct {
		meta uint64
		next unsafe.Pointer
		num  uint64
	}{}))
	maxGroupBytes   = min(int(cacheLineSize), 32+32*(pointerSize/8))
	entriesPerGroup = min(opByteIdx-1, (maxGroupBytes-groupOverhead)/pointerSize)

	// Metadata constants for cell entry management
	metaEmpty uint64 = 0
	metaMask  uint64 = 0x8080808080808080 >>
		(64 - min(entriesPerGroup*8, 64))
	slotEmpty uint8 = 0
	slotMask  uint8 = 0x80
)

// Capacity and resizing configuration
const (
	// defaultCapacity is both the fallback initial capacity and the shrink
	// floor when no explicit capacity is configured.
	defaultCapacity = 64
	// cellCapacity is the per-cell entry ceiling; one cell reaching it is
	// treated as a resize signal. The table capacity is numCells*cellCapacity.
	cellCapacity = 32
	// maxResizingFactor bounds a single resize to growing the capacity by at
	// most 2^maxResizingFactor.
	maxResizingFactor = 6
	// maxSampleCells caps the number of cells a resize samples to estimate
	// the total entry count.
	maxSampleCells = 4096
	// rehashChunkSize is the number of old-generation cells one migration
	// step claims.
	rehashChunkSize = 8
)

const (
	intSize = 32 << (^uint(0) >> 63) // 32 or 64
	maxInt  = 1<<(intSize-1) - 1

	// maxCapacity is the largest table capacity a resize may reach.
	maxCapacity = 1 << (intSize - 2)
)

// ============================================================================
// Utility Functions
// ============================================================================

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal
// to n. Compatible with both 32-bit and 64-bit systems.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	if intSize == 64 {
		v |= v >> 32
	}
	return v + 1
}

// noescape hides a pointer from escape analysis. noescape is
// the identity function, but escape analysis doesn't think the
// output depends on the input. noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:all
	//goland:noinspection ALL
	return unsafe.Pointer(x ^ 0)
}

//go:nosplit
//go:nocheckptr
func noEscape[T any](p *T) *T {
	return (*T)(noescape(unsafe.Pointer(p)))
}

// ============================================================================
// SWAR Utilities
// ============================================================================

// broadcast replicates a byte value across all bytes of an uint64.
//
//go:nosplit
func broadcast(b uint8) uint64 {
	return 0x101010101010101 * uint64(b)
}

// firstMarkedByteIndex finds the index of the first marked byte in an uint64.
//
//go:nosplit
func firstMarkedByteIndex(w uint64) int {
	return bits.TrailingZeros64(w) >> 3
}

// markZeroBytes implements SWAR (SIMD Within A Register) byte search.
// It may produce false positives (e.g., for 0x0100), so matches must be
// verified by full key comparison. Returns an uint64 with the most
// significant bit of each byte set if that byte is zero.
//
//go:nosplit
func markZeroBytes(w uint64) uint64 {
	return (w - 0x0101010101010101) & (^w) & metaMask
}

// setByte sets the byte at index idx in the uint64 w to the value b.
//
//go:nosplit
func setByte(w uint64, b uint8, idx int) uint64 {
	shift := idx << 3
	return (w &^ (0xff << shift)) | (uint64(b) << shift)
}

// ============================================================================
// Slice Utilities
// ============================================================================

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

//go:nosplit
func (s unsafeSlice[T]) At(i int) *T {
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(*new(T))*uintptr(i)))
}

// ============================================================================
// Locker Utilities
// ============================================================================

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()

// ============================================================================
// Atomic Utilities
// ============================================================================

// isTSO_ detects TSO architectures; on TSO, plain reads/writes are safe for
// pointers and native word-sized integers
const isTSO_ = !opt.Race_ &&
	(runtime.GOARCH == "amd64" ||
		runtime.GOARCH == "386" ||
		runtime.GOARCH == "s390x")

// loadPtr loads a pointer atomically on non-TSO architectures.
// On TSO architectures, it performs a plain pointer load.
//
//go:nosplit
func loadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	if opt.Race_ {
		return atomic.LoadPointer(addr)
	} else {
		if isTSO_ {
			return *addr
		} else {
			return atomic.LoadPointer(addr)
		}
	}
}

// storePtr stores a pointer atomically on non-TSO architectures.
// On TSO architectures, it performs a plain pointer store.
//
//go:nosplit
func storePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	if opt.Race_ {
		atomic.StorePointer(addr, val)
	} else {
		if isTSO_ {
			*addr = val
		} else {
			atomic.StorePointer(addr, val)
		}
	}
}

// loadInt aligned integer load; plain on TSO when width matches,
// otherwise atomic
//
//go:nosplit
func loadInt[T ~uint32 | ~uint64 | ~uintptr](addr *T) T {
	if opt.Race_ {
		if unsafe.Sizeof(T(0)) == 4 {
			return T(atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))))
		} else {
			return T(atomic.LoadUint64((*uint64)(unsafe.Pointer(addr))))
		}
	} else {
		if unsafe.Sizeof(T(0)) == 4 {
			if isTSO_ {
				return *addr
			} else {
				return T(atomic.LoadUint32((*uint32)(unsafe.Pointer(addr))))
			}
		} else {
			if isTSO_ && intSize == 64 {
				return *addr
			} else {
				return T(atomic.LoadUint64((*uint64)(unsafe.Pointer(addr))))
			}
		}
	}
}

// storeInt aligned integer store; plain on TSO when width matches,
// otherwise atomic
//
//go:nosplit
func storeInt[T ~uint32 | ~uint64 | ~uintptr](addr *T, val T) {
	if opt.Race_ {
		if unsafe.Sizeof(T(0)) == 4 {
			atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), uint32(val))
		} else {
			atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), uint64(val))
		}
	} else {
		if unsafe.Sizeof(T(0)) == 4 {
			if isTSO_ {
				*addr = val
			} else {
				atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), uint32(val))
			}
		} else {
			if isTSO_ && intSize == 64 {
				*addr = val
			} else {
				atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), uint64(val))
			}
		}
	}
}

// loadIntFast performs a non-atomic read, safe only when the caller holds
// the relevant cell lock.
//
//go:nosplit
func loadIntFast[T ~uint32 | ~uint64 | ~uintptr](addr *T) T {
	if opt.Race_ {
		return loadInt(addr)
	} else {
		return *addr
	}
}
