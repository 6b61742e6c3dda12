package hix

import (
	"math/bits"
	"unsafe"
)

// HashFunc is the function used to hash a key. It receives a pointer to the
// key and a per-index seed, matching the built-in map hasher ABI.
type HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr

// mix64 applies a fixed avalanche step to a raw builder hash so the low bits
// are decorrelated before they feed both the cell index and the partial-hash
// filter.
//
// Bitmix: https://mostlymangling.blogspot.com/2019/01/better-stronger-mixer-and-test-procedure.html
//
//go:nosplit
func mix64(h uint64) uint64 {
	h = h ^ bits.RotateLeft64(h, -25) ^ bits.RotateLeft64(h, -50)
	h *= 0xA24BAED4963EE407
	h = h ^ bits.RotateLeft64(h, -24) ^ bits.RotateLeft64(h, -49)
	h *= 0x9FB21C651E98DF25
	h ^= h >> 28
	return h
}

// defaultKeyHasher returns Go's built-in hash function for K. The built-in
// hasher is obtained through the runtime map type descriptor, the same
// function the native map uses internally.
//
// Notes:
//   - This relies on Go's internal type representation and should be
//     verified on each Go version upgrade.
func defaultKeyHasher[K comparable]() HashFunc {
	var m map[K]struct{}
	return iTypeOf(m).MapType().Hasher
}

type (
	iTFlag   uint8
	iKind    uint8
	iNameOff int32
	iTypeOff int32
)

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       iTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       iKind
	Equal       func(unsafe.Pointer, unsafe.Pointer) bool
	GCData      *byte
	Str         iNameOff
	PtrToThis   iTypeOff
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static or heap-allocated but always reachable, so
	// there is no need to escape them.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
