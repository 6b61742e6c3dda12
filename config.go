package hix

import (
	"unsafe"
)

// ============================================================================
// Configuration
// ============================================================================

// IndexConfig defines configurable options for HashIndex initialization.
type IndexConfig struct {
	// keyHash specifies a custom hash function for keys.
	// If nil, the built-in hash function will be used.
	keyHash HashFunc

	// capacity provides an estimate of the expected number of entries.
	// The underlying table is pre-allocated with at least this capacity and
	// never shrinks below it. If zero or negative, defaultCapacity is used.
	// The actual capacity is rounded up to the next power of 2.
	capacity int
}

// WithCapacity configures a new HashIndex instance with capacity enough to
// hold cap entries. The capacity is treated as the minimal capacity, meaning
// that the underlying table will never shrink to a smaller capacity. If cap
// is zero or negative, the value is ignored.
func WithCapacity(cap int) func(*IndexConfig) {
	return func(c *IndexConfig) {
		c.capacity = cap
	}
}

// WithKeyHasher sets a custom key hashing function for the index.
//
// The configured function feeds the avalanche mixing step, so it only needs
// to produce a well-distributed raw hash; low-bit quality is taken care of
// by the mixer.
//
// Usage:
//
//	h := New[string, int](WithKeyHasher(HashXXH3))
func WithKeyHasher[K comparable](
	keyHash func(key K, seed uintptr) uintptr,
) func(*IndexConfig) {
	return func(c *IndexConfig) {
		if keyHash != nil {
			c.keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
				return keyHash(*(*K)(ptr), seed)
			}
		}
	}
}

// WithKeyHasherUnsafe sets a low-level key hashing function operating
// directly on the key's memory. Use this when you need maximum performance
// and are comfortable with unsafe operations.
//
// Notes:
//   - The function must correctly interpret the pointed-to key type.
//   - Incorrect pointer operations will cause crashes or memory corruption.
func WithKeyHasherUnsafe(hs HashFunc) func(*IndexConfig) {
	return func(c *IndexConfig) {
		c.keyHash = hs
	}
}
