package hix

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
)

// Alternative string hashers usable with [WithKeyHasher]. The built-in map
// hasher remains the default; these are for callers that want a stable,
// seed-independent digest or need to match an external hashing scheme.

// HashXXH3 hashes a string key with the XXH3 algorithm.
func HashXXH3(key string, seed uintptr) uintptr {
	return uintptr(xxh3.HashStringSeed(key, uint64(seed)))
}

// HashXXH64 hashes a string key with the 64-bit XXHASH algorithm. The seed is
// folded in after digesting; xxhash's streaming seed support is not needed
// here since the avalanche mixer runs over the result anyway.
func HashXXH64(key string, seed uintptr) uintptr {
	return uintptr(xxhash.Sum64String(key) ^ uint64(seed))
}

// HashMurmur3 hashes a string key with Murmur3.
func HashMurmur3(key string, seed uintptr) uintptr {
	return uintptr(murmur3.Sum64WithSeed([]byte(key), uint32(seed)))
}
