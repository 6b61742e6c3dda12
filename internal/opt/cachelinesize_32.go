//go:build hix_cachelinesize_32

package opt

// CacheLineSize_ forced to 32 bytes via the hix_cachelinesize_32 build tag.
const CacheLineSize_ = 32
