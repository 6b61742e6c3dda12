//go:build hix_cachelinesize_64

package opt

// CacheLineSize_ forced to 64 bytes via the hix_cachelinesize_64 build tag.
const CacheLineSize_ = 64
