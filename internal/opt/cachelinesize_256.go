//go:build hix_cachelinesize_256

package opt

// CacheLineSize_ forced to 256 bytes via the hix_cachelinesize_256 build tag.
const CacheLineSize_ = 256
