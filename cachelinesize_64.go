//go:build multikey_opt_cachelinesize_64

package multikey

// CacheLineSize is fixed at build time by the multikey_opt_cachelinesize_64 tag.
const CacheLineSize = 64
