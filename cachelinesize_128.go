//go:build multikey_opt_cachelinesize_128

package multikey

// CacheLineSize is fixed at build time by the multikey_opt_cachelinesize_128 tag.
const CacheLineSize = 128
