//go:build multikey_opt_enablepadding

package multikey

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// enablePadding is true, each stripe lock is padded to a full cache line so
// that writers hammering adjacent stripes do not share a line.
// It costs CacheLineSize bytes per stripe, which is at most 32 stripes.
const enablePadding = true

// stripe is one lock guarding the bucket indices i with i&stripeMask == its index.
type stripe struct {
	mu           sync.Mutex
	acquisitions atomic.Int64
	contentions  atomic.Int64

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		mu           sync.Mutex
		acquisitions atomic.Int64
		contentions  atomic.Int64
	}{})%CacheLineSize) % CacheLineSize]byte
}
