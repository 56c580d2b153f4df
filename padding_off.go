//go:build !multikey_opt_enablepadding

package multikey

import (
	"sync"
	"sync/atomic"
)

const enablePadding = false

// stripe is one lock guarding the bucket indices i with i&stripeMask == its index.
type stripe struct {
	mu           sync.Mutex
	acquisitions atomic.Int64
	contentions  atomic.Int64
}
