//go:build !multikey_opt_cachelinesize_64 && !multikey_opt_cachelinesize_128

package multikey

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is used in structure padding to prevent false sharing
// between neighbouring stripe locks. It's detected by `golang.org/x/sys`.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
