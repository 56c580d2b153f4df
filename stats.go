package multikey

import (
	"fmt"
	"strings"
)

// Stats returns statistics for the map. It walks every bucket without
// locking, so it should be used only for diagnostics or debugging.
func (m *MultiKeyMap[V]) Stats() *MapStats {
	m.ensureInit()
	t := m.table.Load()
	stats := &MapStats{
		Capacity:     len(t.buckets),
		Counter:      m.Size(),
		LoadFactor:   m.loadFactor,
		StripeCount:  len(m.stripes),
		TotalGrowths: m.totalGrowths.Load(),
	}
	for i := range t.buckets {
		n := 0
		if c := t.buckets[i].Load(); c != nil {
			n = len(*c)
		}
		stats.Size += n
		if n == 0 {
			stats.EmptyBuckets++
		}
		if n > stats.MaxChainLength {
			stats.MaxChainLength = n
		}
	}
	return stats
}

// MaxChainLength returns the length of the longest bucket chain.
func (m *MultiKeyMap[V]) MaxChainLength() int {
	m.ensureInit()
	maxLen := 0
	t := m.table.Load()
	for i := range t.buckets {
		if c := t.buckets[i].Load(); c != nil {
			maxLen = max(maxLen, len(*c))
		}
	}
	return maxLen
}

// MapStats is MultiKeyMap statistics.
//
// Warning: map statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// Capacity is the number of buckets in the table.
	Capacity int
	// Size is the number of entries found while walking the buckets.
	Size int
	// Counter is the number of entries according to the size counter.
	// Under concurrent modification it may differ from Size.
	Counter int
	// EmptyBuckets is the number of buckets that hold no entries.
	EmptyBuckets int
	// MaxChainLength is the number of entries in the fullest bucket.
	MaxChainLength int
	// LoadFactor is the size/capacity ratio that triggers growth.
	LoadFactor float64
	// StripeCount is the number of write locks.
	StripeCount int
	// TotalGrowths is the number of times the table doubled.
	TotalGrowths uint32
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("Capacity:       %d\n", s.Capacity))
	sb.WriteString(fmt.Sprintf("Size:           %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:        %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("EmptyBuckets:   %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("MaxChainLength: %d\n", s.MaxChainLength))
	sb.WriteString(fmt.Sprintf("LoadFactor:     %g\n", s.LoadFactor))
	sb.WriteString(fmt.Sprintf("StripeCount:    %d\n", s.StripeCount))
	sb.WriteString(fmt.Sprintf("TotalGrowths:   %d\n", s.TotalGrowths))
	sb.WriteString("}\n")
	return sb.String()
}

// ContentionStats describes how often the write locks were waited on.
type ContentionStats struct {
	// TotalAcquisitions counts single-stripe lock acquisitions.
	TotalAcquisitions int64
	// TotalContentions counts acquisitions that had to wait.
	TotalContentions int64
	// ContentionRate is TotalContentions/TotalAcquisitions, 0 when idle.
	ContentionRate float64

	// GlobalLockAcquisitions counts all-stripe acquisitions (resize,
	// clear, clone, copy construction).
	GlobalLockAcquisitions int64
	// GlobalLockContentions counts all-stripe acquisitions that waited on
	// at least one stripe.
	GlobalLockContentions int64

	// MostContendedStripe is the stripe with the most contentions, -1 if
	// no stripe was ever contended.
	MostContendedStripe int
	MostContendedCount  int64
	// LeastUsedStripe is the stripe with the fewest acquisitions.
	LeastUsedStripe int
	LeastUsedCount  int64
	// UnusedStripes is the number of stripes never acquired alone.
	UnusedStripes int

	StripeAcquisitions []int64
	StripeContentions  []int64
}

// ContentionStats returns a snapshot of the lock counters.
func (m *MultiKeyMap[V]) ContentionStats() *ContentionStats {
	m.ensureInit()
	n := len(m.stripes)
	cs := &ContentionStats{
		GlobalLockAcquisitions: m.globalLockAcquisitions.Load(),
		GlobalLockContentions:  m.globalLockContentions.Load(),
		MostContendedStripe:    -1,
		StripeAcquisitions:     make([]int64, n),
		StripeContentions:      make([]int64, n),
	}
	for i := range m.stripes {
		acq := m.stripes[i].acquisitions.Load()
		con := m.stripes[i].contentions.Load()
		cs.StripeAcquisitions[i] = acq
		cs.StripeContentions[i] = con
		cs.TotalAcquisitions += acq
		cs.TotalContentions += con

		if con > cs.MostContendedCount {
			cs.MostContendedStripe, cs.MostContendedCount = i, con
		}
		if i == 0 || acq < cs.LeastUsedCount {
			cs.LeastUsedStripe, cs.LeastUsedCount = i, acq
		}
		if acq == 0 {
			cs.UnusedStripes++
		}
	}
	if cs.TotalAcquisitions > 0 {
		cs.ContentionRate = float64(cs.TotalContentions) / float64(cs.TotalAcquisitions)
	}
	return cs
}

// LogContentionStatistics writes the contention summary to the map's
// logger at Info level.
func (m *MultiKeyMap[V]) LogContentionStatistics() {
	cs := m.ContentionStats()
	m.logger.Info("multi-key map lock contention",
		"stripes", len(cs.StripeAcquisitions),
		"acquisitions", cs.TotalAcquisitions,
		"contentions", cs.TotalContentions,
		"contention_rate", fmt.Sprintf("%.2f%%", cs.ContentionRate*100),
		"most_contended_stripe", cs.MostContendedStripe,
		"most_contended_count", cs.MostContendedCount,
		"least_used_stripe", cs.LeastUsedStripe,
		"least_used_count", cs.LeastUsedCount,
		"unused_stripes", cs.UnusedStripes,
		"global_lock_acquisitions", cs.GlobalLockAcquisitions,
		"global_lock_contentions", cs.GlobalLockContentions,
	)
}
