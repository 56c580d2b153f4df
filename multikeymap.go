// Package multikey provides MultiKeyMap, a concurrent hash map whose keys
// may be single values or ordered tuples of any number of components,
// including nested arrays and sequences.
//
// Reads never lock. Writers lock one of a fixed set of stripes, and table
// growth briefly locks them all.
package multikey

import (
	"fmt"
	"math/bits"
	"reflect"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

const (
	minStripes = 8
	maxStripes = 32
)

// stripeCount is fixed for the life of the process.
var (
	stripeCount = calcStripeCount(runtime.GOMAXPROCS(0))
	stripeMask  = stripeCount - 1
)

func calcStripeCount(procs int) int {
	return nextPowOf2(min(max(minStripes, procs/2), maxStripes))
}

// MultiKeyMap is a concurrent map from single or multi-component keys to
// values of type V.
//
// A key is any value. Slices, arrays and Sequence values are keys made of
// their components: []any{"a", 1}, List{"a", 1} and the variadic
// StoreMulti(v, "a", 1) all address the same entry. Components nested
// inside components are kept apart by structure unless the map flattens
// dimensions. The null key (nil) is a valid key.
//
// Numeric components compare by value by default, so int 1, int64 1 and
// float64 1.0 are the same component. Use WithStrictEquality to require
// identical types.
//
// Compute-style callbacks run while a stripe lock is held. They must not
// call back into the same map.
//
// The zero MultiKeyMap is empty and ready for use with the default
// configuration. A MultiKeyMap must not be copied after first use.
type MultiKeyMap[V any] struct {
	table        atomic.Pointer[mapTable[V]]
	initState    atomic.Pointer[sync.WaitGroup]
	size         atomic.Int64
	resizing     atomic.Bool
	totalGrowths atomic.Uint32

	stripes                []stripe
	globalLockAcquisitions atomic.Int64
	globalLockContentions  atomic.Int64

	loadFactor         float64
	expandCollections  bool
	flattenDimensions  bool
	simpleKeys         bool
	valueBasedEquality bool
	caseSensitive      bool

	cfg      MapConfig
	valEqual func(a, b V) bool
	logger   hclog.Logger
}

// entry is immutable once published in a chain.
type entry[V any] struct {
	key   multiKey
	hash  int32
	value V
}

// bucketChain is replaced, never modified, once a table is published.
type bucketChain[V any] []*entry[V]

type mapTable[V any] struct {
	buckets []atomic.Pointer[bucketChain[V]]
	mask    int
}

func newMapTable[V any](capacity int) *mapTable[V] {
	return &mapTable[V]{
		buckets: make([]atomic.Pointer[bucketChain[V]], capacity),
		mask:    capacity - 1,
	}
}

func (t *mapTable[V]) index(hash int32) int {
	h := uint32(hash)
	return int(h^h>>16) & t.mask
}

// add appends e to its chain. Only valid before t is published.
func (t *mapTable[V]) add(e *entry[V]) {
	b := &t.buckets[t.index(e.hash)]
	c := b.Load()
	if c == nil {
		b.Store(&bucketChain[V]{e})
		return
	}
	*c = append(*c, e)
}

// NewMultiKeyMap creates an empty map configured by options.
func NewMultiKeyMap[V any](options ...func(*MapConfig)) (*MultiKeyMap[V], error) {
	return NewMultiKeyMapWithEqual[V](nil, options...)
}

// NewMultiKeyMapWithEqual creates an empty map that compares values with
// valEqual in CompareAndSwap, CompareAndDelete, ContainsValue and Equal.
// A nil valEqual selects == for comparable value types.
func NewMultiKeyMapWithEqual[V any](
	valEqual func(a, b V) bool,
	options ...func(*MapConfig),
) (*MultiKeyMap[V], error) {
	cfg := DefaultMapConfig()
	for _, o := range options {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newMultiKeyMap(&cfg, valEqual, tableSizeFor(cfg.Capacity)), nil
}

func newMultiKeyMap[V any](cfg *MapConfig, valEqual func(a, b V) bool, capacity int) *MultiKeyMap[V] {
	m := new(MultiKeyMap[V])
	m.init(cfg, valEqual, capacity)
	return m
}

func (m *MultiKeyMap[V]) init(cfg *MapConfig, valEqual func(a, b V) bool, capacity int) {
	m.stripes = make([]stripe, stripeCount)
	m.loadFactor = cfg.LoadFactor
	m.expandCollections = cfg.ExpandCollections
	m.flattenDimensions = cfg.FlattenDimensions
	m.simpleKeys = cfg.SimpleKeys
	m.valueBasedEquality = cfg.ValueBasedEquality
	m.caseSensitive = cfg.CaseSensitive
	m.cfg = *cfg
	m.valEqual = valEqual
	m.logger = cfg.Logger
	if m.valEqual == nil {
		m.valEqual = defaultValueEqual[V]()
	}
	if m.logger == nil {
		m.logger = hclog.NewNullLogger()
	}
	m.table.Store(newMapTable[V](capacity))

	m.logger.Debug("created multi-key map",
		"capacity", capacity,
		"load_factor", m.loadFactor,
		"stripes", stripeCount,
		"padding", enablePadding,
		"expand_collections", m.expandCollections,
		"flatten_dimensions", m.flattenDimensions,
		"simple_keys", m.simpleKeys,
		"value_based_equality", m.valueBasedEquality,
		"case_sensitive", m.caseSensitive,
	)
}

// ensureInit initializes a zero-value map on first use.
func (m *MultiKeyMap[V]) ensureInit() {
	if m.table.Load() == nil {
		m.initSlow()
	}
}

// initSlow may be called concurrently by multiple goroutines. The first one
// to claim initState builds the table; the others wait for it.
func (m *MultiKeyMap[V]) initSlow() {
	wg := new(sync.WaitGroup)
	wg.Add(1)
	if !m.initState.CompareAndSwap(nil, wg) {
		if w := m.initState.Load(); w != nil {
			w.Wait()
		}
		return
	}
	if m.table.Load() == nil {
		cfg := DefaultMapConfig()
		m.init(&cfg, nil, tableSizeFor(cfg.Capacity))
	}
	wg.Done()
}

// defaultValueEqual returns == for comparable V, nil otherwise. Interface
// values holding non-comparable dynamic types fall back to DeepEqual.
func defaultValueEqual[V any]() func(a, b V) bool {
	t := reflect.TypeFor[V]()
	if !t.Comparable() {
		return nil
	}
	if t.Kind() != reflect.Interface {
		return func(a, b V) bool {
			return any(a) == any(b)
		}
	}
	return func(a, b V) bool {
		x, y := any(a), any(b)
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		if !reflect.TypeOf(x).Comparable() {
			return reflect.DeepEqual(x, y)
		}
		return x == y
	}
}

func (m *MultiKeyMap[V]) lockStripe(bucketIdx int) *stripe {
	s := &m.stripes[bucketIdx&stripeMask]
	if !s.mu.TryLock() {
		s.contentions.Add(1)
		s.mu.Lock()
	}
	s.acquisitions.Add(1)
	return s
}

// lockAll acquires every stripe in ascending order.
func (m *MultiKeyMap[V]) lockAll() {
	m.ensureInit()
	contended := false
	for i := range m.stripes {
		s := &m.stripes[i]
		if !s.mu.TryLock() {
			contended = true
			s.mu.Lock()
		}
	}
	m.globalLockAcquisitions.Add(1)
	if contended {
		m.globalLockContentions.Add(1)
	}
}

func (m *MultiKeyMap[V]) unlockAll() {
	for i := len(m.stripes) - 1; i >= 0; i-- {
		m.stripes[i].mu.Unlock()
	}
}

func (m *MultiKeyMap[V]) findEntry(key *multiKey, hash int32) *entry[V] {
	t := m.table.Load()
	c := t.buckets[t.index(hash)].Load()
	if c == nil {
		return nil
	}
	for _, e := range *c {
		if e.hash == hash && m.keysEqual(&e.key, key) {
			return e
		}
	}
	return nil
}

func (m *MultiKeyMap[V]) find(key any) *entry[V] {
	k, hash := m.normalize(key)
	return m.findEntry(&k, hash)
}

// processEntry runs fn on the entry for key under its stripe lock. fn
// returns the entry to keep (loaded for no change, nil for delete, or a new
// entry whose key and hash are filled in here), plus the results passed
// back to the caller.
func (m *MultiKeyMap[V]) processEntry(
	key *multiKey,
	hash int32,
	fn func(loaded *entry[V]) (*entry[V], V, bool),
) (V, bool) {
	for {
		t := m.table.Load()
		idx := t.index(hash)
		s := m.lockStripe(idx)

		// The table may have been replaced while waiting for the lock.
		if t != m.table.Load() {
			s.mu.Unlock()
			continue
		}

		value, status, inserted := m.processLocked(t, idx, s, key, hash, fn)
		if inserted && float64(m.size.Load()) > float64(len(t.buckets))*m.loadFactor {
			m.tryResize()
		}
		return value, status
	}
}

func (m *MultiKeyMap[V]) processLocked(
	t *mapTable[V],
	idx int,
	s *stripe,
	key *multiKey,
	hash int32,
	fn func(loaded *entry[V]) (*entry[V], V, bool),
) (value V, status bool, inserted bool) {
	defer s.mu.Unlock()

	bucket := &t.buckets[idx]
	chain := bucket.Load()
	var (
		oldEntry *entry[V]
		oldIdx   int
	)
	if chain != nil {
		for i, e := range *chain {
			if e.hash == hash && m.keysEqual(&e.key, key) {
				oldEntry, oldIdx = e, i
				break
			}
		}
	}

	newEntry, value, status := fn(oldEntry)

	if oldEntry != nil {
		if newEntry == oldEntry {
			return value, status, false
		}
		if newEntry != nil {
			// Update keeps the stored key.
			newEntry.key, newEntry.hash = oldEntry.key, oldEntry.hash
			c := slices.Clone(*chain)
			c[oldIdx] = newEntry
			bucket.Store(&c)
			return value, status, false
		}
		// Delete
		if len(*chain) == 1 {
			bucket.Store(nil)
		} else {
			c := slices.Delete(slices.Clone(*chain), oldIdx, oldIdx+1)
			bucket.Store(&c)
		}
		m.size.Add(-1)
		return value, status, false
	}

	if newEntry == nil {
		return value, status, false
	}

	// Insert
	newEntry.key, newEntry.hash = key.owned(), hash
	var c bucketChain[V]
	if chain != nil {
		c = make(bucketChain[V], len(*chain), len(*chain)+1)
		copy(c, *chain)
	}
	c = append(c, newEntry)
	bucket.Store(&c)
	m.size.Add(1)
	return value, status, true
}

// tryResize doubles the table if it is still over its load factor. Only one
// goroutine resizes at a time; the others return immediately.
func (m *MultiKeyMap[V]) tryResize() {
	if !m.resizing.CompareAndSwap(false, true) {
		return
	}
	defer m.resizing.Store(false)

	m.lockAll()
	defer m.unlockAll()

	t := m.table.Load()
	oldLen := len(t.buckets)
	size := m.size.Load()
	if oldLen >= MaxCapacity || float64(size) <= float64(oldLen)*m.loadFactor {
		return
	}

	nt := newMapTable[V](oldLen << 1)
	for i := range t.buckets {
		if c := t.buckets[i].Load(); c != nil {
			for _, e := range *c {
				nt.add(e)
			}
		}
	}
	m.table.Store(nt)
	m.totalGrowths.Add(1)

	m.logger.Debug("resized multi-key map",
		"old_capacity", oldLen,
		"new_capacity", len(nt.buckets),
		"size", size,
	)
}

// Load returns the value stored for key.
func (m *MultiKeyMap[V]) Load(key any) (value V, ok bool) {
	if e := m.find(key); e != nil {
		return e.value, true
	}
	return
}

// LoadMulti is Load with the key given as its components. No components
// is the null key, one component is that key itself.
func (m *MultiKeyMap[V]) LoadMulti(keys ...any) (value V, ok bool) {
	return m.Load(multiKeyOf(keys))
}

// HasKey reports whether key is present.
func (m *MultiKeyMap[V]) HasKey(key any) bool {
	return m.find(key) != nil
}

// HasMultiKey is HasKey with the key given as its components.
func (m *MultiKeyMap[V]) HasMultiKey(keys ...any) bool {
	return m.HasKey(multiKeyOf(keys))
}

// Store sets the value for key.
func (m *MultiKeyMap[V]) Store(key any, value V) {
	m.Swap(key, value)
}

// StoreMulti is Store with the key given as its components.
func (m *MultiKeyMap[V]) StoreMulti(value V, keys ...any) {
	m.Swap(multiKeyOf(keys), value)
}

// Swap stores value for key and returns the previous value if any.
func (m *MultiKeyMap[V]) Swap(key any, value V) (previous V, loaded bool) {
	k, hash := m.normalize(key)
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded != nil {
				return &entry[V]{value: value}, loaded.value, true
			}
			return &entry[V]{value: value}, *new(V), false
		},
	)
}

// SwapMulti is Swap with the key given as its components.
func (m *MultiKeyMap[V]) SwapMulti(value V, keys ...any) (previous V, loaded bool) {
	return m.Swap(multiKeyOf(keys), value)
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it.
func (m *MultiKeyMap[V]) LoadOrStore(key any, value V) (actual V, loaded bool) {
	k, hash := m.normalize(key)
	if e := m.findEntry(&k, hash); e != nil {
		return e.value, true
	}
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded != nil {
				return loaded, loaded.value, true
			}
			return &entry[V]{value: value}, value, false
		},
	)
}

// Delete removes key.
func (m *MultiKeyMap[V]) Delete(key any) {
	m.LoadAndDelete(key)
}

// LoadAndDelete removes key and returns the value it had.
func (m *MultiKeyMap[V]) LoadAndDelete(key any) (value V, loaded bool) {
	k, hash := m.normalize(key)
	if m.findEntry(&k, hash) == nil {
		return
	}
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded != nil {
				return nil, loaded.value, true
			}
			return nil, *new(V), false
		},
	)
}

// LoadAndDeleteMulti is LoadAndDelete with the key given as its components.
func (m *MultiKeyMap[V]) LoadAndDeleteMulti(keys ...any) (value V, loaded bool) {
	return m.LoadAndDelete(multiKeyOf(keys))
}

// Replace stores value only if key is already present.
func (m *MultiKeyMap[V]) Replace(key any, value V) (previous V, replaced bool) {
	k, hash := m.normalize(key)
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded != nil {
				return &entry[V]{value: value}, loaded.value, true
			}
			return nil, *new(V), false
		},
	)
}

// CompareAndSwap replaces the value of key with newValue if the current
// value equals oldValue.
//
// It panics if V is not comparable and the map has no value equality
// function.
func (m *MultiKeyMap[V]) CompareAndSwap(key any, oldValue, newValue V) (swapped bool) {
	valEqual := m.requireValEqual("CompareAndSwap")
	k, hash := m.normalize(key)
	e := m.findEntry(&k, hash)
	if e == nil || !valEqual(e.value, oldValue) {
		return false
	}
	_, swapped = m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded == nil || !valEqual(loaded.value, oldValue) {
				return loaded, *new(V), false
			}
			return &entry[V]{value: newValue}, newValue, true
		},
	)
	return swapped
}

// CompareAndDelete removes key if its current value equals oldValue.
//
// It panics if V is not comparable and the map has no value equality
// function.
func (m *MultiKeyMap[V]) CompareAndDelete(key any, oldValue V) (deleted bool) {
	valEqual := m.requireValEqual("CompareAndDelete")
	k, hash := m.normalize(key)
	e := m.findEntry(&k, hash)
	if e == nil || !valEqual(e.value, oldValue) {
		return false
	}
	_, deleted = m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded == nil || !valEqual(loaded.value, oldValue) {
				return loaded, *new(V), false
			}
			return nil, loaded.value, true
		},
	)
	return deleted
}

func (m *MultiKeyMap[V]) requireValEqual(op string) func(a, b V) bool {
	if m.valEqual == nil {
		panic(fmt.Errorf("%w: called %s when value is not of comparable type", ErrNilFunction, op))
	}
	return m.valEqual
}

func nilFunction(op string) error {
	return fmt.Errorf("%w: %s", ErrNilFunction, op)
}

// ComputeOp tells Compute, ComputeIfPresent and Merge what to do with the
// value returned by their function.
type ComputeOp int

const (
	// CancelOp leaves the map unchanged.
	CancelOp ComputeOp = iota
	// UpdateOp stores the returned value, creating the entry if necessary.
	UpdateOp
	// DeleteOp removes the entry.
	DeleteOp
)

// LoadOrCompute returns the existing value for key if present. Otherwise it
// stores and returns the value computed by valueFn, unless valueFn cancels,
// in which case nothing is stored and the zero value is returned.
//
// valueFn runs while the key's stripe is locked.
func (m *MultiKeyMap[V]) LoadOrCompute(
	key any,
	valueFn func() (newValue V, cancel bool),
) (value V, loaded bool) {
	if valueFn == nil {
		panic(nilFunction("LoadOrCompute"))
	}
	k, hash := m.normalize(key)
	if e := m.findEntry(&k, hash); e != nil {
		return e.value, true
	}
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded != nil {
				return loaded, loaded.value, true
			}
			newValue, cancel := valueFn()
			if cancel {
				return nil, *new(V), false
			}
			return &entry[V]{value: newValue}, newValue, false
		},
	)
}

// ComputeIfPresent applies valueFn to the value of key if present. The ok
// result reports whether key is present afterwards, and actual is its value
// then.
func (m *MultiKeyMap[V]) ComputeIfPresent(
	key any,
	valueFn func(oldValue V) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	if valueFn == nil {
		panic(nilFunction("ComputeIfPresent"))
	}
	k, hash := m.normalize(key)
	if m.findEntry(&k, hash) == nil {
		return
	}
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded == nil {
				return nil, *new(V), false
			}
			newValue, op := valueFn(loaded.value)
			switch op {
			case UpdateOp:
				return &entry[V]{value: newValue}, newValue, true
			case DeleteOp:
				return nil, *new(V), false
			}
			return loaded, loaded.value, true
		},
	)
}

// Compute sets, deletes or keeps the value of key according to the op
// returned by valueFn. The ok result reports whether key is present
// afterwards, and actual is its value then.
//
// valueFn runs while the key's stripe is locked.
func (m *MultiKeyMap[V]) Compute(
	key any,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	if valueFn == nil {
		panic(nilFunction("Compute"))
	}
	k, hash := m.normalize(key)
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded != nil {
				newValue, op := valueFn(loaded.value, true)
				switch op {
				case UpdateOp:
					return &entry[V]{value: newValue}, newValue, true
				case DeleteOp:
					return nil, *new(V), false
				}
				return loaded, loaded.value, true
			}
			newValue, op := valueFn(*new(V), false)
			if op == UpdateOp {
				return &entry[V]{value: newValue}, newValue, true
			}
			return nil, *new(V), false
		},
	)
}

// Merge stores value for key if absent. Otherwise it combines the present
// value with value through mergeFn, whose op decides whether the result is
// stored, the entry removed, or nothing changes.
func (m *MultiKeyMap[V]) Merge(
	key any,
	value V,
	mergeFn func(oldValue, value V) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	if mergeFn == nil {
		panic(nilFunction("Merge"))
	}
	k, hash := m.normalize(key)
	return m.processEntry(&k, hash,
		func(loaded *entry[V]) (*entry[V], V, bool) {
			if loaded == nil {
				return &entry[V]{value: value}, value, true
			}
			newValue, op := mergeFn(loaded.value, value)
			switch op {
			case UpdateOp:
				return &entry[V]{value: newValue}, newValue, true
			case DeleteOp:
				return nil, *new(V), false
			}
			return loaded, loaded.value, true
		},
	)
}

// ContainsValue reports whether some entry holds value. It is O(n).
func (m *MultiKeyMap[V]) ContainsValue(value V) bool {
	found := false
	m.rangeEntries(func(e *entry[V]) bool {
		found = m.valuesEqual(e.value, value)
		return !found
	})
	return found
}

func (m *MultiKeyMap[V]) valuesEqual(a, b V) bool {
	if m.valEqual != nil {
		return m.valEqual(a, b)
	}
	return reflect.DeepEqual(a, b)
}

// Size returns the number of entries.
func (m *MultiKeyMap[V]) Size() int {
	return int(m.size.Load())
}

// IsZero reports whether the map is empty.
func (m *MultiKeyMap[V]) IsZero() bool {
	return m.size.Load() == 0
}

// Clear removes every entry. The capacity is kept.
func (m *MultiKeyMap[V]) Clear() {
	m.lockAll()
	defer m.unlockAll()
	m.table.Store(newMapTable[V](len(m.table.Load().buckets)))
	m.size.Store(0)
}

func multiKeyOf(keys []any) any {
	switch len(keys) {
	case 0:
		return nil
	case 1:
		return keys[0]
	}
	return keys
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if bits.UintSize == 32 {
		v := uint32(n)
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v++
		return int(v)
	}

	v := uint64(n)
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return int(v)
}
