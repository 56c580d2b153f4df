package multikey

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Entry is a key-value pair as seen from outside the map. Key is in
// external form: the bare value for single keys and a fresh []any for
// multi-component keys, with nested components as nested []any.
type Entry[V any] struct {
	Key   any `json:"key"`
	Value V   `json:"value"`
}

// rangeEntries visits the entries of the current table. It does not lock;
// entries stored or removed during the walk may or may not be seen.
func (m *MultiKeyMap[V]) rangeEntries(yield func(e *entry[V]) bool) {
	m.ensureInit()
	t := m.table.Load()
	for i := range t.buckets {
		c := t.buckets[i].Load()
		if c == nil {
			continue
		}
		for _, e := range *c {
			if !yield(e) {
				return
			}
		}
	}
}

// Range calls yield for each entry until it returns false.
func (m *MultiKeyMap[V]) Range(yield func(key any, value V) bool) {
	m.rangeEntries(func(e *entry[V]) bool {
		return yield(e.key.external(), e.value)
	})
}

// All is the iterator version of Range.
func (m *MultiKeyMap[V]) All() func(yield func(any, V) bool) {
	return m.Range
}

// Keys returns a snapshot of the keys in external form.
func (m *MultiKeyMap[V]) Keys() []any {
	keys := make([]any, 0, m.Size())
	m.rangeEntries(func(e *entry[V]) bool {
		keys = append(keys, e.key.external())
		return true
	})
	return keys
}

// Values returns a snapshot of the values.
func (m *MultiKeyMap[V]) Values() []V {
	values := make([]V, 0, m.Size())
	m.rangeEntries(func(e *entry[V]) bool {
		values = append(values, e.value)
		return true
	})
	return values
}

// Entries returns a snapshot of the entries.
func (m *MultiKeyMap[V]) Entries() []Entry[V] {
	entries := make([]Entry[V], 0, m.Size())
	m.rangeEntries(func(e *entry[V]) bool {
		entries = append(entries, Entry[V]{Key: e.key.external(), Value: e.value})
		return true
	})
	return entries
}

// StoreEntries stores every entry, in order.
func (m *MultiKeyMap[V]) StoreEntries(entries ...Entry[V]) {
	for _, e := range entries {
		m.Store(e.Key, e.Value)
	}
}

const (
	nullSymbol   = "∅"
	cycleSymbol  = "♻️"
	selfSymbol   = "(this Map ♻️)"
	keySymbol    = "🆔"
	valueSymbol  = "🟣"
	arrowSymbol  = "→"
	emptyMapText = "{}"
)

// String implements fmt.Stringer.
func (m *MultiKeyMap[V]) String() string {
	if m.IsZero() {
		return emptyMapText
	}
	var sb strings.Builder
	sb.WriteString("{\n")
	first := true
	m.rangeEntries(func(e *entry[V]) bool {
		if !first {
			sb.WriteString(",\n")
		}
		first = false
		sb.WriteString("  ")
		sb.WriteString(keySymbol)
		sb.WriteByte(' ')
		m.writeKey(&sb, &e.key)
		sb.WriteByte(' ')
		sb.WriteString(arrowSymbol)
		sb.WriteByte(' ')
		sb.WriteString(valueSymbol)
		sb.WriteByte(' ')
		m.writeComponent(&sb, any(e.value), nil)
		return true
	})
	if first {
		return emptyMapText
	}
	sb.WriteString("\n}")
	return sb.String()
}

func (m *MultiKeyMap[V]) writeKey(sb *strings.Builder, k *multiKey) {
	if k.kind == kindSingle {
		m.writeComponent(sb, k.one, nil)
		return
	}
	parts := k.external().([]any)
	if len(parts) == 1 {
		m.writeComponent(sb, parts[0], nil)
		return
	}
	m.writeList(sb, parts, anySlice(parts), nil)
}

// writeList prints the components of container x. visiting holds the
// identities of the enclosing containers; one met again prints as a cycle.
func (m *MultiKeyMap[V]) writeList(sb *strings.Builder, x any, parts components, visiting []uintptr) {
	id := identityOf(x)
	if len(visiting) >= maxNestingDepth || (id != 0 && slices.Contains(visiting, id)) {
		sb.WriteString(cycleSymbol)
		return
	}
	visiting = append(visiting, id)
	sb.WriteByte('[')
	for i, n := 0, parts.Len(); i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		m.writeComponent(sb, parts.At(i), visiting)
	}
	sb.WriteByte(']')
}

func (m *MultiKeyMap[V]) writeComponent(sb *strings.Builder, x any, visiting []uintptr) {
	switch v := x.(type) {
	case nil:
		sb.WriteString(nullSymbol)
	case Cycle:
		sb.WriteString(cycleSymbol)
	case []any:
		m.writeList(sb, v, anySlice(v), visiting)
	case Sequence:
		m.writeList(sb, v, v, visiting)
	case *MultiKeyMap[V]:
		if v == m {
			sb.WriteString(selfSymbol)
			return
		}
		sb.WriteString(v.String())
	default:
		fmt.Fprint(sb, v)
	}
}

// Equal reports whether other holds the same keys, each mapped to an equal
// value. Keys are looked up under other's configuration.
func (m *MultiKeyMap[V]) Equal(other *MultiKeyMap[V]) bool {
	if other == nil {
		return false
	}
	if m == other {
		return true
	}
	if m.Size() != other.Size() {
		return false
	}
	equal := true
	m.rangeEntries(func(e *entry[V]) bool {
		v, ok := other.Load(e.key.external())
		equal = ok && m.valuesEqual(e.value, v)
		return equal
	})
	return equal
}

// HashCode returns the sum over entries of the key hash XOR the value hash.
// Maps that are Equal under the default value equality have equal hash codes.
func (m *MultiKeyMap[V]) HashCode() int32 {
	var h int32
	m.rangeEntries(func(e *entry[V]) bool {
		h += e.hash ^ elementHash(any(e.value), true)
		return true
	})
	return h
}

// Clone returns a copy of the map with the same configuration. The copy is
// taken while all stripes are locked, so it is a consistent snapshot.
func (m *MultiKeyMap[V]) Clone() *MultiKeyMap[V] {
	m.lockAll()
	defer m.unlockAll()

	t := m.table.Load()
	clone := newMultiKeyMap(&m.cfg, m.valEqual, len(t.buckets))
	nt := clone.table.Load()
	for i := range t.buckets {
		if c := t.buckets[i].Load(); c != nil {
			// entries are immutable, so chains can share them
			nc := make(bucketChain[V], len(*c))
			copy(nc, *c)
			nt.buckets[i].Store(&nc)
		}
	}
	clone.size.Store(m.size.Load())
	clone.totalGrowths.Store(m.totalGrowths.Load())
	return clone
}

// NewMultiKeyMapFrom creates a map holding a consistent snapshot of source.
// It starts from source's configuration, applies options on top, and sizes
// the table for source's entries.
func NewMultiKeyMapFrom[V any](source *MultiKeyMap[V], options ...func(*MapConfig)) (*MultiKeyMap[V], error) {
	if source == nil {
		return nil, ErrNilSource
	}

	source.lockAll()
	entries := source.Entries()
	source.unlockAll()

	cfg := source.cfg
	cfg.Capacity = max(cfg.Capacity, int(float64(len(entries))/cfg.LoadFactor)+1)
	for _, o := range options {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("copy construction: %w", err)
	}

	m := newMultiKeyMap(&cfg, source.valEqual, tableSizeFor(cfg.Capacity))
	m.StoreEntries(entries...)
	return m, nil
}

var (
	jsonMarshal   func(v any) ([]byte, error)
	jsonUnmarshal func(data []byte, v any) error
)

// SetDefaultJSONMarshal sets the default JSON serialization and deserialization functions.
// If not set, the standard library is used by default.
func SetDefaultJSONMarshal(marshal func(v any) ([]byte, error), unmarshal func(data []byte, v any) error) {
	jsonMarshal, jsonUnmarshal = marshal, unmarshal
}

// MarshalJSON encodes the map as a list of {"key": ..., "value": ...}
// objects, since keys need not be strings.
func (m *MultiKeyMap[V]) MarshalJSON() ([]byte, error) {
	if jsonMarshal != nil {
		return jsonMarshal(m.Entries())
	}
	return json.Marshal(m.Entries())
}

// UnmarshalJSON stores the entries of a list produced by MarshalJSON.
// Existing entries are kept. JSON arrays become multi-component keys and
// JSON numbers become float64, which match integer components under
// value-based equality. A zero MultiKeyMap gets the default configuration.
func (m *MultiKeyMap[V]) UnmarshalJSON(data []byte) error {
	m.ensureInit()
	var entries []Entry[V]
	if jsonUnmarshal != nil {
		if err := jsonUnmarshal(data, &entries); err != nil {
			return err
		}
	} else {
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
	}
	m.StoreEntries(entries...)
	return nil
}
