package multikey

import (
	"reflect"
	"slices"
	"sync/atomic"
)

// maxNestingDepth bounds recursion into containers that cannot be tracked
// by identity (value-typed Sequence implementations).
const maxNestingDepth = 256

// Sequence is an ordered, list-like key container. A Sequence key is expanded
// into a multi-component key, so List{1, 2} and []int{1, 2} address the same
// entry, unless the map is built with WithCollectionsNotExpanded.
type Sequence interface {
	Len() int
	At(i int) any
}

// List is a Sequence backed by a slice.
type List []any

func (l List) Len() int     { return len(l) }
func (l List) At(i int) any { return l[i] }

// Cycle marks a self-reference found while expanding a nested key. It
// appears in keys returned by Keys and Entries, and passing it back inside a
// key addresses the same entry.
type Cycle struct {
	ID uintptr
}

type atomKind uint8

const (
	atomValue atomKind = iota
	atomNull
	atomOpen
	atomClose
	atomCycle
)

// atom is one component of an expanded key.
type atom struct {
	kind atomKind
	id   uintptr
	v    any
}

func valueAtom(v any) atom {
	switch x := v.(type) {
	case nil:
		return atom{kind: atomNull}
	case Cycle:
		return atom{kind: atomCycle, id: x.ID}
	}
	return atom{kind: atomValue, v: v}
}

func (a atom) hash(caseSensitive bool) int32 {
	switch a.kind {
	case atomNull:
		return nullHash
	case atomOpen:
		return openHash
	case atomClose:
		return closeHash
	case atomCycle:
		return hashLong(int64(a.id))
	}
	return elementHash(a.v, caseSensitive)
}

type keyKind uint8

const (
	kindSingle    keyKind = iota // one scalar or the null key
	kindTuple                    // flat components
	kindPrimitive                // typed numeric or bool slice
	kindSequence                 // flat Sequence, lookups only
	kindExpanded                 // atoms with nesting markers
)

// components gives indexed access to a flat multi-component key.
type components interface {
	Len() int
	At(i int) any
}

type anySlice []any

func (s anySlice) Len() int     { return len(s) }
func (s anySlice) At(i int) any { return s[i] }

type reflectSlice struct {
	v reflect.Value
}

func (s reflectSlice) Len() int     { return s.v.Len() }
func (s reflectSlice) At(i int) any { return s.v.Index(i).Interface() }

// multiKey is a normalized key.
type multiKey struct {
	kind  keyKind
	arity int
	one   any        // kindSingle, nil is the null key
	comps components // kindTuple, kindPrimitive, kindSequence
	atoms []atom     // kindExpanded
}

var nullKey = multiKey{kind: kindSingle, arity: 1}

// atomAt returns component i of a multi-component key.
func (k *multiKey) atomAt(i int) atom {
	if k.kind == kindExpanded {
		return k.atoms[i]
	}
	return valueAtom(k.comps.At(i))
}

// owned returns a copy of k that does not alias caller memory.
func (k multiKey) owned() multiKey {
	switch k.kind {
	case kindTuple, kindSequence:
		if s, ok := k.comps.(anySlice); ok && k.kind == kindTuple {
			k.comps = slices.Clone(s)
			return k
		}
		s := make(anySlice, k.arity)
		for i := range s {
			s[i] = k.comps.At(i)
		}
		k.kind, k.comps = kindTuple, s
	case kindPrimitive:
		k.comps = k.comps.(primitiveComponents).clone()
	}
	return k
}

// external returns the key in the form handed back to callers: the bare
// value for single keys and a fresh []any for everything else.
func (k *multiKey) external() any {
	switch k.kind {
	case kindSingle:
		return k.one
	case kindExpanded:
		out, _ := rebuild(k.atoms, 0)
		if len(k.atoms) > 0 && k.atoms[0].kind == atomOpen && len(out) == 1 {
			if inner, ok := out[0].([]any); ok {
				return inner
			}
		}
		return out
	}
	out := make([]any, k.arity)
	for i := range out {
		out[i] = k.comps.At(i)
	}
	return out
}

// rebuild turns expanded atoms back into nested slices, stopping at the
// Close that matches the caller's Open.
func rebuild(atoms []atom, i int) ([]any, int) {
	out := make([]any, 0, len(atoms)-i)
	for i < len(atoms) {
		a := atoms[i]
		i++
		switch a.kind {
		case atomOpen:
			var inner []any
			inner, i = rebuild(atoms, i)
			out = append(out, inner)
		case atomClose:
			return out, i
		case atomNull:
			out = append(out, nil)
		case atomCycle:
			out = append(out, Cycle{ID: a.id})
		default:
			out = append(out, a.v)
		}
	}
	return out, i
}

// normalize converts key into its normalized form and hash. The result may
// alias key; call owned before storing it.
func (m *MultiKeyMap[V]) normalize(key any) (multiKey, int32) {
	m.ensureInit()
	switch k := key.(type) {
	case nil:
		return nullKey, nullHash
	case string:
		return multiKey{kind: kindSingle, arity: 1, one: k}, elementHash(k, m.caseSensitive)
	case int, int64, float64, bool:
		return multiKey{kind: kindSingle, arity: 1, one: k}, toNumber(k).hash()
	}

	if p, h, ok := primitiveKey(key); ok {
		if p.Len() == 0 {
			return emptyKey(), 0
		}
		return multiKey{kind: kindPrimitive, arity: p.Len(), comps: p}, h
	}

	comps, kind, ok := m.containerOf(key, false)
	if !ok {
		return multiKey{kind: kindSingle, arity: 1, one: key}, elementHash(key, m.caseSensitive)
	}
	if p, ok := comps.(primitiveComponents); ok {
		// materialized atomic array
		if p.Len() == 0 {
			return emptyKey(), 0
		}
		return multiKey{kind: kindPrimitive, arity: p.Len(), comps: p}, p.hash()
	}
	n := comps.Len()
	if n == 0 {
		return emptyKey(), 0
	}

	h := int32(1)
	for i := 0; i < n; i++ {
		e := comps.At(i)
		if !m.simpleKeys && m.isContainer(e) {
			return m.expand(key)
		}
		h = h*31 + valueAtom(e).hash(m.caseSensitive)
	}
	return multiKey{kind: kind, arity: n, comps: comps}, h
}

func emptyKey() multiKey {
	return multiKey{kind: kindTuple, comps: anySlice(nil)}
}

// containerOf reports whether x is a multi-component container and returns
// indexed access to it. Nested Sequences are always containers; a top-level
// Sequence only when collections are expanded.
func (m *MultiKeyMap[V]) containerOf(x any, nested bool) (components, keyKind, bool) {
	switch v := x.(type) {
	case nil, string:
		return nil, 0, false
	case []any:
		return anySlice(v), kindTuple, true
	case Sequence:
		if !nested && !m.expandCollections {
			return nil, 0, false
		}
		return v, kindSequence, true
	case []atomic.Value:
		s := make(anySlice, len(v))
		for i := range v {
			s[i] = v[i].Load()
		}
		return s, kindTuple, true
	}
	if p, ok := atomicArray(x); ok {
		return p, kindPrimitive, true
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return reflectSlice{rv}, kindTuple, true
	}
	return nil, 0, false
}

// isContainer reports whether a component forces expansion: a nested
// structure, or a Cycle handed back from an earlier expansion.
func (m *MultiKeyMap[V]) isContainer(x any) bool {
	switch x.(type) {
	case nil, string, int, int64, float64, bool:
		return false
	case Sequence, Cycle:
		return true
	}
	switch reflect.TypeOf(x).Kind() {
	case reflect.Slice, reflect.Array:
		return true
	}
	return false
}

// expand walks a nested key depth first. Nesting boundaries become Open and
// Close atoms unless dimensions are flattened; a container met again while
// it is still being walked becomes a Cycle atom.
func (m *MultiKeyMap[V]) expand(key any) (multiKey, int32) {
	atoms := make([]atom, 0, 16)
	visiting := make([]uintptr, 0, 4)
	h := m.expandInto(key, &atoms, &visiting, 1, 0)
	if len(atoms) == 0 {
		// only empty containers, flattened away
		return emptyKey(), 0
	}
	return multiKey{kind: kindExpanded, arity: len(atoms), atoms: atoms}, h
}

func (m *MultiKeyMap[V]) expandInto(x any, atoms *[]atom, visiting *[]uintptr, h int32, depth int) int32 {
	comps, _, ok := m.containerOf(x, true)
	if !ok {
		a := valueAtom(x)
		*atoms = append(*atoms, a)
		return h*31 + a.hash(m.caseSensitive)
	}

	id := identityOf(x)
	if depth >= maxNestingDepth || (id != 0 && slices.Contains(*visiting, id)) {
		a := atom{kind: atomCycle, id: id}
		*atoms = append(*atoms, a)
		return h*31 + a.hash(m.caseSensitive)
	}
	if id != 0 {
		*visiting = append(*visiting, id)
	}

	if !m.flattenDimensions {
		*atoms = append(*atoms, atom{kind: atomOpen})
		h = h*31 + openHash
	}
	for i, n := 0, comps.Len(); i < n; i++ {
		h = m.expandInto(comps.At(i), atoms, visiting, h, depth+1)
	}
	if !m.flattenDimensions {
		*atoms = append(*atoms, atom{kind: atomClose})
		h = h*31 + closeHash
	}

	if id != 0 {
		*visiting = (*visiting)[:len(*visiting)-1]
	}
	return h
}

// keysEqual compares a stored key with a lookup key.
func (m *MultiKeyMap[V]) keysEqual(a, b *multiKey) bool {
	if a.arity != b.arity {
		return false
	}
	if a.kind == kindSingle || b.kind == kindSingle {
		return a.kind == b.kind && elementEquals(a.one, b.one, m.valueBasedEquality, m.caseSensitive)
	}
	if a.arity == 0 {
		return true
	}

	switch {
	case a.kind == kindPrimitive && b.kind == kindPrimitive:
		if eq, same := a.comps.(primitiveComponents).equalSameType(b.comps, m.valueBasedEquality); same {
			return eq
		}
	case a.kind == kindTuple && b.kind == kindTuple:
		if sa, ok := a.comps.(anySlice); ok {
			if sb, ok := b.comps.(anySlice); ok {
				for i := range sa {
					if !elementEquals(sa[i], sb[i], m.valueBasedEquality, m.caseSensitive) {
						return false
					}
				}
				return true
			}
		}
	}

	for i := 0; i < a.arity; i++ {
		if !m.atomsEqual(a.atomAt(i), b.atomAt(i)) {
			return false
		}
	}
	return true
}

func (m *MultiKeyMap[V]) atomsEqual(a, b atom) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case atomValue:
		return elementEquals(a.v, b.v, m.valueBasedEquality, m.caseSensitive)
	case atomCycle:
		return a.id == b.id
	}
	return true
}
