package multikey

import (
	"slices"
	"sync/atomic"
)

type primitive interface {
	int | int8 | int16 | int32 | int64 |
		uint | uint8 | uint16 | uint32 | uint64 | uintptr |
		float32 | float64 | bool
}

// primitiveComponents is a typed numeric or boolean array used as a key
// without boxing its elements.
type primitiveComponents interface {
	components
	hash() int32
	clone() primitiveComponents
	// equalSameType compares with other when both have the same element
	// type; same is false otherwise.
	equalSameType(other components, valueBased bool) (eq, same bool)
}

type primitiveSlice[T primitive] []T

func (s primitiveSlice[T]) Len() int     { return len(s) }
func (s primitiveSlice[T]) At(i int) any { return s[i] }

func (s primitiveSlice[T]) clone() primitiveComponents {
	return slices.Clone(s)
}

func (s primitiveSlice[T]) hash() int32 {
	switch v := any(s).(type) {
	case primitiveSlice[int]:
		return hashInts(v)
	case primitiveSlice[int8]:
		return hashInts(v)
	case primitiveSlice[int16]:
		return hashInts(v)
	case primitiveSlice[int32]:
		return hashInts(v)
	case primitiveSlice[int64]:
		return hashInts(v)
	case primitiveSlice[uint]:
		return hashUints(v)
	case primitiveSlice[uint8]:
		return hashUints(v)
	case primitiveSlice[uint16]:
		return hashUints(v)
	case primitiveSlice[uint32]:
		return hashUints(v)
	case primitiveSlice[uint64]:
		return hashUints(v)
	case primitiveSlice[uintptr]:
		return hashUints(v)
	case primitiveSlice[float32]:
		return hashFloats(v)
	case primitiveSlice[float64]:
		return hashFloats(v)
	case primitiveSlice[bool]:
		return hashBools(v)
	}
	return 0
}

func (s primitiveSlice[T]) equalSameType(other components, valueBased bool) (bool, bool) {
	o, ok := other.(primitiveSlice[T])
	if !ok {
		return false, false
	}
	if len(s) != len(o) {
		return false, true
	}
	for i := range s {
		if s[i] != o[i] {
			// NaN components match only under value-based equality
			if !valueBased || s[i] == s[i] || o[i] == o[i] {
				return false, true
			}
		}
	}
	return true, true
}

func hashInts[T int | int8 | int16 | int32 | int64](s []T) int32 {
	h := int32(1)
	for _, v := range s {
		h = h*31 + hashLong(int64(v))
	}
	return h
}

func hashUints[T uint | uint8 | uint16 | uint32 | uint64 | uintptr](s []T) int32 {
	h := int32(1)
	for _, v := range s {
		h = h*31 + fromUint64(uint64(v)).hash()
	}
	return h
}

func hashFloats[T float32 | float64](s []T) int32 {
	h := int32(1)
	for _, v := range s {
		h = h*31 + hashFloat(float64(v))
	}
	return h
}

func hashBools(s []bool) int32 {
	h := int32(1)
	for _, v := range s {
		h = h*31 + hashBool(v)
	}
	return h
}

// primitiveKey recognizes typed primitive slices and returns them with
// their key hash.
func primitiveKey(key any) (primitiveComponents, int32, bool) {
	var p primitiveComponents
	switch v := key.(type) {
	case []int:
		p = primitiveSlice[int](v)
	case []int8:
		p = primitiveSlice[int8](v)
	case []int16:
		p = primitiveSlice[int16](v)
	case []int32:
		p = primitiveSlice[int32](v)
	case []int64:
		p = primitiveSlice[int64](v)
	case []uint:
		p = primitiveSlice[uint](v)
	case []uint8:
		p = primitiveSlice[uint8](v)
	case []uint16:
		p = primitiveSlice[uint16](v)
	case []uint32:
		p = primitiveSlice[uint32](v)
	case []uint64:
		p = primitiveSlice[uint64](v)
	case []uintptr:
		p = primitiveSlice[uintptr](v)
	case []float32:
		p = primitiveSlice[float32](v)
	case []float64:
		p = primitiveSlice[float64](v)
	case []bool:
		p = primitiveSlice[bool](v)
	default:
		return nil, 0, false
	}
	return p, p.hash(), true
}

// atomicArray snapshots arrays of atomic numbers into primitive arrays.
func atomicArray(x any) (primitiveComponents, bool) {
	switch v := x.(type) {
	case []atomic.Int32:
		s := make(primitiveSlice[int32], len(v))
		for i := range v {
			s[i] = v[i].Load()
		}
		return s, true
	case []atomic.Int64:
		s := make(primitiveSlice[int64], len(v))
		for i := range v {
			s[i] = v[i].Load()
		}
		return s, true
	case []atomic.Uint32:
		s := make(primitiveSlice[uint32], len(v))
		for i := range v {
			s[i] = v[i].Load()
		}
		return s, true
	case []atomic.Uint64:
		s := make(primitiveSlice[uint64], len(v))
		for i := range v {
			s[i] = v[i].Load()
		}
		return s, true
	case []atomic.Bool:
		s := make(primitiveSlice[bool], len(v))
		for i := range v {
			s[i] = v[i].Load()
		}
		return s, true
	}
	return nil, false
}
