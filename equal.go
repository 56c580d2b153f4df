package multikey

import (
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
)

// elementEquals compares two key components under the map's equality flags.
// It agrees with elementHash: equal components always hash alike.
func elementEquals(a, b any, valueBased, caseSensitive bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return false
		}
		if caseSensitive {
			return sa == sb
		}
		return strings.EqualFold(sa, sb)
	}
	if _, ok := b.(string); ok {
		return false
	}

	na, nb := toNumber(a), toNumber(b)
	if na.kind != numNone || nb.kind != numNone {
		if na.kind == numNone || nb.kind == numNone {
			return false
		}
		if valueBased {
			return numberEquals(na, nb)
		}
		return strictNumberEquals(a, b, na, nb)
	}
	return naturalEquals(a, b)
}

// numberEquals is the promotion ladder used by value-based equality.
func numberEquals(a, b number) bool {
	switch {
	case a.kind == numBool || b.kind == numBool:
		return a.kind == b.kind && a.b == b.b
	case a.kind == numBig || b.kind == numBig:
		return bigEquals(a, b)
	case a.kind == numInt && b.kind == numInt:
		return a.i == b.i
	case a.kind == numFloat && b.kind == numFloat:
		return a.f == b.f || (a.f != a.f && b.f != b.f)
	}
	i, f := a.i, b.f
	if a.kind == numFloat {
		i, f = b.i, a.f
	}
	return isWholeInt64(f) && int64(f) == i
}

// strictNumberEquals requires identical types. Atomic wrappers and big values
// compare by the value they hold, everything else with ==.
func strictNumberEquals(a, b any, na, nb number) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if na.kind == numBig {
		return bigEquals(na, nb)
	}
	switch a.(type) {
	case *atomic.Int32, *atomic.Int64, *atomic.Uint32, *atomic.Uint64, *atomic.Bool:
		return na.i == nb.i && na.b == nb.b
	}
	return a == b
}

// bigEquals compares two numbers exactly as rationals. Floats enter through
// their shortest decimal form, so 0.1 equals big.NewRat(1, 10).
func bigEquals(a, b number) bool {
	ra, oka := a.rat()
	rb, okb := b.rat()
	if oka && okb {
		return ra.Cmp(rb) == 0
	}
	// infinities have no rational form
	fa, oka := a.float()
	fb, okb := b.float()
	return oka && okb && fa == fb
}

func (n number) rat() (*big.Rat, bool) {
	switch n.kind {
	case numInt:
		return new(big.Rat).SetInt64(n.i), true
	case numFloat:
		if math.IsNaN(n.f) || math.IsInf(n.f, 0) {
			return nil, false
		}
		return new(big.Rat).SetString(strconv.FormatFloat(n.f, 'g', -1, 64))
	case numBig:
		switch v := n.big.(type) {
		case *big.Int:
			return new(big.Rat).SetInt(v), true
		case *big.Rat:
			return v, true
		case *big.Float:
			if v.IsInf() {
				return nil, false
			}
			r, _ := v.Rat(nil)
			return r, true
		}
	}
	return nil, false
}

func (n number) float() (float64, bool) {
	switch n.kind {
	case numFloat:
		return n.f, true
	case numBig:
		if v, ok := n.big.(*big.Float); ok && v.IsInf() {
			f, _ := v.Float64()
			return f, true
		}
	}
	return 0, false
}

// naturalEquals is the per-type equality of values that are neither text nor numbers.
func naturalEquals(a, b any) bool {
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) {
		return false
	}
	if sa, ok := a.(Sequence); ok {
		return sequenceEquals(sa, b.(Sequence), nil, nil, 0)
	}
	if t.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// sequenceEquals is the content equality of opaque Sequence keys. Nested
// Sequences already being walked on either side match only when both sides
// revisit the same instance, mirroring sequenceHash.
func sequenceEquals(a, b Sequence, visitingA, visitingB []uintptr, depth int) bool {
	n := a.Len()
	if n != b.Len() {
		return false
	}
	if depth == 0 && sameIdentity(a, b) {
		return true
	}
	if depth >= maxNestingDepth {
		return false
	}
	if id := identityOf(a); id != 0 {
		visitingA = append(visitingA, id)
	}
	if id := identityOf(b); id != 0 {
		visitingB = append(visitingB, id)
	}
	for i := 0; i < n; i++ {
		x, y := a.At(i), b.At(i)
		sx, okx := x.(Sequence)
		sy, oky := y.(Sequence)
		if !okx && !oky {
			if !elementEquals(x, y, false, true) {
				return false
			}
			continue
		}
		if !okx || !oky || reflect.TypeOf(sx) != reflect.TypeOf(sy) {
			return false
		}
		ix, iy := identityOf(sx), identityOf(sy)
		revisitX := ix != 0 && slices.Contains(visitingA, ix)
		revisitY := iy != 0 && slices.Contains(visitingB, iy)
		if revisitX || revisitY {
			if !revisitX || !revisitY || ix != iy {
				return false
			}
			continue
		}
		if !sequenceEquals(sx, sy, visitingA, visitingB, depth+1) {
			return false
		}
	}
	return true
}

// sameIdentity reports whether a and b are the same container instance.
func sameIdentity(a, b any) bool {
	ia, ib := identityOf(a), identityOf(b)
	return ia != 0 && ia == ib && reflect.TypeOf(a) == reflect.TypeOf(b)
}

// identityOf returns a stable token for reference-like containers, 0 otherwise.
func identityOf(x any) uintptr {
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			return 0
		}
		return v.Pointer()
	case reflect.Pointer, reflect.Map:
		return v.Pointer()
	}
	return 0
}
