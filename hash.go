package multikey

import (
	"hash/maphash"
	"math"
	"math/big"
	"reflect"
	"slices"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hashes of the structural atoms. Open and Close reuse the character codes
// of '[' and ']'; a null component hashes like a null key.
const (
	nullHash  int32 = 0
	openHash  int32 = '['
	closeHash int32 = ']'
	trueHash  int32 = 1231
	falseHash int32 = 1237

	canonicalNaNBits uint64 = 0x7ff8000000000000

	// bounds of the float64 values that convert to int64 exactly when whole
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

// comparableSeed is shared by every map so that stored hashes can be reused
// when entries move between maps with the same configuration.
var comparableSeed = maphash.MakeSeed()

// hashLong folds a 64-bit integer into 32 bits.
func hashLong(v int64) int32 {
	return int32(v ^ int64(uint64(v)>>32))
}

// fold64 folds a 64-bit hash into 32 bits.
func fold64(h uint64) int32 {
	return int32(h ^ h>>32)
}

// hashFloat hashes a float so that whole values in int64 range collide with
// the equal integer.
func hashFloat(f float64) int32 {
	if f != f {
		return hashLong(int64(canonicalNaNBits))
	}
	if isWholeInt64(f) {
		return hashLong(int64(f))
	}
	return hashLong(int64(math.Float64bits(f)))
}

func isWholeInt64(f float64) bool {
	return f >= minInt64Float && f < maxInt64Float && f == math.Trunc(f)
}

func hashBool(b bool) int32 {
	if b {
		return trueHash
	}
	return falseHash
}

// stringHash is the case-sensitive string hash.
func stringHash(s string) int32 {
	return fold64(xxhash.Sum64String(s))
}

// foldedStringHash hashes s so that strings.EqualFold-equal strings collide.
func foldedStringHash(s string) int32 {
	h := murmur3.New32()
	var buf [utf8.UTFMax]byte
	for _, r := range s {
		n := utf8.EncodeRune(buf[:], foldRune(r))
		_, _ = h.Write(buf[:n])
	}
	return int32(h.Sum32())
}

// foldRune maps r to the smallest rune of its case-folding orbit.
func foldRune(r rune) rune {
	if r < utf8.RuneSelf {
		if 'a' <= r && r <= 'z' {
			r -= 'a' - 'A'
		}
		return r
	}
	lowest := r
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		if f < lowest {
			lowest = f
		}
	}
	return lowest
}

type numKind uint8

const (
	numNone numKind = iota
	numInt
	numFloat
	numBig
	numBool
)

// number is a decoded numeric or boolean key component.
type number struct {
	kind numKind
	i    int64
	f    float64
	b    bool
	big  any // *big.Int, *big.Rat or *big.Float
}

// toNumber decodes x when it is a number, a boolean or an atomic wrapper of one.
func toNumber(x any) number {
	switch v := x.(type) {
	case int:
		return number{kind: numInt, i: int64(v)}
	case int64:
		return number{kind: numInt, i: v}
	case int32:
		return number{kind: numInt, i: int64(v)}
	case int16:
		return number{kind: numInt, i: int64(v)}
	case int8:
		return number{kind: numInt, i: int64(v)}
	case uint8:
		return number{kind: numInt, i: int64(v)}
	case uint16:
		return number{kind: numInt, i: int64(v)}
	case uint32:
		return number{kind: numInt, i: int64(v)}
	case uint:
		return fromUint64(uint64(v))
	case uint64:
		return fromUint64(v)
	case uintptr:
		return fromUint64(uint64(v))
	case float64:
		return number{kind: numFloat, f: v}
	case float32:
		return number{kind: numFloat, f: float64(v)}
	case bool:
		return number{kind: numBool, b: v}
	case *atomic.Int32:
		if v != nil {
			return number{kind: numInt, i: int64(v.Load())}
		}
	case *atomic.Int64:
		if v != nil {
			return number{kind: numInt, i: v.Load()}
		}
	case *atomic.Uint32:
		if v != nil {
			return number{kind: numInt, i: int64(v.Load())}
		}
	case *atomic.Uint64:
		if v != nil {
			return fromUint64(v.Load())
		}
	case *atomic.Bool:
		if v != nil {
			return number{kind: numBool, b: v.Load()}
		}
	case *big.Int:
		if v != nil {
			return number{kind: numBig, big: v}
		}
	case *big.Rat:
		if v != nil {
			return number{kind: numBig, big: v}
		}
	case *big.Float:
		if v != nil {
			return number{kind: numBig, big: v}
		}
	}
	return number{}
}

func fromUint64(u uint64) number {
	if u <= math.MaxInt64 {
		return number{kind: numInt, i: int64(u)}
	}
	return number{kind: numBig, big: new(big.Int).SetUint64(u)}
}

func (n number) hash() int32 {
	switch n.kind {
	case numInt:
		return hashLong(n.i)
	case numFloat:
		return hashFloat(n.f)
	case numBool:
		return hashBool(n.b)
	case numBig:
		return bigHash(n.big)
	}
	return 0
}

// bigHash hashes whole values that fit int64 like integers and everything
// else through the nearest float64, matching hashFloat for equal values.
func bigHash(x any) int32 {
	switch v := x.(type) {
	case *big.Int:
		if v.IsInt64() {
			return hashLong(v.Int64())
		}
		f, _ := new(big.Float).SetInt(v).Float64()
		return hashFloat(f)
	case *big.Rat:
		if v.IsInt() && v.Num().IsInt64() {
			return hashLong(v.Num().Int64())
		}
		f, _ := v.Float64()
		return hashFloat(f)
	case *big.Float:
		if v.IsInt() {
			if i, acc := v.Int64(); acc == big.Exact {
				return hashLong(i)
			}
		}
		f, _ := v.Float64()
		return hashFloat(f)
	}
	return 0
}

// elementHash hashes one key component. Numbers hash by value in every
// mode, so strict equality only adds collisions, never misses.
func elementHash(x any, caseSensitive bool) int32 {
	switch v := x.(type) {
	case nil:
		return nullHash
	case string:
		if caseSensitive {
			return stringHash(v)
		}
		return foldedStringHash(v)
	}
	if n := toNumber(x); n.kind != numNone {
		return n.hash()
	}
	if s, ok := x.(Sequence); ok {
		return sequenceHash(s, nil, 0)
	}
	return opaqueHash(x)
}

// opaqueHash hashes values that are neither text nor numbers.
func opaqueHash(x any) int32 {
	t := reflect.TypeOf(x)
	if t.Comparable() {
		return fold64(maphash.Comparable(comparableSeed, x))
	}
	// consistent with reflect.DeepEqual: same type and same length
	h := stringHash(t.String())
	switch v := reflect.ValueOf(x); v.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		h = h*31 + int32(v.Len())
	}
	return h
}

// sequenceHash is the content hash of an opaque Sequence key. visiting
// holds the identities of the enclosing Sequences; a nested Sequence met
// again hashes like a Cycle atom instead of being walked.
func sequenceHash(s Sequence, visiting []uintptr, depth int) int32 {
	if depth >= maxNestingDepth {
		return closeHash
	}
	if id := identityOf(s); id != 0 {
		visiting = append(visiting, id)
	}
	h := int32(1)
	for i, n := 0, s.Len(); i < n; i++ {
		e := s.At(i)
		inner, ok := e.(Sequence)
		if !ok {
			h = h*31 + elementHash(e, true)
			continue
		}
		if id := identityOf(inner); id != 0 && slices.Contains(visiting, id) {
			h = h*31 + hashLong(int64(id))
			continue
		}
		h = h*31 + sequenceHash(inner, visiting, depth+1)
	}
	return h
}
