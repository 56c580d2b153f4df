package multikey

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func newTestMap[V any](t testing.TB, options ...func(*MapConfig)) *MultiKeyMap[V] {
	t.Helper()
	m, err := NewMultiKeyMap[V](options...)
	if err != nil {
		t.Fatalf("NewMultiKeyMap: %v", err)
	}
	return m
}

// testKey is a three-component key unique to i.
func testKey(i int) []any {
	return []any{"svc", i, strconv.Itoa(i)}
}

func expectPresentMultiKeyMap[V comparable](t *testing.T, key any, want V) func(got V, ok bool) {
	t.Helper()
	return func(got V, ok bool) {
		t.Helper()

		if !ok {
			t.Errorf("expected key %v to be present in map", key)
		}
		if ok && got != want {
			t.Errorf("expected key %v to have value %v, got %v", key, want, got)
		}
	}
}

func expectMissingMultiKeyMap[V comparable](t *testing.T, key any, want V) func(got V, ok bool) {
	t.Helper()
	if want != *new(V) {
		panic("expectMissingMultiKeyMap must always have a zero value variable")
	}
	return func(got V, ok bool) {
		t.Helper()

		if ok {
			t.Errorf("expected key %v to be missing from map, got value %v", key, got)
		}
		if !ok && got != want {
			t.Errorf("expected missing key %v to be paired with the zero value; got %v", key, got)
		}
	}
}

func expectPanicMultiKeyMap(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected a panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("panic value %v, want %v", r, target)
		}
	}()
	fn()
}

func sizeBasedOnRange[V any](m *MultiKeyMap[V]) int {
	size := 0
	m.Range(func(key any, value V) bool {
		size++
		return true
	})
	return size
}

func TestMultiKeyMap_MissingEntry(t *testing.T) {
	m := newTestMap[string](t)
	v, ok := m.Load("foo")
	if ok {
		t.Fatalf("value was not expected: %v", v)
	}
	if deleted, loaded := m.LoadAndDelete("foo"); loaded {
		t.Fatalf("value was not expected %v", deleted)
	}
	if actual, loaded := m.LoadOrStore("foo", "bar"); loaded {
		t.Fatalf("value was not expected %v", actual)
	}
}

func TestMultiKeyMap_EmptyStringKey(t *testing.T) {
	m := newTestMap[string](t)
	m.Store("", "foobar")
	expectPresentMultiKeyMap(t, "", "foobar")(m.Load(""))
	expectMissingMultiKeyMap(t, nil, "")(m.Load(nil))
}

func TestMultiKeyMap_NullKey(t *testing.T) {
	m := newTestMap[int](t)
	m.Store(nil, 1)
	expectPresentMultiKeyMap(t, nil, 1)(m.Load(nil))
	expectPresentMultiKeyMap(t, "LoadMulti()", 1)(m.LoadMulti())
	if !m.HasMultiKey() {
		t.Fatal("null key expected through HasMultiKey")
	}
	keys := m.Keys()
	if len(keys) != 1 || keys[0] != nil {
		t.Fatalf("unexpected keys: %v", keys)
	}

	m.StoreMulti(2, nil, "a")
	expectPresentMultiKeyMap(t, "[nil a]", 2)(m.Load([]any{nil, "a"}))
	expectMissingMultiKeyMap(t, "[a nil]", 0)(m.Load([]any{"a", nil}))
}

func TestMultiKeyMap_MultiKeyForms(t *testing.T) {
	m := newTestMap[int](t)
	m.StoreMulti(1, "a", "b", 3)

	forms := []any{
		[]any{"a", "b", 3},
		List{"a", "b", 3},
		[3]any{"a", "b", 3},
		[]any{"a", "b", int64(3)},
		[]any{"a", "b", 3.0},
	}
	for _, k := range forms {
		expectPresentMultiKeyMap(t, k, 1)(m.Load(k))
	}
	expectPresentMultiKeyMap(t, "LoadMulti", 1)(m.LoadMulti("a", "b", 3))
	if !m.HasMultiKey("a", "b", 3) || !m.HasKey(List{"a", "b", 3}) {
		t.Fatal("key expected")
	}
	expectMissingMultiKeyMap(t, "[b a 3]", 0)(m.Load([]any{"b", "a", 3}))
	expectMissingMultiKeyMap(t, "[a b]", 0)(m.Load([]any{"a", "b"}))

	prev, loaded := m.SwapMulti(2, "a", "b", 3)
	if !loaded || prev != 1 {
		t.Fatalf("SwapMulti = %v, %v", prev, loaded)
	}
	v, loaded := m.LoadAndDeleteMulti("a", "b", 3)
	if !loaded || v != 2 {
		t.Fatalf("LoadAndDeleteMulti = %v, %v", v, loaded)
	}
	if !m.IsZero() {
		t.Fatalf("map should be empty: %d", m.Size())
	}
}

func TestMultiKeyMap_TypedSliceKeys(t *testing.T) {
	m := newTestMap[string](t)
	m.Store([]int{1, 2, 3}, "ints")
	m.Store([]string{"x", "y"}, "strings")

	expectPresentMultiKeyMap(t, "[]any{1,2,3}", "ints")(m.Load([]any{1, 2, 3}))
	expectPresentMultiKeyMap(t, "[]int64{1,2,3}", "ints")(m.Load([]int64{1, 2, 3}))
	expectPresentMultiKeyMap(t, "[]float64{1,2,3}", "ints")(m.Load([]float64{1, 2, 3}))
	expectPresentMultiKeyMap(t, "[3]int{1,2,3}", "ints")(m.Load([3]int{1, 2, 3}))
	expectPresentMultiKeyMap(t, "[]any{x,y}", "strings")(m.Load([]any{"x", "y"}))
	expectPresentMultiKeyMap(t, "List{x,y}", "strings")(m.Load(List{"x", "y"}))
	expectMissingMultiKeyMap(t, "[]int{1,2}", "")(m.Load([]int{1, 2}))
}

func TestMultiKeyMap_SingleElementKey(t *testing.T) {
	m := newTestMap[string](t)
	m.Store([]any{"a"}, "tuple")
	expectMissingMultiKeyMap(t, "a", "")(m.Load("a"))
	expectPresentMultiKeyMap(t, "[a]", "tuple")(m.Load([]string{"a"}))

	m.Store("a", "single")
	if m.Size() != 2 {
		t.Fatalf("[a] and a must be distinct keys: %d", m.Size())
	}
	expectPresentMultiKeyMap(t, "a", "single")(m.LoadMulti("a"))
}

func TestMultiKeyMap_EmptyKey(t *testing.T) {
	m := newTestMap[string](t)
	m.Store([]any{}, "empty")
	for _, k := range []any{[]int{}, List{}, [0]string{}, []string(nil)} {
		expectPresentMultiKeyMap(t, k, "empty")(m.Load(k))
	}
	expectMissingMultiKeyMap(t, nil, "")(m.Load(nil))

	m.Store(nil, "null")
	if m.Size() != 2 {
		t.Fatalf("empty and null keys must be distinct: %d", m.Size())
	}
}

func TestMultiKeyMap_StoredKeyIsCopied(t *testing.T) {
	m := newTestMap[int](t)
	k := []any{"a", 1}
	p := []int{1, 2}
	s := []string{"x", "y"}
	m.Store(k, 1)
	m.Store(p, 2)
	m.Store(s, 3)
	k[0], p[0], s[0] = "z", 9, "z"

	expectPresentMultiKeyMap(t, "[a 1]", 1)(m.Load([]any{"a", 1}))
	expectPresentMultiKeyMap(t, "[1 2]", 2)(m.Load([]int{1, 2}))
	expectPresentMultiKeyMap(t, "[x y]", 3)(m.Load([]any{"x", "y"}))
	expectMissingMultiKeyMap(t, k, 0)(m.Load(k))
}

func TestMultiKeyMap_UpdateKeepsStoredKey(t *testing.T) {
	m := newTestMap[string](t)
	m.Store([]int{1, 2}, "a")
	m.Store([]float64{1, 2}, "b")
	if m.Size() != 1 {
		t.Fatalf("unexpected size: %d", m.Size())
	}
	keys := m.Keys()
	want := []any{1, 2}
	got, ok := keys[0].([]any)
	if !ok || !slices.Equal(got, want) {
		t.Fatalf("stored key changed: %#v", keys[0])
	}
	expectPresentMultiKeyMap(t, "[1 2]", "b")(m.Load([]int{1, 2}))
}

func TestMultiKeyMapStore_NilValue(t *testing.T) {
	m := newTestMap[*struct{}](t)
	m.Store("foo", nil)
	v, ok := m.Load("foo")
	if !ok {
		t.Fatal("nil value was expected")
	}
	if v != nil {
		t.Fatalf("value was not nil: %v", v)
	}
}

func TestMultiKeyMapSwap(t *testing.T) {
	m := newTestMap[string](t)
	key := testKey(1)
	if prev, loaded := m.Swap(key, "a"); loaded {
		t.Fatalf("value was not expected: %v", prev)
	}
	prev, loaded := m.Swap(key, "b")
	if !loaded || prev != "a" {
		t.Fatalf("Swap = %v, %v", prev, loaded)
	}
	expectPresentMultiKeyMap(t, key, "b")(m.Load(key))
}

func TestMultiKeyMapLoadOrStore(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	for i := 0; i < numEntries; i++ {
		if _, loaded := m.LoadOrStore(testKey(i), i+1); !loaded {
			t.Fatalf("value not loaded for %d", i)
		}
		if actual, loaded := m.LoadOrStore(testKey(-i-1), i); loaded || actual != i {
			t.Fatalf("LoadOrStore(%d) = %v, %v", -i-1, actual, loaded)
		}
	}
	if m.Size() != 2*numEntries {
		t.Fatalf("unexpected size: %d", m.Size())
	}
}

func TestMultiKeyMapStoreThenLoadAndDelete(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	for i := 0; i < numEntries; i++ {
		if v, loaded := m.LoadAndDelete(testKey(i)); !loaded || v != i {
			t.Fatalf("value was not found or different for %d: %v", i, v)
		}
		if _, loaded := m.LoadAndDelete(testKey(i)); loaded {
			t.Fatalf("value was not expected for %d", i)
		}
	}
	if !m.IsZero() {
		t.Fatalf("map should be empty: %d", m.Size())
	}
}

func TestMultiKeyMapReplace(t *testing.T) {
	m := newTestMap[int](t)
	if _, replaced := m.Replace("k", 1); replaced {
		t.Fatal("absent key must not be replaced")
	}
	if m.HasKey("k") {
		t.Fatal("Replace must not insert")
	}
	m.Store("k", 1)
	prev, replaced := m.Replace("k", 2)
	if !replaced || prev != 1 {
		t.Fatalf("Replace = %v, %v", prev, replaced)
	}
	expectPresentMultiKeyMap(t, "k", 2)(m.Load("k"))
}

func TestMultiKeyMapCompareAndSwap(t *testing.T) {
	m := newTestMap[int](t)
	key := testKey(7)
	if m.CompareAndSwap(key, 0, 1) {
		t.Fatal("absent key must not be swapped")
	}
	m.Store(key, 1)
	if m.CompareAndSwap(key, 2, 3) {
		t.Fatal("swapped with a wrong old value")
	}
	if !m.CompareAndSwap(key, 1, 3) {
		t.Fatal("expected swap")
	}
	expectPresentMultiKeyMap(t, key, 3)(m.Load(key))
}

func TestMultiKeyMapCompareAndDelete(t *testing.T) {
	m := newTestMap[int](t)
	key := testKey(7)
	m.Store(key, 1)
	if m.CompareAndDelete(key, 2) {
		t.Fatal("deleted with a wrong old value")
	}
	if !m.CompareAndDelete(key, 1) {
		t.Fatal("expected delete")
	}
	if m.CompareAndDelete(key, 1) {
		t.Fatal("absent key must not be deleted")
	}
	if m.HasKey(key) {
		t.Fatal("key still present")
	}
}

func TestMultiKeyMapCompare_NonComparableValue(t *testing.T) {
	m := newTestMap[[]int](t)
	m.Store("k", []int{1})
	expectPanicMultiKeyMap(t, ErrNilFunction, func() {
		m.CompareAndSwap("k", []int{1}, []int{2})
	})
	expectPanicMultiKeyMap(t, ErrNilFunction, func() {
		m.CompareAndDelete("k", []int{1})
	})

	eq, err := NewMultiKeyMapWithEqual[[]int](slices.Equal[[]int, int])
	if err != nil {
		t.Fatalf("NewMultiKeyMapWithEqual: %v", err)
	}
	eq.Store("k", []int{1})
	if !eq.CompareAndSwap("k", []int{1}, []int{2}) {
		t.Fatal("expected swap")
	}
	if !eq.ContainsValue([]int{2}) {
		t.Fatal("value expected")
	}
	if !eq.CompareAndDelete("k", []int{2}) {
		t.Fatal("expected delete")
	}
}

func TestMultiKeyMapInterfaceValues(t *testing.T) {
	m := newTestMap[any](t)
	m.Store("k", []int{1, 2})
	if !m.CompareAndSwap("k", []int{1, 2}, "done") {
		t.Fatal("non-comparable dynamic values compare by content")
	}
	if !m.ContainsValue("done") {
		t.Fatal("value expected")
	}
}

func TestMultiKeyMapLoadOrCompute(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		v, loaded := m.LoadOrCompute(testKey(i), func() (newValue int, cancel bool) {
			return i, true
		})
		if loaded {
			t.Fatalf("value not computed for %d", i)
		}
		if v != 0 {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	if m.Size() != 0 {
		t.Fatalf("zero map size expected: %d", m.Size())
	}
	for i := 0; i < numEntries; i++ {
		v, loaded := m.LoadOrCompute(testKey(i), func() (newValue int, cancel bool) {
			return i, false
		})
		if loaded {
			t.Fatalf("value not computed for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
	for i := 0; i < numEntries; i++ {
		v, loaded := m.LoadOrCompute(testKey(i), func() (newValue int, cancel bool) {
			t.Fatalf("value func invoked")
			return newValue, false
		})
		if !loaded {
			t.Fatalf("value not loaded for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMultiKeyMapLoadOrCompute_FunctionCalledOnce(t *testing.T) {
	m := newTestMap[int](t)
	for i := 0; i < 100; {
		m.LoadOrCompute(i, func() (newValue int, cancel bool) {
			newValue, i = i, i+1
			return newValue, false
		})
	}
	m.Range(func(k any, v int) bool {
		if k != v {
			t.Fatalf("%vth key is not equal to value %d", k, v)
		}
		return true
	})
}

func TestMultiKeyMapCompute(t *testing.T) {
	m := newTestMap[int](t)
	key := []any{"foo", "bar"}
	// Store a new value.
	v, ok := m.Compute(key, func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		if oldValue != 0 {
			t.Fatalf("oldValue should be 0 when computing a new value: %d", oldValue)
		}
		if loaded {
			t.Fatal("loaded should be false when computing a new value")
		}
		return 42, UpdateOp
	})
	if v != 42 || !ok {
		t.Fatalf("Compute = %v, %v", v, ok)
	}
	// Update an existing value.
	v, ok = m.Compute(key, func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		if oldValue != 42 || !loaded {
			t.Fatalf("unexpected old value: %d, %v", oldValue, loaded)
		}
		return oldValue + 42, UpdateOp
	})
	if v != 84 || !ok {
		t.Fatalf("Compute = %v, %v", v, ok)
	}
	// Cancel keeps the value.
	v, ok = m.Compute(key, func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		return 0, CancelOp
	})
	if v != 84 || !ok {
		t.Fatalf("Compute = %v, %v", v, ok)
	}
	// Delete the value.
	v, ok = m.Compute(key, func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		return 0, DeleteOp
	})
	if v != 0 || ok {
		t.Fatalf("Compute = %v, %v", v, ok)
	}
	if m.HasKey(key) {
		t.Fatal("key should be deleted")
	}
	// Cancel on a missing key stores nothing.
	v, ok = m.Compute(key, func(oldValue int, loaded bool) (newValue int, op ComputeOp) {
		return 1, CancelOp
	})
	if v != 0 || ok || m.Size() != 0 {
		t.Fatalf("Compute = %v, %v, size %d", v, ok, m.Size())
	}
}

func TestMultiKeyMapComputeIfPresent(t *testing.T) {
	m := newTestMap[int](t)
	called := false
	if _, ok := m.ComputeIfPresent("k", func(oldValue int) (int, ComputeOp) {
		called = true
		return 1, UpdateOp
	}); ok || called {
		t.Fatal("function must not run for an absent key")
	}

	m.Store("k", 1)
	v, ok := m.ComputeIfPresent("k", func(oldValue int) (int, ComputeOp) {
		return oldValue * 10, UpdateOp
	})
	if v != 10 || !ok {
		t.Fatalf("ComputeIfPresent = %v, %v", v, ok)
	}
	v, ok = m.ComputeIfPresent("k", func(oldValue int) (int, ComputeOp) {
		return 0, CancelOp
	})
	if v != 10 || !ok {
		t.Fatalf("ComputeIfPresent = %v, %v", v, ok)
	}
	if _, ok = m.ComputeIfPresent("k", func(oldValue int) (int, ComputeOp) {
		return 0, DeleteOp
	}); ok || m.HasKey("k") {
		t.Fatal("key should be deleted")
	}
}

func TestMultiKeyMapMerge(t *testing.T) {
	m := newTestMap[int](t)
	sum := func(oldValue, value int) (int, ComputeOp) {
		return oldValue + value, UpdateOp
	}
	if v, ok := m.Merge(testKey(1), 5, sum); v != 5 || !ok {
		t.Fatalf("Merge = %v, %v", v, ok)
	}
	if v, ok := m.Merge(testKey(1), 5, sum); v != 10 || !ok {
		t.Fatalf("Merge = %v, %v", v, ok)
	}
	v, ok := m.Merge(testKey(1), 5, func(oldValue, value int) (int, ComputeOp) {
		return 0, CancelOp
	})
	if v != 10 || !ok {
		t.Fatalf("Merge = %v, %v", v, ok)
	}
	if _, ok := m.Merge(testKey(1), 5, func(oldValue, value int) (int, ComputeOp) {
		return 0, DeleteOp
	}); ok || m.Size() != 0 {
		t.Fatal("key should be deleted")
	}
}

func TestMultiKeyMap_NilFunctions(t *testing.T) {
	m := newTestMap[int](t)
	m.Store("k", 1)
	expectPanicMultiKeyMap(t, ErrNilFunction, func() { m.LoadOrCompute("k", nil) })
	expectPanicMultiKeyMap(t, ErrNilFunction, func() { m.Compute("k", nil) })
	expectPanicMultiKeyMap(t, ErrNilFunction, func() { m.ComputeIfPresent("missing", nil) })
	expectPanicMultiKeyMap(t, ErrNilFunction, func() { m.Merge("k", 1, nil) })
	expectPresentMultiKeyMap(t, "k", 1)(m.Load("k"))
}

func TestMultiKeyMapContainsValue(t *testing.T) {
	m := newTestMap[string](t)
	if m.ContainsValue("") {
		t.Fatal("empty map contains no value")
	}
	for i := 0; i < 100; i++ {
		m.Store(testKey(i), strconv.Itoa(i))
	}
	if !m.ContainsValue("42") || m.ContainsValue("100") {
		t.Fatal("unexpected ContainsValue result")
	}
}

func TestMultiKeyMapRange(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	iters := 0
	met := make(map[int]int)
	m.Range(func(key any, value int) bool {
		k := key.([]any)
		if k[1] != value || k[2] != strconv.Itoa(value) {
			t.Fatalf("got unexpected key/value for iteration %d: %v/%v", iters, key, value)
			return false
		}
		met[value]++
		iters++
		return true
	})
	if iters != numEntries {
		t.Fatalf("got unexpected number of iterations: %d", iters)
	}
	for i := 0; i < numEntries; i++ {
		if c := met[i]; c != 1 {
			t.Fatalf("range did not iterate correctly over %d: %d", i, c)
		}
	}
}

func TestMultiKeyMapRange_FalseReturned(t *testing.T) {
	m := newTestMap[int](t)
	for i := 0; i < 100; i++ {
		m.Store(i, i)
	}
	iters := 0
	for range m.All() {
		iters++
		if iters == 13 {
			break
		}
	}
	if iters != 13 {
		t.Fatalf("got unexpected number of iterations: %d", iters)
	}
}

func TestMultiKeyMapRange_NestedDelete(t *testing.T) {
	const numEntries = 256
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	m.Range(func(key any, value int) bool {
		m.Delete(key)
		return true
	})
	for i := 0; i < numEntries; i++ {
		if _, ok := m.Load(testKey(i)); ok {
			t.Fatalf("value found for %d", i)
		}
	}
}

func TestMultiKeyMapSize(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	size := m.Size()
	if size != 0 {
		t.Fatalf("zero size expected: %d", size)
	}
	expectedSize := 0
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
		expectedSize++
		size := m.Size()
		if size != expectedSize {
			t.Fatalf("size of %d was expected, got: %d", expectedSize, size)
		}
		rsize := sizeBasedOnRange(m)
		if size != rsize {
			t.Fatalf("size does not match number of entries in Range: %v, %v", size, rsize)
		}
	}
	for i := 0; i < numEntries; i++ {
		m.Delete(testKey(i))
		expectedSize--
		size := m.Size()
		if size != expectedSize {
			t.Fatalf("size of %d was expected, got: %d", expectedSize, size)
		}
		rsize := sizeBasedOnRange(m)
		if size != rsize {
			t.Fatalf("size does not match number of entries in Range: %v, %v", size, rsize)
		}
	}
}

func TestMultiKeyMapClear(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	size := m.Size()
	if size != numEntries {
		t.Fatalf("size of %d was expected, got: %d", numEntries, size)
	}
	capacity := m.Stats().Capacity
	m.Clear()
	size = m.Size()
	if size != 0 {
		t.Fatalf("zero size was expected, got: %d", size)
	}
	rsize := sizeBasedOnRange(m)
	if rsize != 0 {
		t.Fatalf("zero number of entries in Range was expected, got: %d", rsize)
	}
	if c := m.Stats().Capacity; c != capacity {
		t.Fatalf("Clear changed the capacity: %d -> %d", capacity, c)
	}
}

func TestMultiKeyMapResize(t *testing.T) {
	const numEntries = 100_000
	m := newTestMap[int](t)
	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	stats := m.Stats()
	if stats.Size != numEntries || stats.Counter != numEntries {
		t.Fatalf("size was too small: %s", stats.ToString())
	}
	if stats.TotalGrowths == 0 {
		t.Fatalf("table did not grow: %s", stats.ToString())
	}
	if stats.Capacity&(stats.Capacity-1) != 0 {
		t.Fatalf("capacity is not a power of two: %s", stats.ToString())
	}
	if float64(stats.Size) > float64(stats.Capacity)*DefaultLoadFactor {
		t.Fatalf("table is over its load factor: %s", stats.ToString())
	}
	for i := 0; i < numEntries; i++ {
		expectPresentMultiKeyMap(t, i, i)(m.Load(testKey(i)))
	}
}

func TestMultiKeyMapStats(t *testing.T) {
	m := newTestMap[int](t, WithCapacity(100))

	stats := m.Stats()
	if stats.Capacity != 128 {
		t.Fatalf("unexpected capacity: %s", stats.ToString())
	}
	if stats.EmptyBuckets != stats.Capacity {
		t.Fatalf("unexpected number of empty buckets: %s", stats.ToString())
	}
	if stats.Size != 0 || stats.Counter != 0 || stats.MaxChainLength != 0 {
		t.Fatalf("unexpected size: %s", stats.ToString())
	}
	if stats.StripeCount != stripeCount || stats.LoadFactor != DefaultLoadFactor {
		t.Fatalf("unexpected stripes or load factor: %s", stats.ToString())
	}

	for i := 0; i < 90; i++ {
		m.Store(i, i)
	}

	stats = m.Stats()
	if stats.Size != 90 || stats.Counter != 90 {
		t.Fatalf("unexpected size: %s", stats.ToString())
	}
	if stats.EmptyBuckets >= stats.Capacity {
		t.Fatalf("unexpected number of empty buckets: %s", stats.ToString())
	}
	if stats.MaxChainLength < 1 || stats.MaxChainLength != m.MaxChainLength() {
		t.Fatalf("unexpected max chain length: %s", stats.ToString())
	}
	if stats.TotalGrowths != 0 {
		t.Fatalf("unexpected growth: %s", stats.ToString())
	}
	if !strings.HasPrefix(stats.ToString(), "MapStats{\nCapacity:       128\n") {
		t.Fatalf("unexpected format: %s", stats.ToString())
	}
}

func TestMultiKeyMapContentionStats(t *testing.T) {
	const numEntries = 1000
	m := newTestMap[int](t)
	cs := m.ContentionStats()
	if cs.TotalAcquisitions != 0 || cs.MostContendedStripe != -1 || cs.UnusedStripes != stripeCount {
		t.Fatalf("unexpected stats on a new map: %+v", cs)
	}

	for i := 0; i < numEntries; i++ {
		m.Store(testKey(i), i)
	}
	m.Delete(testKey(-1)) // absent, takes no lock

	cs = m.ContentionStats()
	if cs.TotalAcquisitions != numEntries {
		t.Fatalf("acquisitions = %d, want %d", cs.TotalAcquisitions, numEntries)
	}
	if cs.TotalContentions != 0 || cs.ContentionRate != 0 {
		t.Fatalf("single goroutine must not contend: %+v", cs)
	}
	if cs.GlobalLockAcquisitions != int64(m.Stats().TotalGrowths) {
		t.Fatalf("global acquisitions = %d, growths = %d", cs.GlobalLockAcquisitions, m.Stats().TotalGrowths)
	}
	if len(cs.StripeAcquisitions) != stripeCount || len(cs.StripeContentions) != stripeCount {
		t.Fatalf("unexpected per-stripe lengths: %+v", cs)
	}
	var total int64
	for _, n := range cs.StripeAcquisitions {
		total += n
	}
	if total != cs.TotalAcquisitions {
		t.Fatalf("per-stripe sum %d != total %d", total, cs.TotalAcquisitions)
	}

	m.Clear()
	if got := m.ContentionStats().GlobalLockAcquisitions; got != cs.GlobalLockAcquisitions+1 {
		t.Fatalf("Clear must take the global lock: %d", got)
	}
}

func TestMultiKeyMapLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "test",
		Level:  hclog.Debug,
		Output: &buf,
	})
	m := newTestMap[int](t, WithLogger(logger), WithCapacity(2))
	for i := 0; i < 10; i++ {
		m.Store(i, i)
	}
	m.LogContentionStatistics()

	out := buf.String()
	for _, want := range []string{
		"created multi-key map",
		"resized multi-key map",
		"multi-key map lock contention",
		"acquisitions=10",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log lacks %q:\n%s", want, out)
		}
	}
}

func TestCalcStripeCount(t *testing.T) {
	tests := []struct {
		procs, want int
	}{
		{1, 8},
		{16, 8},
		{17, 8},
		{20, 16},
		{32, 16},
		{48, 32},
		{64, 32},
		{1024, 32},
	}
	for _, tt := range tests {
		if got := calcStripeCount(tt.procs); got != tt.want {
			t.Errorf("calcStripeCount(%d) = %d, want %d", tt.procs, got, tt.want)
		}
	}
	if stripeCount&stripeMask != 0 {
		t.Fatalf("stripe count is not a power of two: %d", stripeCount)
	}
}

func TestNextPowOf2(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{16, 16},
		{17, 32},
		{1000, 1024},
	}
	for _, tt := range tests {
		if got := nextPowOf2(tt.n); got != tt.want {
			t.Errorf("nextPowOf2(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func parallelSeqStorer(t *testing.T, m *MultiKeyMap[int], storeEach, numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			if storeEach == 0 || j%storeEach == 0 {
				m.Store(testKey(j), j)
				// Due to atomic snapshots we must see a key/j pair.
				v, ok := m.Load(testKey(j))
				if !ok {
					t.Errorf("value was not found for %d", j)
					break
				}
				if v != j {
					t.Errorf("value was not expected for %d: %d", j, v)
					break
				}
			}
		}
	}
	cdone <- true
}

func TestMultiKeyMapParallelStores(t *testing.T) {
	const numStorers = 4
	const numIters = 1_000
	const numEntries = 100
	m := newTestMap[int](t)
	cdone := make(chan bool)
	for i := 0; i < numStorers; i++ {
		go parallelSeqStorer(t, m, i, numIters, numEntries, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < numStorers; i++ {
		<-cdone
	}
	// Verify map contents.
	for i := 0; i < numEntries; i++ {
		v, ok := m.Load(testKey(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != i {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func parallelRandStorer(t *testing.T, m *MultiKeyMap[int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		j := rand.IntN(numEntries)
		if v, loaded := m.LoadOrStore(testKey(j), j); loaded {
			if v != j {
				t.Errorf("value was not expected for %d: %d", j, v)
			}
		}
	}
	cdone <- true
}

func parallelRandDeleter(t *testing.T, m *MultiKeyMap[int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		j := rand.IntN(numEntries)
		if v, loaded := m.LoadAndDelete(testKey(j)); loaded {
			if v != j {
				t.Errorf("value was not expected for %d: %d", j, v)
			}
		}
	}
	cdone <- true
}

func parallelLoader(t *testing.T, m *MultiKeyMap[int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			// Due to atomic snapshots we must either see no entry, or a key/j pair.
			if v, ok := m.Load(testKey(j)); ok {
				if v != j {
					t.Errorf("value was not expected for %d: %d", j, v)
				}
			}
		}
	}
	cdone <- true
}

func TestMultiKeyMapAtomicSnapshot(t *testing.T) {
	const numIters = 10_000
	const numEntries = 100
	m := newTestMap[int](t)
	cdone := make(chan bool)
	// Update or delete random entry in parallel with loads.
	go parallelRandStorer(t, m, numIters, numEntries, cdone)
	go parallelRandDeleter(t, m, numIters, numEntries, cdone)
	go parallelLoader(t, m, 100, numEntries, cdone)
	// Wait for the goroutines to finish.
	for i := 0; i < 3; i++ {
		<-cdone
	}
}

func TestMultiKeyMapParallelStoresAndDeletes(t *testing.T) {
	const numWorkers = 2
	const numIters = 10_000
	const numEntries = 1000
	m := newTestMap[int](t)
	cdone := make(chan bool)
	// Update random entry in parallel with deletes.
	for i := 0; i < numWorkers; i++ {
		go parallelRandStorer(t, m, numIters, numEntries, cdone)
		go parallelRandDeleter(t, m, numIters, numEntries, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < 2*numWorkers; i++ {
		<-cdone
	}
	if s, rs := m.Size(), sizeBasedOnRange(m); s != rs {
		t.Fatalf("size does not match number of entries in Range: %v, %v", s, rs)
	}
}

func parallelComputer(m *MultiKeyMap[uint64], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		for j := 0; j < numEntries; j++ {
			m.Compute(testKey(j), func(oldValue uint64, loaded bool) (newValue uint64, op ComputeOp) {
				return oldValue + 1, UpdateOp
			})
		}
	}
	cdone <- true
}

func TestMultiKeyMapParallelComputes(t *testing.T) {
	const numWorkers = 4 // Also stands for numEntries.
	const numIters = 10_000
	m := newTestMap[uint64](t)
	cdone := make(chan bool)
	for i := 0; i < numWorkers; i++ {
		go parallelComputer(m, numIters, numWorkers, cdone)
	}
	// Wait for the goroutines to finish.
	for i := 0; i < numWorkers; i++ {
		<-cdone
	}
	// Verify map contents.
	for i := 0; i < numWorkers; i++ {
		v, ok := m.Load(testKey(i))
		if !ok {
			t.Fatalf("value not found for %d", i)
		}
		if v != numWorkers*numIters {
			t.Fatalf("values do not match for %d: %v", i, v)
		}
	}
}

func TestMultiKeyMapParallelResize(t *testing.T) {
	const numWorkers = 8
	const numEntries = 10_000
	m := newTestMap[int](t, WithCapacity(1))
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < numEntries; i += numWorkers {
				m.Store(testKey(i), i)
			}
		}(w)
	}
	wg.Wait()

	if m.Size() != numEntries {
		t.Fatalf("unexpected size: %d", m.Size())
	}
	for i := 0; i < numEntries; i++ {
		expectPresentMultiKeyMap(t, i, i)(m.Load(testKey(i)))
	}
	stats := m.Stats()
	if stats.Size != numEntries || stats.TotalGrowths == 0 {
		t.Fatalf("unexpected stats: %s", stats.ToString())
	}
	cs := m.ContentionStats()
	if cs.TotalAcquisitions < numEntries {
		t.Fatalf("acquisitions = %d, want at least %d", cs.TotalAcquisitions, numEntries)
	}
	if cs.GlobalLockAcquisitions < int64(stats.TotalGrowths) {
		t.Fatalf("global acquisitions = %d, growths = %d", cs.GlobalLockAcquisitions, stats.TotalGrowths)
	}
}

func parallelRandClearer(m *MultiKeyMap[int], numIters, numEntries int, cdone chan bool) {
	for i := 0; i < numIters; i++ {
		coin := rand.Int64N(2)
		for j := 0; j < numEntries; j++ {
			if coin == 1 {
				m.Store(testKey(j), j)
			} else {
				m.Clear()
			}
		}
	}
	cdone <- true
}

func TestMultiKeyMapParallelClear(t *testing.T) {
	const numIters = 100
	const numEntries = 100
	m := newTestMap[int](t)
	cdone := make(chan bool)
	go parallelRandClearer(m, numIters, numEntries, cdone)
	go parallelRandClearer(m, numIters, numEntries, cdone)
	// Wait for the goroutines to finish.
	<-cdone
	<-cdone
	// Verify map size.
	if s, rs := m.Size(), sizeBasedOnRange(m); s != rs {
		t.Fatalf("size does not match number of entries in Range: %v, %v", s, rs)
	}
	if m.Size() > numEntries {
		t.Fatalf("unexpected size: %d", m.Size())
	}
}

func TestMultiKeyMapZeroValue(t *testing.T) {
	var m MultiKeyMap[int]
	expectMissingMultiKeyMap(t, "a", 0)(m.Load("a"))
	m.Store([]any{"a", 1}, 1)
	expectPresentMultiKeyMap(t, "[a 1.0]", 1)(m.LoadMulti("a", 1.0))
	stats := m.Stats()
	if stats.Capacity != DefaultCapacity || stats.StripeCount != stripeCount || stats.Counter != 1 {
		t.Fatalf("unexpected zero-value map: %s", stats.ToString())
	}

	var z MultiKeyMap[int]
	const numStorers = 8
	var wg sync.WaitGroup
	for i := 0; i < numStorers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			z.Store(testKey(i), i)
		}(i)
	}
	wg.Wait()
	if z.Size() != numStorers {
		t.Fatalf("size = %d, want %d", z.Size(), numStorers)
	}
	for i := 0; i < numStorers; i++ {
		expectPresentMultiKeyMap(t, i, i)(z.Load(testKey(i)))
	}
}
