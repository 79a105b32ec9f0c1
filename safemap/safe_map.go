// Package safemap provides a type-safe concurrent map built on sync.Map.
// Besides plain Store/Load/Delete it exposes the atomic compound operations
// (LoadOrStore, LoadAndDelete, Swap) that registries need to hand an entry to
// exactly one owner.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use. Len, Keys and Values are O(n).
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap ready for use.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k and whether it was present.
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it stores
// v and returns it. The check and the store happen atomically, so of several
// concurrent callers for the same key exactly one observes loaded == false.
//
// Parameters:
//   - k: The key to look up or insert
//   - v: The value to store when k is absent
//
// Returns:
//   - The value now associated with k
//   - true if the value was already present, false if v was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// LoadAndDelete removes the entry for k and returns the value it held. Of
// several concurrent callers for the same key at most one receives the value.
//
// Returns:
//   - The removed value, or the zero value of V if k was absent
//   - true if an entry was removed
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Swap stores v for k and returns the previous value, if any.
func (m *SafeMap[K, V]) Swap(k K, v V) (V, bool) {
	prev, loaded := m.m.Swap(k, v)
	if !loaded {
		var empty V
		return empty, false
	}

	return prev.(V), true
}

// Delete removes the entry for k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries by iterating the map.
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.m.Range(func(_, _ any) bool {
		length++
		return true
	})

	return length
}

// Has reports whether k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Keys returns a point-in-time copy of the keys. The order is unspecified.
func (m *SafeMap[K, V]) Keys() []K {
	keys := make([]K, 0)
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})

	return keys
}

// Values returns a point-in-time copy of the values. The order is unspecified.
func (m *SafeMap[K, V]) Values() []V {
	values := make([]V, 0)
	m.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})

	return values
}

// Clear removes every entry.
func (m *SafeMap[K, V]) Clear() {
	m.m.Clear()
}
