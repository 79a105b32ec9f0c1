// Package safeset provides a generic set that is safe for concurrent use.
package safeset

import "sync"

// SafeSet stores unique elements of a comparable type T behind a RWMutex.
// The zero value is not usable; construct with NewSafeSet.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add inserts value and reports whether it was not already a member.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was added, false if it was already present
func (s *SafeSet[T]) Add(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove deletes value and reports whether it was a member.
func (s *SafeSet[T]) Remove(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether value is a member.
func (s *SafeSet[T]) Contains(value T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of members.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of the members in unspecified order.
func (s *SafeSet[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]T, 0, len(s.m))
	for k := range s.m {
		values = append(values, k)
	}

	return values
}

// Reset removes all members.
func (s *SafeSet[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[T]struct{})
}

// Range calls f for each member until f returns false. f runs under the read
// lock and must not modify the set.
func (s *SafeSet[T]) Range(f func(value T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.m {
		if !f(k) {
			break
		}
	}
}
