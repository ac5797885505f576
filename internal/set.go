package internal

import (
	"cmp"
	"slices"
)

// Set is an unordered set. Not safe for concurrent use.
type Set[T comparable] struct {
	m map[T]struct{}
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{
		m: make(map[T]struct{}, len(items)),
	}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

func NewStringSet() *Set[string] {
	return NewSet[string]()
}

func (s *Set[T]) Add(item T) {
	s.m[item] = struct{}{}
}

// AddNew adds item and reports whether it was absent.
func (s *Set[T]) AddNew(item T) bool {
	if _, exists := s.m[item]; exists {
		return false
	}
	s.m[item] = struct{}{}
	return true
}

func (s *Set[T]) Remove(item T) {
	delete(s.m, item)
}

func (s *Set[T]) Contains(item T) bool {
	_, exists := s.m[item]
	return exists
}

func (s *Set[T]) Len() int {
	return len(s.m)
}

func (s *Set[T]) Elements() []T {
	elements := make([]T, 0, len(s.m))
	for item := range s.m {
		elements = append(elements, item)
	}
	return elements
}

// SortedElements returns the elements in ascending order.
func SortedElements[T cmp.Ordered](s *Set[T]) []T {
	elements := s.Elements()
	slices.Sort(elements)
	return elements
}
