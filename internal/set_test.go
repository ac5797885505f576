package internal

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringSet(t *testing.T) {
	s := NewStringSet()

	// Test Add and Contains
	s.Add("apple")
	s.Add("banana")
	s.Add("apple") // Add duplicate

	assert.True(t, s.Contains("apple"))
	assert.True(t, s.Contains("banana"))
	assert.False(t, s.Contains("cherry"))

	// Test Len
	assert.Equal(t, 2, s.Len())

	// Test Remove
	s.Remove("apple")
	assert.False(t, s.Contains("apple"))
	assert.Equal(t, 1, s.Len())

	// Test Elements
	s.Add("cherry")
	elements := s.Elements()
	sort.Strings(elements)
	assert.Equal(t, []string{"banana", "cherry"}, elements)
}

func TestUInt64Set(t *testing.T) {
	s := NewSet[uint64](10, 20, 10)

	assert.True(t, s.Contains(10))
	assert.True(t, s.Contains(20))
	assert.False(t, s.Contains(30))
	assert.Equal(t, 2, s.Len())

	assert.False(t, s.AddNew(20))
	assert.True(t, s.AddNew(5))
	assert.Equal(t, []uint64{5, 10, 20}, SortedElements(s))

	s.Remove(10)
	assert.False(t, s.Contains(10))
	assert.Equal(t, 2, s.Len())
}
