package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenFilter remembers queue message ids already recorded by this process.
// A negative answer is exact; a positive one must be confirmed against the
// database. The filter is cleared once it has absorbed its capacity so the
// false positive rate stays bounded.
type SeenFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	capacity uint
	added    uint
}

// NewSeenFilter sizes the filter for capacity ids at the given false
// positive rate (0.01 is a sensible default).
func NewSeenFilter(capacity uint, falsePositiveRate float64) *SeenFilter {
	if capacity == 0 {
		capacity = 100_000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	return &SeenFilter{
		filter:   bloom.NewWithEstimates(capacity, falsePositiveRate),
		capacity: capacity,
	}
}

// MightContain returns false when id was definitely never added.
func (s *SeenFilter) MightContain(id string) bool {
	if s == nil || id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.TestString(id)
}

// Add records id.
func (s *SeenFilter) Add(id string) {
	if s == nil || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.added >= s.capacity {
		s.filter.ClearAll()
		s.added = 0
	}
	s.filter.AddString(id)
	s.added++
}
