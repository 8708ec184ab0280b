package call

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultDedupeWindow is how many recent message ids are remembered.
const DefaultDedupeWindow = 100

// dedupeFilter remembers the most recent message ids in insertion order.
// When full, the oldest half is evicted at once.
type dedupeFilter struct {
	mu   sync.Mutex
	size int
	ids  *simplelru.LRU[string, struct{}]
}

func newDedupeFilter(size int) *dedupeFilter {
	if size < 2 {
		size = DefaultDedupeWindow
	}
	// Capacity is never reached: seen evicts before Add would. NewLRU only
	// fails for a non-positive size.
	ids, _ := simplelru.NewLRU[string, struct{}](size+1, nil)
	return &dedupeFilter{size: size, ids: ids}
}

// seen records id and reports whether it was already present. Empty ids
// are never treated as duplicates.
func (f *dedupeFilter) seen(id string) bool {
	if id == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	// Contains does not touch recency, so order stays insertion order.
	if f.ids.Contains(id) {
		return true
	}
	if f.ids.Len() >= f.size {
		for i := 0; i < f.size/2; i++ {
			f.ids.RemoveOldest()
		}
	}
	f.ids.Add(id, struct{}{})
	return false
}

func (f *dedupeFilter) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids.Len()
}
