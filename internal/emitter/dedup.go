package emitter

import (
	"container/list"
	"sync"
)

// dedupSet is a bounded set with LRU eviction. Capacity bounds memory, not
// correctness: an evicted key can re-admit a duplicate, which downstream
// idempotency already tolerates.
type dedupSet struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

func newDedupSet(maxSize int) *dedupSet {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &dedupSet{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (s *dedupSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if ok {
		s.order.MoveToFront(elem)
	}
	return ok
}

func (s *dedupSet) add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.order.MoveToFront(elem)
		return
	}

	elem := s.order.PushFront(key)
	s.items[key] = elem

	for s.order.Len() > s.maxSize {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(string))
	}
}
