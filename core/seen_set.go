package core

import "container/list"

// seenSet is a bounded set of discovery IDs. Once full, the oldest
// insertion is evicted first.
type seenSet struct {
	cap     int
	entries map[string]*list.Element
	order   *list.List
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultParams().SeenCapacity
	}
	return &seenSet{
		cap:     capacity,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (s *seenSet) Contains(id string) bool {
	_, ok := s.entries[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	if _, ok := s.entries[id]; ok {
		return false
	}
	s.entries[id] = s.order.PushBack(id)
	for len(s.entries) > s.cap {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		delete(s.entries, oldest.Value.(string))
		s.order.Remove(oldest)
	}
	return true
}

func (s *seenSet) Len() int { return len(s.entries) }
