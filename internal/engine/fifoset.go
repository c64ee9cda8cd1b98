package engine

import "strings"

// fifoSet is an ordered cluster set with oldest-first eviction at a fixed
// capacity. Membership is a linear scan; the sets stay small enough (10k-100k
// short strings) that this beats maintaining a parallel index, and insertion
// order must survive persistence anyway.
type fifoSet struct {
	items []string
	max   int
}

func newFIFOSet(max int) *fifoSet {
	return &fifoSet{max: max}
}

// Add appends the cluster (lowercased) and evicts from the front until the
// set is back under capacity.
func (s *fifoSet) Add(cluster string) {
	s.items = append(s.items, strings.ToLower(cluster))
	for len(s.items) > s.max {
		s.items = s.items[1:]
	}
}

func (s *fifoSet) Contains(cluster string) bool {
	for _, item := range s.items {
		if item == cluster {
			return true
		}
	}
	return false
}

func (s *fifoSet) Len() int {
	return len(s.items)
}

// Items returns the backing slice for persistence, oldest first.
func (s *fifoSet) Items() []string {
	return s.items
}

func (s *fifoSet) Restore(items []string) {
	s.items = items
	for len(s.items) > s.max {
		s.items = s.items[1:]
	}
}
