// ABOUTME: Bounded TTL set of envelope IDs already delivered from the transport
// ABOUTME: Suppresses redeliveries from at-least-once transports without a background sweeper

package eventhub

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	id     string
	seenAt time.Time
}

// seenSet remembers envelope IDs for ttl, holding at most maxSize entries.
// Entries are never refreshed, so the list front is always the oldest.
type seenSet struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newSeenSet(ttl time.Duration, maxSize int) *seenSet {
	return &seenSet{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// firstSighting records id and reports whether it was not already present
func (s *seenSet) firstSighting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if _, ok := s.index[id]; ok {
		return false
	}

	for len(s.index) >= s.maxSize {
		s.removeFrontLocked()
	}
	s.index[id] = s.order.PushBack(seenEntry{id: id, seenAt: now})
	return true
}

func (s *seenSet) expireLocked(now time.Time) {
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		if now.Sub(front.Value.(seenEntry).seenAt) < s.ttl {
			return
		}
		s.removeFrontLocked()
	}
}

func (s *seenSet) removeFrontLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	s.order.Remove(front)
	delete(s.index, front.Value.(seenEntry).id)
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}
