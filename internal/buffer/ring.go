package buffer

import "github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"

// ring is a fixed-capacity FIFO queue of messages.
type ring struct {
	items []domain.BufferedMessage
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]domain.BufferedMessage, capacity)}
}

func (r *ring) push(m domain.BufferedMessage) bool {
	if r.size == len(r.items) {
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = m
	r.size++
	return true
}

func (r *ring) peek() (domain.BufferedMessage, bool) {
	if r.size == 0 {
		return domain.BufferedMessage{}, false
	}
	return r.items[r.head], true
}

func (r *ring) pop() (domain.BufferedMessage, bool) {
	m, ok := r.peek()
	if !ok {
		return m, false
	}
	r.items[r.head] = domain.BufferedMessage{}
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return m, true
}

func (r *ring) len() int      { return r.size }
func (r *ring) capacity() int { return len(r.items) }
