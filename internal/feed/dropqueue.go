package feed

import (
	"sync"
	"time"

	"github.com/tallywire/tallywire/internal/schema"
)

// DroppedEvent records one delivery lost to a full subscriber buffer.
type DroppedEvent struct {
	Subscription SubscriptionID
	Kind         schema.EventKind
	Seq          uint64
	At           time.Time
}

// DropQueue stores the most recent dropped deliveries.
type DropQueue struct {
	mu       sync.Mutex
	capacity int
	events   []DroppedEvent
}

// NewDropQueue creates a queue with the provided capacity. Capacity <=0 implies unbounded.
func NewDropQueue(capacity int) *DropQueue {
	q := new(DropQueue)
	q.capacity = capacity
	q.events = make([]DroppedEvent, 0)
	return q
}

// Offer records a dropped delivery.
func (q *DropQueue) Offer(event DroppedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		// Drop oldest entry to make space for the new record.
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = event
		return
	}
	q.events = append(q.events, event)
}

// Drain retrieves and clears all queued entries.
func (q *DropQueue) Drain() []DroppedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DroppedEvent, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len returns the number of queued entries.
func (q *DropQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
