// Package feed fans store mutation events out to live subscribers.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tallywire/tallywire/internal/observability"
	"github.com/tallywire/tallywire/internal/schema"
)

// SubscriptionID uniquely identifies a feed subscription.
type SubscriptionID string

// Publisher is the store-facing side of the feed.
type Publisher interface {
	Publish(evt *schema.Event)
}

// Config sizes the per-subscriber buffers.
type Config struct {
	BufferSize   int
	DropQueueCap int

	// OnDrop, when set, observes every delivery lost to a full subscriber
	// buffer. Called from the publish path; must not block.
	OnDrop func(n int64)
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.DropQueueCap <= 0 {
		c.DropQueueCap = 256
	}
	return c
}

// Broadcaster delivers every published event to every attached subscriber.
// Delivery is fire-and-forget: a subscriber whose buffer is full loses that
// event (recorded in the drop queue) instead of back-pressuring the writer;
// since every event carries a full snapshot, a lossy subscriber reconciles on
// its next delivery.
type Broadcaster struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	dropped atomic.Uint64
	drops   *DropQueue
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ch     chan *schema.Event
	closed bool
}

// NewBroadcaster constructs an in-memory event broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Broadcaster)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[SubscriptionID]*subscriber)
	b.drops = NewDropQueue(cfg.DropQueueCap)
	return b
}

// Publish fans the event out to all current subscribers without blocking.
func (b *Broadcaster) Publish(evt *schema.Event) {
	if evt == nil {
		return
	}

	// Snapshot subscribers to avoid holding the lock during delivery.
	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.subscribers))
	ids := make([]SubscriptionID, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for i, sub := range subscribers {
		if sub == nil || sub.ctx.Err() != nil {
			continue
		}
		if b.ctx.Err() != nil {
			return
		}
		delivered, open := sub.deliver(schema.CloneEvent(evt))
		if delivered || !open {
			continue
		}
		b.dropped.Add(1)
		b.drops.Offer(DroppedEvent{Subscription: ids[i], Kind: evt.Kind, Seq: evt.Seq, At: evt.EmittedAt})
		if b.cfg.OnDrop != nil {
			b.cfg.OnDrop(1)
		}
		observability.Log().Debug("feed: subscriber buffer full, event dropped",
			observability.Field{Key: "subscription", Value: string(ids[i])},
			observability.Field{Key: "seq", Value: evt.Seq})
	}
}

// Subscribe registers a new subscriber and returns its id and event channel.
// The channel closes when ctx is cancelled, the subscription is removed, or
// the broadcaster shuts down.
func (b *Broadcaster) Subscribe(ctx context.Context) (SubscriptionID, <-chan *schema.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *schema.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	go b.observe(id, sub)
	return id, sub.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close shuts down the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for id, sub := range b.subscribers {
			if sub != nil {
				sub.close()
			}
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Drops exposes the queue of recently dropped deliveries for diagnostics.
func (b *Broadcaster) Drops() *DropQueue {
	return b.drops
}

func (b *Broadcaster) observe(id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	sub.close()
}

// deliver enqueues the event without blocking. The subscriber mutex keeps the
// send and close paths mutually exclusive so a detach can never close the
// channel mid-send. Returns whether the event was enqueued and whether the
// channel is still open.
func (s *subscriber) deliver(evt *schema.Event) (delivered, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- evt:
		return true, true
	default:
		return false, true
	}
}

func (s *subscriber) close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
