package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tallywire/tallywire/internal/schema"
)

func testEvent(seq uint64) *schema.Event {
	return &schema.Event{
		Kind:      schema.EventCreated,
		Seq:       seq,
		Record:    &schema.ResultRecord{ID: "r-1", PDCode: "01A"},
		Snapshot:  []*schema.ResultRecord{{ID: "r-1", PDCode: "01A"}},
		EmittedAt: time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, ch <-chan *schema.Event) *schema.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 4})
	defer b.Close()

	_, first := b.Subscribe(context.Background())
	_, second := b.Subscribe(context.Background())

	b.Publish(testEvent(1))

	for _, ch := range []<-chan *schema.Event{first, second} {
		evt := receive(t, ch)
		if evt == nil || evt.Seq != 1 {
			t.Fatalf("expected seq=1 delivery, got %+v", evt)
		}
	}
}

func TestSubscribersReceiveIsolatedCopies(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 4})
	defer b.Close()

	_, first := b.Subscribe(context.Background())
	_, second := b.Subscribe(context.Background())

	b.Publish(testEvent(1))

	a := receive(t, first)
	a.Record.PDCode = "mutated"
	a.Snapshot[0].PDCode = "mutated"

	bEvt := receive(t, second)
	if bEvt.Record.PDCode != "01A" || bEvt.Snapshot[0].PDCode != "01A" {
		t.Fatal("subscriber mutation leaked into another subscriber's event")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 1, DropQueueCap: 8})
	defer b.Close()

	id, ch := b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Publish(testEvent(1))
		b.Publish(testEvent(2))
		b.Publish(testEvent(3))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if got := b.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
	drops := b.Drops().Drain()
	if len(drops) != 2 {
		t.Fatalf("expected 2 queued drop entries, got %d", len(drops))
	}
	if drops[0].Subscription != id || drops[0].Seq != 2 {
		t.Fatalf("unexpected first drop entry: %+v", drops[0])
	}

	evt := receive(t, ch)
	if evt.Seq != 1 {
		t.Fatalf("buffered event should be seq=1, got %d", evt.Seq)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 4})
	defer b.Close()

	id, ch := b.Subscribe(context.Background())
	b.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Subscribers())
	}
}

func TestContextCancellationDetaches(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 4})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, ch := b.Subscribe(ctx)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if b.Subscribers() != 0 {
					t.Fatalf("expected 0 subscribers after cancel, got %d", b.Subscribers())
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription not removed after context cancellation")
		}
	}
}

func TestCloseShutsDownAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 4})
	_, first := b.Subscribe(context.Background())
	_, second := b.Subscribe(context.Background())

	b.Close()
	b.Close()

	for _, ch := range []<-chan *schema.Event{first, second} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Fatal("expected closed channel after broadcaster close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after broadcaster close")
		}
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Subscribers())
	}
}

func TestPublishNilEventIgnored(t *testing.T) {
	b := NewBroadcaster(Config{})
	defer b.Close()
	b.Publish(nil)
	if b.Dropped() != 0 {
		t.Fatal("nil publish must be a no-op")
	}
}

func TestPublishConcurrentWithUnsubscribe(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 1})
	defer b.Close()

	// A subscriber detaching while a publish is in flight must never crash
	// the publisher; the full buffer forces the publish into the same path
	// the detach is closing.
	for i := 0; i < 200; i++ {
		id, _ := b.Subscribe(context.Background())
		b.Publish(testEvent(1))

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			b.Publish(testEvent(2))
		}()
		go func() {
			defer wg.Done()
			<-start
			b.Unsubscribe(id)
		}()
		close(start)
		wg.Wait()
	}
}

func TestPublishConcurrentWithContextCancel(t *testing.T) {
	b := NewBroadcaster(Config{BufferSize: 1})
	defer b.Close()

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		b.Subscribe(ctx)
		b.Publish(testEvent(1))

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			b.Publish(testEvent(2))
		}()
		go func() {
			defer wg.Done()
			<-start
			cancel()
		}()
		close(start)
		wg.Wait()
	}
}

func TestOnDropHookObservesLostDeliveries(t *testing.T) {
	var observed atomic.Int64
	b := NewBroadcaster(Config{
		BufferSize: 1,
		OnDrop:     func(n int64) { observed.Add(n) },
	})
	defer b.Close()

	_, _ = b.Subscribe(context.Background())
	b.Publish(testEvent(1))
	b.Publish(testEvent(2))
	b.Publish(testEvent(3))

	if got := observed.Load(); got != 2 {
		t.Fatalf("expected hook to observe 2 lost deliveries, got %d", got)
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("expected drop counter at 2, got %d", got)
	}
}

func TestDropQueueEvictsOldest(t *testing.T) {
	q := NewDropQueue(2)
	q.Offer(DroppedEvent{Seq: 1})
	q.Offer(DroppedEvent{Seq: 2})
	q.Offer(DroppedEvent{Seq: 3})

	drops := q.Drain()
	if len(drops) != 2 {
		t.Fatalf("expected capacity-bounded queue, got %d entries", len(drops))
	}
	if drops[0].Seq != 2 || drops[1].Seq != 3 {
		t.Fatalf("expected oldest entry evicted, got %+v", drops)
	}
	if q.Len() != 0 {
		t.Fatalf("drain must empty the queue, got %d", q.Len())
	}
}
