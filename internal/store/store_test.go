package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tallywire/tallywire/errs"
	"github.com/tallywire/tallywire/internal/feed"
	"github.com/tallywire/tallywire/internal/schema"
)

func newTestStore(t *testing.T) (*Store, *feed.Broadcaster) {
	t.Helper()
	broadcaster := feed.NewBroadcaster(feed.Config{BufferSize: 16})
	t.Cleanup(broadcaster.Close)

	var (
		mu    sync.Mutex
		tick  int64
		ident int
	)
	st := New(broadcaster,
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC).Add(time.Duration(tick) * time.Second)
		}),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			ident++
			return fmt.Sprintf("rec-%d", ident)
		}),
	)
	return st, broadcaster
}

func submission(pd, seq string, votes int64) *schema.Submission {
	return &schema.Submission{
		EDCode:         "1",
		PDCode:         pd,
		SequenceNumber: seq,
		Summary:        &schema.Summary{Valid: votes},
		ByParty:        []schema.PartyTally{{PartyCode: "ABC", Votes: votes}},
	}
}

func TestSubmitCreatesNewRecord(t *testing.T) {
	st, _ := newTestStore(t)

	record, overridden, err := st.Submit(context.Background(), submission("01A", "0001", 100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if overridden {
		t.Fatal("first submission must create, not override")
	}
	if record.ID == "" || record.CreatedAt.IsZero() {
		t.Fatalf("expected assigned identity, got %+v", record)
	}
	if record.UpdatedAt != nil {
		t.Fatal("new record must not carry updatedAt")
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", st.Len())
	}
}

func TestSubmitMatchingPDCodeOverridesInPlace(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := st.Submit(ctx, submission("01A", "0001", 100))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, overridden, err := st.Submit(ctx, submission("01A", "0002", 120))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !overridden {
		t.Fatal("same pd_code must override")
	}
	if second.ID != first.ID {
		t.Fatalf("override must preserve id: %s vs %s", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("override must preserve createdAt")
	}
	if second.UpdatedAt == nil {
		t.Fatal("override must set updatedAt")
	}
	if second.ByParty[0].Votes != 120 {
		t.Fatalf("override must replace by_party, got %d", second.ByParty[0].Votes)
	}
	if st.Len() != 1 {
		t.Fatalf("override must not grow the collection: %d", st.Len())
	}
}

func TestSubmitSequenceNumberFallbackMatch(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := st.Submit(ctx, submission("01A", "0001", 100))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// Different pd_code, same sequence number: the sequence fallback matches
	// and the override adopts the new pd_code.
	sub := submission("01B", "0001", 90)
	record, overridden, err := st.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !overridden {
		t.Fatal("matching sequence_number must override")
	}
	if record.ID != first.ID {
		t.Fatal("sequence match must preserve identity")
	}
	if record.PDCode != "01B" {
		t.Fatalf("override must adopt submitted pd_code, got %s", record.PDCode)
	}
	if st.Len() != 1 {
		t.Fatalf("expected single record, got %d", st.Len())
	}
}

func TestSubmitPDCodePriorityOverSequence(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	a, _, err := st.Submit(ctx, submission("01A", "0001", 100))
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if _, _, err := st.Submit(ctx, submission("01B", "0002", 50)); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	// pd_code matches record a, sequence matches record b: pd wins.
	record, overridden, err := st.Submit(ctx, submission("01A", "0002", 70))
	if err != nil {
		t.Fatalf("submit c: %v", err)
	}
	if !overridden || record.ID != a.ID {
		t.Fatalf("pd_code match must take priority, got id=%s overridden=%v", record.ID, overridden)
	}
}

func TestSubmitDistinctKeysDoNotMerge(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := st.Submit(ctx, submission("01A", "0001", 100)); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	_, overridden, err := st.Submit(ctx, submission("01B", "0002", 50))
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if overridden {
		t.Fatal("distinct pd_code and sequence_number must insert")
	}
	if st.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", st.Len())
	}
}

func TestSubmitOmittedScalarsKeepPriorValues(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	first := submission("01A", "0001", 100)
	first.PDName = "Colombo North"
	first.EDName = "Colombo"
	if _, _, err := st.Submit(ctx, first); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second := submission("01A", "", 120)
	second.EDCode = ""
	second.EDName = ""
	record, _, err := st.Submit(ctx, second)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if record.EDName != "Colombo" || record.EDCode != "1" {
		t.Fatalf("omitted scalars must keep prior values, got %q/%q", record.EDCode, record.EDName)
	}
	if record.PDName != "Colombo North" {
		t.Fatalf("omitted pd_name must survive, got %q", record.PDName)
	}
	if record.SequenceNumber != "0001" {
		t.Fatalf("omitted sequence_number must survive, got %q", record.SequenceNumber)
	}
}

func TestSubmitInvalidPayloadRejected(t *testing.T) {
	st, _ := newTestStore(t)
	_, _, err := st.Submit(context.Background(), &schema.Submission{PDCode: "01A"})
	if !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_payload, got %v", err)
	}
	if st.Len() != 0 {
		t.Fatal("invalid submission must not mutate the store")
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	st, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := st.Submit(ctx, submission("01A", "0001", 10))
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable on cancelled context, got %v", err)
	}
}

func TestSnapshotIsIsolatedCopy(t *testing.T) {
	st, _ := newTestStore(t)
	if _, _, err := st.Submit(context.Background(), submission("01A", "0001", 100)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snapshot := st.Snapshot()
	snapshot[0].ByParty[0].Votes = 999

	fresh := st.Snapshot()
	if fresh[0].ByParty[0].Votes != 100 {
		t.Fatalf("snapshot mutation leaked into store: %d", fresh[0].ByParty[0].Votes)
	}
}

func TestEventsCarryKindAndSnapshot(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	snapshot, id, events := st.Subscribe(ctx)
	defer st.Unsubscribe(id)
	if len(snapshot) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(snapshot))
	}

	if _, _, err := st.Submit(ctx, submission("01A", "0001", 100)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	created := receiveEvent(t, events)
	if created.Kind != schema.EventCreated || created.Seq != 1 {
		t.Fatalf("expected created seq=1, got %s seq=%d", created.Kind, created.Seq)
	}
	if len(created.Snapshot) != 1 {
		t.Fatalf("event must carry full snapshot, got %d", len(created.Snapshot))
	}

	if _, _, err := st.Submit(ctx, submission("01A", "", 120)); err != nil {
		t.Fatalf("override: %v", err)
	}
	updated := receiveEvent(t, events)
	if updated.Kind != schema.EventUpdated || updated.Seq != 2 {
		t.Fatalf("expected updated seq=2, got %s seq=%d", updated.Kind, updated.Seq)
	}
	if updated.Record.ByParty[0].Votes != 120 {
		t.Fatalf("event record must reflect the override, got %d", updated.Record.ByParty[0].Votes)
	}
	if len(updated.Snapshot) != 1 {
		t.Fatalf("override event snapshot must stay at 1 record, got %d", len(updated.Snapshot))
	}
}

func TestSubscribeSnapshotGapless(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if _, _, err := st.Submit(ctx, submission("01A", "0001", 100)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snapshot, id, events := st.Subscribe(ctx)
	defer st.Unsubscribe(id)
	if len(snapshot) != 1 {
		t.Fatalf("expected snapshot with 1 record, got %d", len(snapshot))
	}

	if _, _, err := st.Submit(ctx, submission("01B", "0002", 50)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	evt := receiveEvent(t, events)
	if evt.Record.PDCode != "01B" {
		t.Fatalf("first streamed event must be the post-snapshot mutation, got %s", evt.Record.PDCode)
	}
}

func TestConcurrentSubmitsAllResolved(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			pd := fmt.Sprintf("%02dA", n%4)
			seq := fmt.Sprintf("%04d", n%4)
			if _, _, err := st.Submit(ctx, submission(pd, seq, int64(n))); err != nil {
				t.Errorf("submit %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	// Four distinct dedup keys were used; every extra write must have
	// resolved to an override, never a duplicate insert.
	if st.Len() != 4 {
		t.Fatalf("expected 4 records after concurrent writes, got %d", st.Len())
	}
}

func receiveEvent(t *testing.T, events <-chan *schema.Event) *schema.Event {
	t.Helper()
	select {
	case evt := <-events:
		if evt == nil {
			t.Fatal("event channel closed unexpectedly")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
