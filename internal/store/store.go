// Package store owns the authoritative in-memory result collection. All
// mutation goes through Submit, which serialises dedup resolution, the
// insert-or-override decision, and event publication behind a single mutex.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallywire/tallywire/errs"
	"github.com/tallywire/tallywire/internal/feed"
	"github.com/tallywire/tallywire/internal/observability"
	"github.com/tallywire/tallywire/internal/schema"
)

// Store holds the current record set in insertion/override order.
type Store struct {
	mu      sync.Mutex
	records []*schema.ResultRecord

	broadcaster *feed.Broadcaster
	eventSeq    uint64

	now   func() time.Time
	newID func() string
}

// Option customises store construction.
type Option func(*Store)

// WithClock overrides the timestamp source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithIDGenerator overrides record id assignment, primarily for tests.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New constructs a store publishing mutation events to the broadcaster.
func New(broadcaster *feed.Broadcaster, opts ...Option) *Store {
	s := &Store{
		records:     make([]*schema.ResultRecord, 0),
		broadcaster: broadcaster,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit validates the payload, resolves the dedup key, and either inserts a
// new record or overrides the matched one in place. Exactly one event is
// published per successful call; the submitter never waits on any subscriber.
func (s *Store) Submit(ctx context.Context, sub *schema.Submission) (*schema.ResultRecord, bool, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, false, errs.New("store/submit", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
		default:
		}
	}
	if err := sub.Validate(); err != nil {
		observability.Log().Info("submission rejected",
			observability.Field{Key: "outcome", Value: "invalid"},
			observability.Field{Key: "error", Value: err.Error()})
		return nil, false, err
	}
	sub.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup priority: polling division first, sequence number as fallback.
	match := -1
	if sub.PDCode != "" {
		match = s.findByPD(sub.PDCode)
	}
	if match == -1 && sub.SequenceNumber != "" {
		match = s.findBySeq(sub.SequenceNumber)
	}

	if match != -1 {
		existing := s.records[match]
		updated := mergeRecord(existing, sub)
		at := s.now()
		updated.UpdatedAt = &at
		s.records[match] = updated
		s.audit("result overridden", updated, "overridden")
		s.publishLocked(schema.EventUpdated, updated)
		return updated.Clone(), true, nil
	}

	record := recordFromSubmission(sub)
	record.ID = s.newID()
	record.CreatedAt = s.now()
	s.records = append(s.records, record)
	s.audit("result created", record, "created")
	s.publishLocked(schema.EventCreated, record)
	return record.Clone(), false, nil
}

// Snapshot returns a deep copy of the current record set in
// insertion/override order.
func (s *Store) Snapshot() []*schema.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len reports the number of current records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Subscribe atomically captures the current snapshot and attaches a live
// event channel: no mutation can land between the two, so the subscriber
// sees every subsequent event exactly once with no gap against its snapshot.
func (s *Store) Subscribe(ctx context.Context) ([]*schema.ResultRecord, feed.SubscriptionID, <-chan *schema.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.snapshotLocked()
	id, ch := s.broadcaster.Subscribe(ctx)
	return snapshot, id, ch
}

// Unsubscribe detaches a live subscriber.
func (s *Store) Unsubscribe(id feed.SubscriptionID) {
	s.broadcaster.Unsubscribe(id)
}

func (s *Store) snapshotLocked() []*schema.ResultRecord {
	return schema.CloneRecords(s.records)
}

func (s *Store) findByPD(pdCode string) int {
	for i, r := range s.records {
		if r.PDCode == pdCode {
			return i
		}
	}
	return -1
}

func (s *Store) findBySeq(seq string) int {
	for i, r := range s.records {
		if r.SequenceNumber == seq {
			return i
		}
	}
	return -1
}

func (s *Store) publishLocked(kind schema.EventKind, record *schema.ResultRecord) {
	if s.broadcaster == nil {
		return
	}
	s.eventSeq++
	s.broadcaster.Publish(&schema.Event{
		Kind:      kind,
		Seq:       s.eventSeq,
		Record:    record.Clone(),
		Snapshot:  s.snapshotLocked(),
		EmittedAt: s.now(),
	})
}

func (s *Store) audit(msg string, r *schema.ResultRecord, outcome string) {
	observability.Log().Info(msg,
		observability.Field{Key: "id", Value: r.ID},
		observability.Field{Key: "ed_code", Value: r.EDCode},
		observability.Field{Key: "pd_code", Value: r.PDCode},
		observability.Field{Key: "sequence_number", Value: r.SequenceNumber},
		observability.Field{Key: "outcome", Value: outcome})
}

// mergeRecord applies the submission over the matched record: submitted
// scalars take precedence, omitted ones keep prior values, summary and
// by_party always replace. Identity (id, createdAt) is preserved.
func mergeRecord(existing *schema.ResultRecord, sub *schema.Submission) *schema.ResultRecord {
	merged := existing.Clone()
	if sub.Timestamp != "" {
		merged.Timestamp = sub.Timestamp
	}
	if sub.Level != "" {
		merged.Level = sub.Level
	}
	if sub.EDCode != "" {
		merged.EDCode = sub.EDCode
	}
	if sub.EDName != "" {
		merged.EDName = sub.EDName
	}
	if sub.PDCode != "" {
		merged.PDCode = sub.PDCode
	}
	if sub.PDName != "" {
		merged.PDName = sub.PDName
	}
	if sub.Type != "" {
		merged.Type = sub.Type
	}
	if sub.SequenceNumber != "" {
		merged.SequenceNumber = sub.SequenceNumber
	}
	if sub.Reference != "" {
		merged.Reference = sub.Reference
	}
	merged.Summary = *sub.Summary
	merged.ByParty = make([]schema.PartyTally, len(sub.ByParty))
	copy(merged.ByParty, sub.ByParty)
	return merged
}

func recordFromSubmission(sub *schema.Submission) *schema.ResultRecord {
	record := &schema.ResultRecord{
		Timestamp:      sub.Timestamp,
		Level:          sub.Level,
		EDCode:         sub.EDCode,
		EDName:         sub.EDName,
		PDCode:         sub.PDCode,
		PDName:         sub.PDName,
		Type:           sub.Type,
		SequenceNumber: sub.SequenceNumber,
		Reference:      sub.Reference,
		Summary:        *sub.Summary,
		ByParty:        make([]schema.PartyTally, len(sub.ByParty)),
	}
	copy(record.ByParty, sub.ByParty)
	return record
}
