package schema

import "time"

// EventKind tags a store mutation event.
type EventKind string

const (
	// EventCreated marks a freshly inserted record.
	EventCreated EventKind = "created"
	// EventUpdated marks an override of an existing record.
	EventUpdated EventKind = "updated"
	// EventSnapshot carries the full collection with no single changed
	// record, used as the first delivery on a live channel attach.
	EventSnapshot EventKind = "snapshot"
)

// Event is one store mutation fanned out to live subscribers. Every event
// carries the changed record and the refreshed full snapshot so a subscriber
// that lost an incremental delivery can reconcile from canonical state.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Seq       uint64          `json:"seq"`
	Record    *ResultRecord   `json:"record"`
	Snapshot  []*ResultRecord `json:"snapshot"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// CloneEvent returns a deep copy safe to hand to another goroutine.
func CloneEvent(evt *Event) *Event {
	if evt == nil {
		return nil
	}
	clone := *evt
	clone.Record = evt.Record.Clone()
	clone.Snapshot = CloneRecords(evt.Snapshot)
	return &clone
}
