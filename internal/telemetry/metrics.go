package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the ingest pipeline instruments.
type Metrics struct {
	submissions   metric.Int64Counter
	subscribers   metric.Int64UpDownCounter
	droppedEvents metric.Int64Counter
}

// NewMetrics registers the pipeline instruments against the provider's meter.
func NewMetrics(provider *Provider) (*Metrics, error) {
	meter := provider.Meter("tallywire/ingest")

	submissions, err := meter.Int64Counter("tallywire.submissions",
		metric.WithDescription("Result submissions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create submissions counter: %w", err)
	}
	subscribers, err := meter.Int64UpDownCounter("tallywire.live.subscribers",
		metric.WithDescription("Currently attached live subscribers"))
	if err != nil {
		return nil, fmt.Errorf("create subscribers counter: %w", err)
	}
	dropped, err := meter.Int64Counter("tallywire.live.dropped_events",
		metric.WithDescription("Events dropped due to full subscriber buffers"))
	if err != nil {
		return nil, fmt.Errorf("create dropped events counter: %w", err)
	}

	return &Metrics{
		submissions:   submissions,
		subscribers:   subscribers,
		droppedEvents: dropped,
	}, nil
}

// RecordSubmission counts one submission with its outcome
// (created, overridden, or invalid).
func (m *Metrics) RecordSubmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SubscriberAttached records a live channel attach.
func (m *Metrics) SubscriberAttached(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, 1)
}

// SubscriberDetached records a live channel detach.
func (m *Metrics) SubscriberDetached(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscribers.Add(ctx, -1)
}

// EventsDropped counts deliveries lost to full subscriber buffers.
func (m *Metrics) EventsDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedEvents.Add(ctx, n)
}
