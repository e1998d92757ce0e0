// Package dedup guards externally-delivered events (blockchain listener
// output, redelivered queue messages) against double processing. The guard is
// a store marker with a TTL; inside the TTL window a second delivery of the
// same event is dropped. Store outages fail open: processing a real event
// twice is recoverable, silently dropping one is not.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tickettoken/coordination/internal/metrics"
	"github.com/tickettoken/coordination/internal/store"
	"github.com/tickettoken/coordination/pkg/models"
)

const (
	DefaultKeyPrefix = "event:dedup:"
	DefaultTTL       = 24 * time.Hour
)

// marker is the store-resident proof that an event was processed.
type marker struct {
	ProcessedAt time.Time `json:"processed_at"`
	EventType   string    `json:"event_type"`
	Source      string    `json:"source"`
}

// Result reports the outcome of ProcessWithDeduplication.
type Result struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
}

// Deduplicator provides at-most-once guards over the shared store.
type Deduplicator struct {
	store   store.Store
	prefix  string
	ttl     time.Duration
	metrics *metrics.Metrics
}

// New creates a Deduplicator. Zero prefix/ttl fall back to the defaults.
func New(s store.Store, prefix string, ttl time.Duration, m *metrics.Metrics) *Deduplicator {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{store: s, prefix: prefix, ttl: ttl, metrics: m}
}

// IsDuplicate reports whether the event's marker already exists. A store
// error reads as "not a duplicate" (fail open) and is logged. Read-only;
// does not claim the event.
func (d *Deduplicator) IsDuplicate(ctx context.Context, ev models.Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	_, found, err := d.store.Get(ctx, d.key(ev))
	if err != nil {
		slog.Error("dedup check store error", "event_id", ev.Metadata.EventID, "error", err)
		d.metrics.DedupEvents.WithLabelValues("store_error").Inc()
		return false, nil
	}
	return found, nil
}

// MarkProcessed writes the event's marker unconditionally. Best effort: a
// store error is logged and swallowed.
func (d *Deduplicator) MarkProcessed(ctx context.Context, ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	if err := d.store.Set(ctx, d.key(ev), d.marker(ev), d.ttl); err != nil {
		slog.Error("dedup mark store error", "event_id", ev.Metadata.EventID, "error", err)
		d.metrics.DedupEvents.WithLabelValues("store_error").Inc()
	}
	return nil
}

// CheckAndMark atomically claims the event in a single store round trip.
// Returns true when the event is new and safe to process, false when the
// marker already existed. A store error returns true (fail open) and logs.
func (d *Deduplicator) CheckAndMark(ctx context.Context, ev models.Event) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	fresh, err := d.store.SetNX(ctx, d.key(ev), d.marker(ev), d.ttl)
	if err != nil {
		slog.Error("dedup check-and-mark store error", "event_id", ev.Metadata.EventID, "error", err)
		d.metrics.DedupEvents.WithLabelValues("store_error").Inc()
		return true, nil
	}
	return fresh, nil
}

// ProcessWithDeduplication runs processor at most once per event. A duplicate
// short-circuits without error. The marker is written before the processor
// runs and is NOT rolled back when the processor fails: a crashed processing
// attempt still counts as "seen", trading a possible poison event for not
// re-applying a partially-applied side effect in a loop. ClearEntry exists
// for manual recovery of such events.
func (d *Deduplicator) ProcessWithDeduplication(ctx context.Context, ev models.Event, processor func(context.Context, models.Event) error) (Result, error) {
	fresh, err := d.CheckAndMark(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		slog.Debug("duplicate event skipped",
			"event_id", ev.Metadata.EventID,
			"event_type", ev.Metadata.EventType,
		)
		d.metrics.DedupEvents.WithLabelValues("duplicate").Inc()
		return Result{Processed: false, Reason: "duplicate"}, nil
	}

	d.metrics.DedupEvents.WithLabelValues("processed").Inc()
	if err := processor(ctx, ev); err != nil {
		return Result{Processed: true}, err
	}
	return Result{Processed: true}, nil
}

// ClearEntry removes an event's marker so it can be processed again.
// Operational recovery only.
func (d *Deduplicator) ClearEntry(ctx context.Context, eventID, eventType string) error {
	if eventID == "" || eventType == "" {
		return fmt.Errorf("event id and type are required")
	}
	return d.store.Delete(ctx, store.DedupKey(d.prefix, eventType, eventID))
}

// Stats returns the number of dedup markers under the configured prefix.
func (d *Deduplicator) Stats(ctx context.Context) (int64, error) {
	return d.store.CountKeys(ctx, d.prefix+"*")
}

func (d *Deduplicator) key(ev models.Event) string {
	return store.DedupKey(d.prefix, ev.Metadata.EventType, ev.Metadata.EventID)
}

func (d *Deduplicator) marker(ev models.Event) []byte {
	b, _ := json.Marshal(marker{
		ProcessedAt: time.Now().UTC(),
		EventType:   ev.Metadata.EventType,
		Source:      ev.Metadata.Source,
	})
	return b
}
