package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Known event types emitted by the blockchain listener and queue consumers.
const (
	EventTicketMinted      = "ticket.minted"
	EventTicketTransferred = "ticket.transferred"
	EventTicketListed      = "ticket.listed"
	EventListingSold       = "listing.sold"
	EventListingCancelled  = "listing.cancelled"
	EventVenueVerified     = "venue.verified"
)

const defaultEventVersion = "1.0.0"

// eventVersions maps event types to their current schema version. Types not
// listed here resolve to defaultEventVersion.
var eventVersions = map[string]string{
	EventTicketMinted:      "1.2.0",
	EventTicketTransferred: "1.1.0",
	EventListingSold:       "1.1.0",
}

// EventMetadata is the immutable header of an event envelope.
type EventMetadata struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Version       string    `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// Event is the envelope handed to the deduplicator and downstream processors.
// Both Metadata and Payload are required for the event to be valid.
type Event struct {
	Metadata EventMetadata  `json:"metadata"`
	Payload  map[string]any `json:"payload"`
}

// NewEvent builds an envelope with a random event ID. Use this for events
// that are inherently unique per occurrence.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		Metadata: EventMetadata{
			EventID:   uuid.NewString(),
			EventType: eventType,
			Version:   EventVersion(eventType),
			Timestamp: time.Now().UTC(),
			Source:    source,
		},
		Payload: payload,
	}
}

// NewDeterministicEvent builds an envelope whose event ID is derived from the
// defining payload fields. Two events reconstructed independently from the
// same fields (e.g. after a listener retry) collide on the same ID and
// therefore the same dedup key.
func NewDeterministicEvent(eventType, source string, defining map[string]any) Event {
	ev := NewEvent(eventType, source, defining)
	ev.Metadata.EventID = DeterministicEventID(eventType, defining)
	return ev
}

// DeterministicEventID hashes the event type plus the key-sorted defining
// fields into a stable hex ID. Changing any field changes the ID.
func DeterministicEventID(eventType string, fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n", eventType)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v\n", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EventVersion resolves the schema version for an event type.
func EventVersion(eventType string) string {
	if v, ok := eventVersions[eventType]; ok {
		return v
	}
	return defaultEventVersion
}

// Validate checks the envelope is structurally usable for deduplication.
func (e Event) Validate() error {
	if e.Metadata.EventID == "" {
		return fmt.Errorf("event missing event_id")
	}
	if e.Metadata.EventType == "" {
		return fmt.Errorf("event missing event_type")
	}
	if e.Payload == nil {
		return fmt.Errorf("event missing payload")
	}
	return nil
}
