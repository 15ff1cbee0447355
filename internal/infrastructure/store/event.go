package store

import (
	"encoding/json"
	"time"
)

// DefaultSchemaVersion is stamped on events that do not carry their own.
const DefaultSchemaVersion = "1.0"

// EventMetadata carries causality and schema information for a DomainEvent.
type EventMetadata struct {
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId"`
	UserID        string `json:"userId"`
	SchemaVersion string `json:"schemaVersion"`
}

// DomainEvent is an immutable fact about a state change of one aggregate.
// AggregateVersion is 1-based and gap-free per AggregateID.
type DomainEvent struct {
	EventID          string          `json:"eventId"`
	EventType        string          `json:"eventType"`
	AggregateID      string          `json:"aggregateId"`
	AggregateVersion int             `json:"aggregateVersion"`
	Timestamp        time.Time       `json:"timestamp"`
	Payload          json.RawMessage `json:"payload"`
	Metadata         EventMetadata   `json:"metadata"`
}

// MarshalJSON returns the JSON encoding of the event
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	type Alias DomainEvent
	return json.Marshal(&struct {
		Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     Alias(e),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
