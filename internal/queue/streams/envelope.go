// Package streams carries ingestion events over Redis Streams. The stream is
// a wake-up channel for workers, not a source of truth: every event only
// points at a document row, and a worker that never sees the event still
// picks the document up on its next poll.
package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocumentStream is the stream ingestion events are appended to.
const DocumentStream = "docflow:documents"

// EventDocumentIngested signals that a new document row is waiting in the
// pending state.
const EventDocumentIngested = "document.ingested"

// DocumentIngested is the payload for EventDocumentIngested.
type DocumentIngested struct {
	DocumentID string `json:"document_id"`
	Source     string `json:"source"`
}

// Envelope is the message wrapper persisted to the stream.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
