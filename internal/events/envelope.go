package events

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	HeaderSchema  = "schema"
	SchemaVersion = "v1"
)

// Envelope is the transport wrapper published to the fabric. It is not mutated after construction.
type Envelope struct {
	EventType string            `json:"eventType"`
	Source    string            `json:"source"`
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	Headers   map[string]string `json:"headers"`
	Payload   json.RawMessage   `json:"payload"`
}

// NewEnvelope wraps evt with the given identity and time.
func NewEnvelope(evt DomainEvent, source, id string, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return Envelope{
		EventType: evt.EventType(),
		Source:    source,
		ID:        id,
		Timestamp: at.UTC().Format(time.RFC3339),
		Headers:   map[string]string{HeaderSchema: SchemaVersion},
		Payload:   payload,
	}, nil
}

// Event decodes the payload into its variant.
func (e Envelope) Event() (DomainEvent, error) {
	return Decode(e.EventType, e.Payload)
}

// Time parses Timestamp; the zero time is returned when it is malformed.
func (e Envelope) Time() time.Time {
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire envelope. A JSON null or an envelope without id is rejected.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ID == "" || env.EventType == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing id or eventType")
	}
	return env, nil
}
