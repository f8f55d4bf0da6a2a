// Package envelope defines the wire-level unit of communication between
// mesh nodes: a typed, addressed event carrying an upstream/downstream
// session pairing and a JSON payload.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the addressed unit of communication routed by the Broker.
type Envelope struct {
	EventID             string          `json:"event_id"`
	SourceID            string          `json:"source_id"`
	TargetID            string          `json:"target_id"`
	EventType           string          `json:"event_type"`
	UpstreamSessionID   string          `json:"upstream_session_id"`
	DownstreamSessionID string          `json:"downstream_session_id"`
	Payload             json.RawMessage `json:"payload"`
	CreatedAt           time.Time       `json:"created_at"`
}

// New builds an Envelope, marshaling payload and stamping a fresh id/time.
func New(sourceID, targetID, eventType, upstreamSessionID, downstreamSessionID string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{
		EventID:             uuid.New().String(),
		SourceID:            sourceID,
		TargetID:            targetID,
		EventType:           eventType,
		UpstreamSessionID:   upstreamSessionID,
		DownstreamSessionID: downstreamSessionID,
		Payload:             raw,
		CreatedAt:           time.Now(),
	}, nil
}

// UnmarshalPayload decodes the envelope's payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone deep-copies the envelope, including its payload bytes.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Payload = make(json.RawMessage, len(e.Payload))
	copy(clone.Payload, e.Payload)
	return &clone
}

// ToJSON serializes the envelope.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an envelope from its wire representation.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return &e, nil
}

// ValidationError reports a required-field violation on an Envelope.
type ValidationError struct {
	Field   string
	Message string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("envelope validation: %s: %s", v.Field, v.Message)
}

// Validate checks the required routing/type fields are populated.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return &ValidationError{Field: "event_id", Message: "must not be empty"}
	case e.SourceID == "":
		return &ValidationError{Field: "source_id", Message: "must not be empty"}
	case e.TargetID == "":
		return &ValidationError{Field: "target_id", Message: "must not be empty"}
	case e.EventType == "":
		return &ValidationError{Field: "event_type", Message: "must not be empty"}
	case e.DownstreamSessionID == "":
		return &ValidationError{Field: "downstream_session_id", Message: "must not be empty"}
	case e.Payload == nil:
		return &ValidationError{Field: "payload", Message: "must not be nil"}
	}
	return nil
}

// Topic returns the wire address a node subscribes/publishes on:
// "{mesh_id}#{node_id}".
func Topic(meshID, nodeID string) string {
	return meshID + "#" + nodeID
}
