package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`  // Typed business message, see pipeline.go
	Metadata  Metadata        `json:"metadata"` // Pipeline metadata (trace_id, dlq info)
}

type Metadata struct {
	TraceID      string                 `json:"trace_id,omitempty"`
	OccurrenceID string                 `json:"occurrence_id,omitempty"`
	RuleID       string                 `json:"rule_id,omitempty"`
	DLQ          map[string]interface{} `json:"dlq,omitempty"`
}

// DecodePayload unmarshals the envelope payload into v.
func (msg *MessageEnvelope) DecodePayload(v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("message %s has an empty payload", msg.ID)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
	}
	return nil
}
