package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageEnvelopeBuilder struct {
	envelope *MessageEnvelope
	payload  interface{}
}

func NewMessageEnvelopeBuilder() *MessageEnvelopeBuilder {
	return &MessageEnvelopeBuilder{
		envelope: &MessageEnvelope{
			Metadata: Metadata{},
		},
	}
}

func (b *MessageEnvelopeBuilder) WithID(id string) *MessageEnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *MessageEnvelopeBuilder) WithType(msgType string) *MessageEnvelopeBuilder {
	b.envelope.Type = msgType
	return b
}

func (b *MessageEnvelopeBuilder) WithSource(source string) *MessageEnvelopeBuilder {
	b.envelope.Source = source
	return b
}

func (b *MessageEnvelopeBuilder) WithTimestamp(timestamp time.Time) *MessageEnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

func (b *MessageEnvelopeBuilder) WithPayload(payload interface{}) *MessageEnvelopeBuilder {
	b.payload = payload
	return b
}

func (b *MessageEnvelopeBuilder) WithTraceID(traceID string) *MessageEnvelopeBuilder {
	b.envelope.Metadata.TraceID = traceID
	return b
}

func (b *MessageEnvelopeBuilder) WithOccurrence(occurrenceID, ruleID string) *MessageEnvelopeBuilder {
	b.envelope.Metadata.OccurrenceID = occurrenceID
	b.envelope.Metadata.RuleID = ruleID
	return b
}

func (b *MessageEnvelopeBuilder) Build() (*MessageEnvelope, error) {
	if b.envelope.ID == "" {
		b.envelope.ID = uuid.New().String()
	}
	if b.envelope.Timestamp.IsZero() {
		b.envelope.Timestamp = time.Now()
	}

	body, err := json.Marshal(b.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", b.envelope.Type, err)
	}
	b.envelope.Payload = body

	if err := ValidateMessageEnvelope(b.envelope); err != nil {
		return nil, err
	}
	return b.envelope, nil
}
