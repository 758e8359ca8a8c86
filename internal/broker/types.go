package broker

import (
	"context"

	"rcs/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
	SetServiceName(name string)
}

// HandlerFunc processes one envelope. Returning nil acks the message.
// Fatal errors from pkg/errors skip the retry loop.
type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error
