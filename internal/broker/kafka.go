package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/logger"
	"rcs/pkg/errors"
	"rcs/pkg/logging"
	"rcs/pkg/metrics"
	"rcs/pkg/models"
	"rcs/pkg/retry"
	"rcs/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           constants.KafkaBatchTimeout,
		WriteTimeout:           constants.KafkaWriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

// Publish writes msg synchronously. Messages are keyed by occurrence when one
// is set so all work for an occurrence lands on the same partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.ErrSchemaValidation.WithCause(err).WithMessage("failed to marshal message: %v", err)
	}

	headers := []kafka.Header{}
	headers = tracing.InjectTraceContext(ctx, headers)

	key := msg.Metadata.OccurrenceID
	if key == "" {
		key = msg.ID
	}

	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   topic,
			Key:     []byte(key),
			Value:   body,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	if err != nil {
		return errors.ErrStorageOperation.WithCause(fmt.Errorf("failed to write kafka message to %s: %w", topic, err))
	}

	metrics.MessagesPublishedTotal.WithLabelValues(topic).Inc()
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumer struct {
	cfg         config.KafkaConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	readers     []*kafka.Reader
	logger      logger.Logger
	dlqProducer Producer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		logger:      log,
		serviceName: "unknown",
	}

	if cfg.Topics.DLQ != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}

	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
}

// Consume blocks until ctx is cancelled. Messages are committed only after the
// handler returns, so delivery is at-least-once.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"prefetch", c.prefetch(),
		"service_name", c.serviceName,
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       c.cfg.Brokers,
		GroupID:       c.cfg.GroupID,
		Topic:         topic,
		MinBytes:      10e3,
		MaxBytes:      10e6,
		QueueCapacity: c.prefetch(),
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		consumeCtx := logging.WithServiceName(ctx, c.serviceName)
		c.logger.InfowCtx(consumeCtx, "Started consuming",
			"topic", topic,
		)

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.InfowCtx(consumeCtx, "Stopped consuming",
						"topic", topic,
						"reason", "context canceled",
					)
					return
				}
				c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
					"error", err,
					"topic", topic,
				)
				time.Sleep(time.Second)
				continue
			}

			c.handleMessage(ctx, reader, m, topic, handler)
		}
	}()

	<-ctx.Done()
	return ctx.Err()
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, reader *kafka.Reader, m kafka.Message, topic string, handler HandlerFunc) {
	var envelope models.MessageEnvelope
	if err := json.Unmarshal(m.Value, &envelope); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to unmarshal message",
			"error", err,
			"topic", topic,
			"service_name", c.serviceName,
		)
		metrics.MessagesDroppedTotal.WithLabelValues(c.serviceName, topic, "malformed").Inc()
		_ = reader.CommitMessages(ctx, m)
		return
	}

	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume "+topic, m.Headers)
	defer span.End()

	if envelope.Metadata.TraceID != "" {
		msgCtx = logging.WithTraceID(msgCtx, envelope.Metadata.TraceID)
	}
	msgCtx = logging.WithMessageID(msgCtx, envelope.ID)
	msgCtx = logging.WithServiceName(msgCtx, c.serviceName)
	if envelope.Metadata.OccurrenceID != "" {
		msgCtx = logging.WithOccurrenceID(msgCtx, envelope.Metadata.OccurrenceID)
	}
	if envelope.Metadata.RuleID != "" {
		msgCtx = logging.WithRuleID(msgCtx, envelope.Metadata.RuleID)
	}

	start := time.Now()
	err := c.processMessageWithRetry(msgCtx, envelope, handler, topic)
	metrics.ObserveMessageProcessing(c.serviceName, topic, time.Since(start))

	if !c.settle(msgCtx, envelope, err, topic) {
		return
	}

	if err := reader.CommitMessages(ctx, m); err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to commit message",
			"error", err,
			"topic", topic,
		)
	}
}

// settle reports whether the message may be committed once the handler has
// returned err. A later commit on the partition would also cover this offset,
// so a failed message is held until it reaches the DLQ or ctx ends.
func (c *KafkaConsumer) settle(ctx context.Context, envelope models.MessageEnvelope, err error, topic string) bool {
	switch {
	case err == nil:
		return true
	case errors.IsDuplicateIngestion(err):
		c.logger.DebugwCtx(ctx, "Duplicate message acknowledged",
			"topic", topic,
		)
		return true
	case errors.IsSchemaValidation(err):
		c.logger.WarnwCtx(ctx, "Dropping message that failed schema validation",
			"error", err,
			"topic", topic,
		)
		metrics.MessagesDroppedTotal.WithLabelValues(c.serviceName, topic, "schema_validation").Inc()
		return true
	}

	c.logger.ErrorwCtx(ctx, "Failed to process message",
		"error", err,
		"topic", topic,
		"permanent", errors.IsPermanent(err),
	)
	if c.dlqProducer == nil {
		c.logger.WarnwCtx(ctx, "No DLQ configured, committing message to avoid blocking",
			"topic", topic,
		)
		return true
	}

	dlqErr := c.publishDLQ(ctx, envelope, err, topic)
	switch {
	case dlqErr == nil:
		return true
	case errors.IsPermanent(dlqErr):
		c.logger.ErrorwCtx(ctx, "Message cannot be sent to DLQ, dropping",
			"error", dlqErr,
			"topic", topic,
		)
		metrics.MessagesDroppedTotal.WithLabelValues(c.serviceName, topic, "dlq_rejected").Inc()
		return true
	default:
		c.logger.ErrorwCtx(ctx, "Leaving message uncommitted after DLQ failure",
			"error", dlqErr,
			"topic", topic,
		)
		return false
	}
}

func (c *KafkaConsumer) Close() error {
	var err error
	c.mu.Lock()
	for _, reader := range c.readers {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.mu.Unlock()
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}

func (c *KafkaConsumer) prefetch() int {
	if c.cfg.Prefetch > 0 {
		return c.cfg.Prefetch
	}
	return constants.DefaultPrefetchCount
}

func (c *KafkaConsumer) retryPolicy() retry.Policy {
	return retry.DefaultPolicy().Merge(retry.Policy{
		MaxAttempts:     c.cfg.Retry.MaxAttempts,
		InitialInterval: c.cfg.Retry.InitialInterval,
		MaxInterval:     c.cfg.Retry.MaxInterval,
		Multiplier:      c.cfg.Retry.Multiplier,
		MaxElapsedTime:  c.cfg.Retry.MaxElapsedTime,
	})
}

func (c *KafkaConsumer) processMessageWithRetry(ctx context.Context, envelope models.MessageEnvelope, handler HandlerFunc, topic string) error {
	policy := c.retryPolicy()

	return retry.RetryWithCallback(ctx, policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, envelope)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.serviceName, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

// publishDLQ retries the dead-letter publish with backoff until it succeeds,
// fails permanently or ctx ends.
func (c *KafkaConsumer) publishDLQ(ctx context.Context, envelope models.MessageEnvelope, cause error, topic string) error {
	policy := c.retryPolicy()
	policy.MaxAttempts = math.MaxInt32
	policy.MaxElapsedTime = 0

	return retry.RetryWithCallback(ctx, policy, func() error {
		return c.sendToDLQ(ctx, envelope, cause, topic)
	}, func(attempt int, err error, nextDelay time.Duration) {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) sendToDLQ(ctx context.Context, envelope models.MessageEnvelope, originalErr error, sourceTopic string) error {
	reason := "max_retries_exceeded"
	if errors.IsPermanent(originalErr) {
		reason = "fatal"
	}

	if envelope.Metadata.DLQ == nil {
		envelope.Metadata.DLQ = make(map[string]interface{})
	}
	envelope.Metadata.DLQ["reason"] = originalErr.Error()
	envelope.Metadata.DLQ["source_topic"] = sourceTopic
	envelope.Metadata.DLQ["timestamp"] = time.Now()

	err := c.dlqProducer.Publish(ctx, c.cfg.Topics.DLQ, envelope)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.serviceName, sourceTopic, reason).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.Topics.DLQ,
		"reason", originalErr.Error(),
	)

	return nil
}
