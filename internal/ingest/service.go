// Package ingest validates submitted occurrences, stores them and announces
// them to the dispatch stage.
package ingest

import (
	"context"
	"time"

	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/schema"
	"rcs/pkg/errors"
	"rcs/pkg/metrics"
	"rcs/pkg/models"
	"rcs/pkg/tracing"
)

type EventLookup interface {
	EventByName(ctx context.Context, name string) (*domain.EventDefinition, error)
}

type OccurrenceStore interface {
	Insert(ctx context.Context, occ *domain.Occurrence) error
	GetByBusinessKey(ctx context.Context, key string) (*domain.Occurrence, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
}

type Service struct {
	events      EventLookup
	occurrences OccurrenceStore
	validator   *schema.Validator
	hasher      *Hasher
	producer    Publisher
	topic       string
	logger      logger.Logger
	now         func() time.Time
}

func NewService(events EventLookup, occurrences OccurrenceStore, validator *schema.Validator, hasher *Hasher, producer Publisher, topic string, log logger.Logger) *Service {
	return &Service{
		events:      events,
		occurrences: occurrences,
		validator:   validator,
		hasher:      hasher,
		producer:    producer,
		topic:       topic,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit stores one occurrence. Submitting the same business key twice is
// not an error: the stored occurrence is returned with Duplicate set.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	ev, err := s.events.EventByName(ctx, req.EventName)
	if err != nil {
		metrics.OccurrencesIngestedTotal.WithLabelValues(req.EventName, "unknown_event").Inc()
		return nil, err
	}
	if req.User.UserID == "" {
		return nil, errors.ErrValidation.WithMessage("user.user_id is required")
	}

	payload, err := s.validator.Validate(ctx, ev.Schema, req.EventData, schema.Strict)
	if err != nil {
		metrics.OccurrencesIngestedTotal.WithLabelValues(ev.Name, "invalid").Inc()
		return nil, err
	}

	now := s.now()
	eventAt := now
	if req.EventAt != nil {
		eventAt = req.EventAt.UTC()
	}

	key := req.BusinessKey
	if key == "" {
		key, err = s.hasher.BusinessKey(ev.Name, req.User, eventAt, payload)
		if err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}
	}

	occ := &domain.Occurrence{
		EventID:     ev.ID,
		EventName:   ev.Name,
		Tenant:      req.User.Project,
		User:        req.User,
		Payload:     payload,
		BusinessKey: key,
		EventAt:     eventAt,
		CreatedAt:   now,
	}

	ctx, span := tracing.StartSpan(ctx, "ingest.submit", "", "")
	defer span.End()

	err = s.occurrences.Insert(ctx, occ)
	if errors.IsDuplicateIngestion(err) {
		existing, getErr := s.occurrences.GetByBusinessKey(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		metrics.OccurrencesIngestedTotal.WithLabelValues(ev.Name, "duplicate").Inc()
		s.logger.DebugwCtx(ctx, "Duplicate occurrence acknowledged",
			"business_key", key,
			"occurrence_id", existing.ID,
		)
		return &SubmitResponse{OccurrenceID: existing.ID, BusinessKey: key, Duplicate: true}, nil
	}
	if err != nil {
		metrics.OccurrencesIngestedTotal.WithLabelValues(ev.Name, "error").Inc()
		return nil, err
	}
	metrics.OccurrencesIngestedTotal.WithLabelValues(ev.Name, "stored").Inc()

	// the reconciliation sweep dispatches occurrences whose announcement was lost
	if err := s.announce(ctx, occ); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to announce occurrence",
			"error", err,
			"occurrence_id", occ.ID,
		)
	}

	return &SubmitResponse{OccurrenceID: occ.ID, BusinessKey: key}, nil
}

func (s *Service) announce(ctx context.Context, occ *domain.Occurrence) error {
	env, err := models.NewMessageEnvelopeBuilder().
		WithType(models.MessageTypeOccurrenceIngested).
		WithSource(constants.ServiceIngest).
		WithOccurrence(occ.ID, "").
		WithPayload(models.OccurrenceIngested{
			OccurrenceID: occ.ID,
			EventName:    occ.EventName,
			Tenant:       occ.Tenant,
		}).
		Build()
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, s.topic, *env)
}
