// Package dispatch resolves the rules that apply to an occurrence, renders
// them and queues one evaluation request per rule.
package dispatch

import (
	"context"
	"time"

	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/logger"
	"rcs/internal/store"
	"rcs/pkg/errors"
	"rcs/pkg/metrics"
	"rcs/pkg/models"
	"rcs/pkg/tracing"
)

type Catalog interface {
	Event(ctx context.Context, id string) (*domain.EventDefinition, error)
	ScenesForEvent(ctx context.Context, eventID string) ([]*domain.SceneDefinition, error)
	Rule(ctx context.Context, id string) (*domain.RuleDefinition, error)
}

type OccurrenceStore interface {
	Get(ctx context.Context, id string) (*domain.Occurrence, error)
	InitEntries(ctx context.Context, id string, entries []domain.RuleEntry) (bool, error)
	MarkDispatched(ctx context.Context, id, ruleID string, at time.Time) (bool, error)
	RecordOutcome(ctx context.Context, id string, o store.Outcome) (*domain.Occurrence, error)
	Undecided(ctx context.Context, cutoff time.Time, after store.Cursor, limit int64) ([]domain.Occurrence, error)
	Unissued(ctx context.Context, cutoff time.Time, limit int64) ([]domain.Occurrence, error)
}

type Renderer interface {
	Render(ctx context.Context, n expr.Node, occ *domain.Occurrence) (expr.Node, error)
}

type Completer interface {
	Complete(ctx context.Context, occ *domain.Occurrence) (bool, error)
	Announce(ctx context.Context, occurrenceID string, hitLevel int, action domain.Action) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg models.MessageEnvelope) error
}

type Service struct {
	catalog     Catalog
	occurrences OccurrenceStore
	renderer    Renderer
	decider     Completer
	producer    Publisher
	parser      expr.Parser
	topic       string
	logger      logger.Logger
	now         func() time.Time
}

func NewService(catalog Catalog, occurrences OccurrenceStore, renderer Renderer, decider Completer, producer Publisher, maxDepth int, topic string, log logger.Logger) *Service {
	return &Service{
		catalog:     catalog,
		occurrences: occurrences,
		renderer:    renderer,
		decider:     decider,
		producer:    producer,
		parser:      expr.Parser{MaxDepth: maxDepth},
		topic:       topic,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleIngested consumes occurrence_ingested messages.
func (s *Service) HandleIngested(ctx context.Context, msg models.MessageEnvelope) error {
	var in models.OccurrenceIngested
	if err := msg.DecodePayload(&in); err != nil {
		return errors.ErrSchemaValidation.WithCause(err).WithMessage("%v", err)
	}
	return s.Dispatch(ctx, in.OccurrenceID)
}

// Dispatch resolves the occurrence's rules once and sends every entry still
// awaiting dispatch. Redelivery resends nothing that was already sent.
func (s *Service) Dispatch(ctx context.Context, occurrenceID string) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.occurrence", occurrenceID, "")
	defer span.End()

	occ, err := s.occurrences.Get(ctx, occurrenceID)
	if errors.IsNotFound(err) {
		return errors.ErrReferenceResolution.WithMessage("occurrence %s not found", occurrenceID).WithCause(err)
	}
	if err != nil {
		return err
	}
	if occ.Decided {
		return nil
	}

	if !occ.RulesResolved {
		if occ, err = s.resolve(ctx, occ); err != nil {
			return err
		}
	}

	if occ.EntryCount == 0 {
		_, err := s.decider.Complete(ctx, occ)
		return err
	}

	var fatal error
	for _, entry := range occ.Entries {
		if entry.Status != domain.EntryAwaitingDispatch {
			continue
		}
		if err := s.send(ctx, occ, entry); err != nil {
			if !errors.IsPermanent(err) {
				return err
			}
			// the entry stays open for the reconciliation sweep
			s.logger.ErrorwCtx(ctx, "Failed to render rule",
				"error", err,
				"occurrence_id", occ.ID,
				"rule_id", entry.RuleID,
			)
			metrics.RulesDispatchedTotal.WithLabelValues("render_failed").Inc()
			if fatal == nil {
				fatal = err
			}
		}
	}
	return fatal
}

// resolve persists one awaiting entry per applicable rule before anything is
// sent, then rereads the occurrence so concurrent deliveries agree on the
// entries.
func (s *Service) resolve(ctx context.Context, occ *domain.Occurrence) (*domain.Occurrence, error) {
	rules, err := s.ApplicableRules(ctx, occ)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.RuleEntry, 0, len(rules))
	for _, rule := range rules {
		entries = append(entries, domain.RuleEntry{
			RuleID:      rule.ID,
			Status:      domain.EntryAwaitingDispatch,
			PunishLevel: rule.PunishLevel,
		})
	}

	initialized, err := s.occurrences.InitEntries(ctx, occ.ID, entries)
	if err != nil {
		return nil, err
	}
	s.logger.InfowCtx(ctx, "Rules resolved",
		"occurrence_id", occ.ID,
		"rules", len(entries),
		"initialized", initialized,
	)
	return s.occurrences.Get(ctx, occ.ID)
}

// ApplicableRules returns the active rules of the occurrence's event and of
// every scene attached to that event, each once.
func (s *Service) ApplicableRules(ctx context.Context, occ *domain.Occurrence) ([]*domain.RuleDefinition, error) {
	ev, err := s.catalog.Event(ctx, occ.EventID)
	if errors.IsNotFound(err) {
		return nil, errors.ErrReferenceResolution.WithMessage("event %s not found", occ.EventID).WithCause(err)
	}
	if err != nil {
		return nil, err
	}

	ids := append([]string{}, ev.RuleIDs...)
	scenes, err := s.catalog.ScenesForEvent(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	for _, sc := range scenes {
		ids = append(ids, sc.RuleIDs...)
	}

	seen := make(map[string]bool, len(ids))
	var rules []*domain.RuleDefinition
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		rule, err := s.catalog.Rule(ctx, id)
		if errors.IsNotFound(err) {
			s.logger.WarnwCtx(ctx, "Attached rule no longer exists", "rule_id", id, "event_id", ev.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if rule.AppliesTo(occ.Tenant) {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func (s *Service) send(ctx context.Context, occ *domain.Occurrence, entry domain.RuleEntry) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.rule", occ.ID, entry.RuleID)
	defer span.End()

	rule, err := s.catalog.Rule(ctx, entry.RuleID)
	if errors.IsNotFound(err) {
		return s.closeMissingRule(ctx, occ.ID, entry)
	}
	if err != nil {
		return err
	}

	node, err := s.parser.Parse(rule.Expression)
	if err != nil {
		return err
	}
	rendered, err := s.renderer.Render(ctx, node, occ)
	if err != nil {
		return err
	}
	encoded, err := expr.Encode(rendered)
	if err != nil {
		return errors.ErrEvaluation.WithCause(err).WithMessage("%v", err)
	}

	env, err := models.NewMessageEnvelopeBuilder().
		WithType(models.MessageTypeRuleEvaluationRequested).
		WithSource(constants.ServiceDispatch).
		WithOccurrence(occ.ID, rule.ID).
		WithPayload(models.RuleEvaluationRequested{
			OccurrenceID: occ.ID,
			RuleID:       rule.ID,
			Expression:   encoded,
			Attempt:      entry.Attempts + 1,
		}).
		Build()
	if err != nil {
		return err
	}
	if err := s.producer.Publish(ctx, s.topic, *env); err != nil {
		return err
	}

	if _, err := s.occurrences.MarkDispatched(ctx, occ.ID, rule.ID, s.now()); err != nil {
		return err
	}
	metrics.RulesDispatchedTotal.WithLabelValues("dispatched").Inc()
	return nil
}

// closeMissingRule completes the entry of a rule deleted after resolution so
// the occurrence can still reach a decision.
func (s *Service) closeMissingRule(ctx context.Context, occurrenceID string, entry domain.RuleEntry) error {
	s.logger.WarnwCtx(ctx, "Rule deleted before dispatch, closing entry",
		"occurrence_id", occurrenceID,
		"rule_id", entry.RuleID,
	)
	updated, err := s.occurrences.RecordOutcome(ctx, occurrenceID, store.Outcome{
		RuleID:      entry.RuleID,
		PunishLevel: entry.PunishLevel,
		At:          s.now(),
	})
	if err != nil || updated == nil {
		return err
	}
	metrics.RulesDispatchedTotal.WithLabelValues("rule_missing").Inc()
	_, err = s.decider.Complete(ctx, updated)
	return err
}
