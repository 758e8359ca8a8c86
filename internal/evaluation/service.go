// Package evaluation executes rendered rule expressions and folds each
// verdict into its occurrence.
package evaluation

import (
	"context"
	"time"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/logger"
	"rcs/internal/store"
	"rcs/pkg/errors"
	"rcs/pkg/metrics"
	"rcs/pkg/models"
	"rcs/pkg/tracing"
)

type RuleLookup interface {
	Rule(ctx context.Context, id string) (*domain.RuleDefinition, error)
}

type OccurrenceStore interface {
	Get(ctx context.Context, id string) (*domain.Occurrence, error)
	RecordOutcome(ctx context.Context, id string, o store.Outcome) (*domain.Occurrence, error)
}

type MatchStore interface {
	Create(ctx context.Context, ruleID, occurrenceID string) (*domain.MatchResult, error)
}

type Completer interface {
	Complete(ctx context.Context, occ *domain.Occurrence) (bool, error)
}

type Service struct {
	rules       RuleLookup
	occurrences OccurrenceStore
	matches     MatchStore
	decider     Completer
	logger      logger.Logger
	now         func() time.Time
}

func NewService(rules RuleLookup, occurrences OccurrenceStore, matches MatchStore, decider Completer, log logger.Logger) *Service {
	return &Service{
		rules:       rules,
		occurrences: occurrences,
		matches:     matches,
		decider:     decider,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvaluationRequested consumes rule_evaluation_requested messages.
func (s *Service) HandleEvaluationRequested(ctx context.Context, msg models.MessageEnvelope) error {
	var req models.RuleEvaluationRequested
	if err := msg.DecodePayload(&req); err != nil {
		return errors.ErrSchemaValidation.WithCause(err).WithMessage("%v", err)
	}
	return s.Evaluate(ctx, req)
}

// Evaluate runs one rule against one occurrence. Outcomes for entries that
// are already closed are acknowledged without effect, so redelivery never
// counts twice.
func (s *Service) Evaluate(ctx context.Context, req models.RuleEvaluationRequested) error {
	ctx, span := tracing.StartSpan(ctx, "evaluation.rule", req.OccurrenceID, req.RuleID)
	defer span.End()

	node, err := expr.Decode(req.Expression)
	if err != nil {
		return errors.ErrSchemaValidation.WithCause(err).WithMessage("undecodable expression: %v", err)
	}

	occ, err := s.occurrences.Get(ctx, req.OccurrenceID)
	if errors.IsNotFound(err) {
		s.logger.WarnwCtx(ctx, "Occurrence not found, dropping evaluation", "occurrence_id", req.OccurrenceID)
		return nil
	}
	if err != nil {
		return err
	}

	entry, ok := occ.Entry(req.RuleID)
	if !ok || entry.Status.Completed() {
		s.logger.DebugwCtx(ctx, "Rule entry already closed",
			"occurrence_id", occ.ID,
			"rule_id", req.RuleID,
		)
		return nil
	}

	if _, err := s.rules.Rule(ctx, req.RuleID); errors.IsNotFound(err) {
		return s.closeMissingRule(ctx, occ.ID, entry)
	} else if err != nil {
		return err
	}

	start := time.Now()
	matched, isBool, err := expr.EvaluateBool(node)
	if err != nil {
		metrics.ObserveRuleEvaluation("error", time.Since(start))
		return errors.ErrEvaluation.WithCause(err).WithMessage("rule %s: %v", req.RuleID, err)
	}
	if !isBool {
		s.logger.WarnwCtx(ctx, "Rule expression did not produce a boolean, using truthiness",
			"rule_id", req.RuleID,
			"matched", matched,
		)
	}

	outcome := store.Outcome{
		RuleID:      req.RuleID,
		Matched:     matched,
		PunishLevel: entry.PunishLevel,
		At:          s.now(),
	}
	if matched {
		res, err := s.matches.Create(ctx, req.RuleID, occ.ID)
		if err != nil {
			return err
		}
		outcome.MatchID = res.ID
	}

	updated, err := s.occurrences.RecordOutcome(ctx, occ.ID, outcome)
	if err != nil {
		return err
	}
	metrics.ObserveRuleEvaluation(resultLabel(matched), time.Since(start))
	if updated == nil {
		return nil
	}

	s.logger.InfowCtx(ctx, "Rule evaluated",
		"occurrence_id", occ.ID,
		"rule_id", req.RuleID,
		"matched", matched,
		"completed", updated.CompletedCount,
		"entries", updated.EntryCount,
	)

	_, err = s.decider.Complete(ctx, updated)
	return err
}

// closeMissingRule closes the entry of a rule deleted after dispatch as a
// non-match so the occurrence can still be decided.
func (s *Service) closeMissingRule(ctx context.Context, occurrenceID string, entry domain.RuleEntry) error {
	s.logger.WarnwCtx(ctx, "Rule deleted before evaluation, closing entry",
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
	metrics.RuleEvaluationsTotal.WithLabelValues("rule_missing").Inc()
	_, err = s.decider.Complete(ctx, updated)
	return err
}

func resultLabel(matched bool) string {
	if matched {
		return "match"
	}
	return "no_match"
}
