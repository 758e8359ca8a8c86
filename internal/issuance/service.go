// Package issuance turns decisions into punitive actions and notifies the
// tenant.
package issuance

import (
	"context"
	"time"

	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/notification"
	"rcs/pkg/errors"
	"rcs/pkg/metrics"
	"rcs/pkg/models"
	"rcs/pkg/tracing"
)

type OccurrenceStore interface {
	Get(ctx context.Context, id string) (*domain.Occurrence, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error)
}

type MatchStore interface {
	ForOccurrence(ctx context.Context, occurrenceID string) ([]domain.MatchResult, error)
	MarkProcessed(ctx context.Context, occurrenceID string) error
}

type ActionStore interface {
	Create(ctx context.Context, a *domain.PunitiveAction) (*domain.PunitiveAction, bool, error)
	SetNotification(ctx context.Context, id string, outcome domain.NotificationOutcome) error
}

type Notifier interface {
	Notify(ctx context.Context, tenant string, notice notification.Notice) *domain.NotificationOutcome
}

// ManualRequest is an operator-issued punishment for an occurrence.
type ManualRequest struct {
	OccurrenceID string
	Action       domain.Action
	Memo         string
	Handler      string
}

type Service struct {
	occurrences OccurrenceStore
	matches     MatchStore
	actions     ActionStore
	notifier    Notifier
	logger      logger.Logger
	now         func() time.Time
}

// NewService wires issuance. notifier may be nil when notifications are
// disabled.
func NewService(occurrences OccurrenceStore, matches MatchStore, actions ActionStore, notifier Notifier, log logger.Logger) *Service {
	return &Service{
		occurrences: occurrences,
		matches:     matches,
		actions:     actions,
		notifier:    notifier,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleDecided consumes occurrence_decided messages.
func (s *Service) HandleDecided(ctx context.Context, msg models.MessageEnvelope) error {
	var in models.OccurrenceDecided
	if err := msg.DecodePayload(&in); err != nil {
		return errors.ErrSchemaValidation.WithCause(err).WithMessage("%v", err)
	}
	return s.Issue(ctx, in.OccurrenceID)
}

// Issue creates the automatic punitive action for a decided occurrence and
// marks it processed. It is safe to repeat: the action is unique per
// occurrence and an already processed occurrence is skipped.
func (s *Service) Issue(ctx context.Context, occurrenceID string) error {
	ctx, span := tracing.StartSpan(ctx, "issuance.issue", occurrenceID, "")
	defer span.End()

	occ, err := s.occurrences.Get(ctx, occurrenceID)
	if errors.IsNotFound(err) {
		s.logger.WarnwCtx(ctx, "Occurrence not found, dropping decision", "occurrence_id", occurrenceID)
		return nil
	}
	if err != nil {
		return err
	}
	if !occ.Decided {
		return errors.ErrConflict.WithMessage("occurrence %s is not decided yet", occurrenceID)
	}
	if occ.Processed {
		return nil
	}

	if occ.SuggestedAction != domain.ActionNone {
		if err := s.issueAuto(ctx, occ); err != nil {
			return err
		}
	}

	if err := s.matches.MarkProcessed(ctx, occ.ID); err != nil {
		return err
	}
	if _, err := s.occurrences.MarkProcessed(ctx, occ.ID, s.now()); err != nil {
		return err
	}

	s.logger.InfowCtx(ctx, "Occurrence processed",
		"occurrence_id", occ.ID,
		"suggested_action", occ.SuggestedAction,
	)
	return nil
}

func (s *Service) issueAuto(ctx context.Context, occ *domain.Occurrence) error {
	results, err := s.matches.ForOccurrence(ctx, occ.ID)
	if err != nil {
		return err
	}
	matchIDs := make([]string, 0, len(results))
	ruleIDs := make([]string, 0, len(results))
	for _, r := range results {
		matchIDs = append(matchIDs, r.ID)
		ruleIDs = append(ruleIDs, r.RuleID)
	}

	action, created, err := s.actions.Create(ctx, &domain.PunitiveAction{
		OccurrenceID: occ.ID,
		MatchIDs:     matchIDs,
		RuleIDs:      ruleIDs,
		Action:       occ.SuggestedAction,
		Details:      details(occ),
		Handler:      constants.ServiceIssuance,
		Source:       domain.PunishmentSourceAuto,
		User:         occ.User,
	})
	if err != nil {
		return err
	}
	if created {
		metrics.PunitiveActionsIssuedTotal.WithLabelValues(string(action.Action), string(domain.PunishmentSourceAuto)).Inc()
		s.logger.InfowCtx(ctx, "Punitive action issued",
			"occurrence_id", occ.ID,
			"action", action.Action,
			"rules", ruleIDs,
		)
	}

	// a redelivery after a crash between create and notify still notifies once
	if action.Notification == nil {
		return s.notify(ctx, action)
	}
	return nil
}

// IssueManual records an operator punishment for an occurrence and notifies
// the tenant.
func (s *Service) IssueManual(ctx context.Context, req ManualRequest) (*domain.PunitiveAction, error) {
	if !req.Action.Valid() {
		return nil, errors.ErrValidation.WithMessage("unknown punish action %q", req.Action)
	}
	if req.Handler == "" {
		return nil, errors.ErrValidation.WithMessage("handler is required")
	}

	occ, err := s.occurrences.Get(ctx, req.OccurrenceID)
	if err != nil {
		return nil, err
	}
	results, err := s.matches.ForOccurrence(ctx, occ.ID)
	if err != nil {
		return nil, err
	}
	matchIDs := make([]string, 0, len(results))
	ruleIDs := make([]string, 0, len(results))
	for _, r := range results {
		matchIDs = append(matchIDs, r.ID)
		ruleIDs = append(ruleIDs, r.RuleID)
	}

	action, _, err := s.actions.Create(ctx, &domain.PunitiveAction{
		OccurrenceID: occ.ID,
		MatchIDs:     matchIDs,
		RuleIDs:      ruleIDs,
		Action:       req.Action,
		Details:      details(occ),
		Memo:         req.Memo,
		Handler:      req.Handler,
		Source:       domain.PunishmentSourceManual,
		User:         occ.User,
	})
	if err != nil {
		return nil, err
	}
	metrics.PunitiveActionsIssuedTotal.WithLabelValues(string(action.Action), string(domain.PunishmentSourceManual)).Inc()

	if err := s.notify(ctx, action); err != nil {
		return nil, err
	}
	return action, nil
}

// notify never fails the action; only persisting the outcome can error.
func (s *Service) notify(ctx context.Context, action *domain.PunitiveAction) error {
	if s.notifier == nil {
		return nil
	}
	outcome := s.notifier.Notify(ctx, action.User.Project, notification.Notice{
		Action:  action.Action,
		Details: action.Details,
		User:    action.User,
	})
	if outcome == nil {
		return nil
	}
	action.Notification = outcome
	return s.actions.SetNotification(ctx, action.ID, *outcome)
}

func details(occ *domain.Occurrence) map[string]interface{} {
	return map[string]interface{}{
		"occurrence_id":      occ.ID,
		"event_name":         occ.EventName,
		"hit_punish_level":   occ.HitPunishLevel,
		"total_punish_level": occ.TotalPunishLevel,
		"event_at":           occ.EventAt,
	}
}
