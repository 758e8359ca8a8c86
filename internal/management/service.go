package management

import (
	"context"

	"rcs/internal/config"
	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/issuance"
	"rcs/internal/logger"
	"rcs/internal/schema"
	"rcs/internal/store"
	pkgerrors "rcs/pkg/errors"
)

type service struct {
	catalog     Catalog
	occurrences OccurrenceStore
	matches     MatchStore
	actions     ActionStore
	issuer      Issuer
	validator   *schema.Validator
	audit       AuditRepository
	stats       config.StatisticsConfig
	logger      logger.Logger
}

type ServiceOption func(*service)

// WithAudit records every definition change and manual punishment.
func WithAudit(repo AuditRepository) ServiceOption {
	return func(s *service) {
		s.audit = repo
	}
}

func WithStatistics(cfg config.StatisticsConfig) ServiceOption {
	return func(s *service) {
		s.stats = cfg
	}
}

func NewService(catalog Catalog, occurrences OccurrenceStore, matches MatchStore, actions ActionStore, issuer Issuer, validator *schema.Validator, log logger.Logger, opts ...ServiceOption) Service {
	s := &service{
		catalog:     catalog,
		occurrences: occurrences,
		matches:     matches,
		actions:     actions,
		issuer:      issuer,
		validator:   validator,
		logger:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) CreateEvent(ctx context.Context, req CreateEventRequest) (*domain.EventDefinition, error) {
	if err := s.validateSchema(req.Schema); err != nil {
		return nil, err
	}
	ev := &domain.EventDefinition{
		Name:        req.Name,
		Description: req.Description,
		Schema:      req.Schema,
	}
	if err := s.catalog.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	s.record(ctx, EntityEvent, ev.ID, AuditCreate, nil, ev)
	return ev, nil
}

func (s *service) ListEvents(ctx context.Context, page store.Page) ([]domain.EventDefinition, int64, error) {
	return s.catalog.ListEvents(ctx, page)
}

func (s *service) GetEvent(ctx context.Context, id string) (*domain.EventDefinition, error) {
	return s.catalog.Event(ctx, id)
}

func (s *service) UpdateEvent(ctx context.Context, id string, req UpdateEventRequest) (*domain.EventDefinition, error) {
	prev, err := s.catalog.Event(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := *prev
	if req.Name != nil {
		ev.Name = *req.Name
	}
	if req.Description != nil {
		ev.Description = *req.Description
	}
	if req.Schema != nil {
		if err := s.validateSchema(*req.Schema); err != nil {
			return nil, err
		}
		ev.Schema = *req.Schema
	}
	if err := s.catalog.UpdateEvent(ctx, &ev); err != nil {
		return nil, err
	}
	s.record(ctx, EntityEvent, id, AuditUpdate, prev, &ev)
	return &ev, nil
}

func (s *service) DeleteEvent(ctx context.Context, id string) error {
	prev, err := s.catalog.Event(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.DeleteEvent(ctx, id); err != nil {
		return err
	}
	s.record(ctx, EntityEvent, id, AuditDelete, prev, nil)
	return nil
}

func (s *service) AttachEventRule(ctx context.Context, eventID, ruleID string) error {
	if err := s.catalog.AttachRuleToEvent(ctx, eventID, ruleID); err != nil {
		return err
	}
	s.record(ctx, EntityEvent, eventID, AuditAttach, nil, map[string]string{"rule_id": ruleID})
	return nil
}

func (s *service) DetachEventRule(ctx context.Context, eventID, ruleID string) error {
	if err := s.catalog.DetachRuleFromEvent(ctx, eventID, ruleID); err != nil {
		return err
	}
	s.record(ctx, EntityEvent, eventID, AuditDetach, map[string]string{"rule_id": ruleID}, nil)
	return nil
}

func (s *service) CreateScene(ctx context.Context, req CreateSceneRequest) (*domain.SceneDefinition, error) {
	if err := s.validateSchema(req.Schema); err != nil {
		return nil, err
	}
	if err := s.checkEvents(ctx, req.EventIDs); err != nil {
		return nil, err
	}
	sc := &domain.SceneDefinition{
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
		Schema:      req.Schema,
		EventIDs:    req.EventIDs,
	}
	if err := s.catalog.CreateScene(ctx, sc); err != nil {
		return nil, err
	}
	s.record(ctx, EntityScene, sc.ID, AuditCreate, nil, sc)
	return sc, nil
}

func (s *service) ListScenes(ctx context.Context, category string, page store.Page) ([]domain.SceneDefinition, int64, error) {
	return s.catalog.ListScenes(ctx, category, page)
}

func (s *service) GetScene(ctx context.Context, id string) (*domain.SceneDefinition, error) {
	return s.catalog.Scene(ctx, id)
}

func (s *service) UpdateScene(ctx context.Context, id string, req UpdateSceneRequest) (*domain.SceneDefinition, error) {
	prev, err := s.catalog.Scene(ctx, id)
	if err != nil {
		return nil, err
	}
	sc := *prev
	if req.Name != nil {
		sc.Name = *req.Name
	}
	if req.Category != nil {
		sc.Category = *req.Category
	}
	if req.Description != nil {
		sc.Description = *req.Description
	}
	if req.Schema != nil {
		if err := s.validateSchema(*req.Schema); err != nil {
			return nil, err
		}
		sc.Schema = *req.Schema
	}
	if req.EventIDs != nil {
		if err := s.checkEvents(ctx, *req.EventIDs); err != nil {
			return nil, err
		}
		sc.EventIDs = *req.EventIDs
	}
	if err := s.catalog.UpdateScene(ctx, &sc); err != nil {
		return nil, err
	}
	s.record(ctx, EntityScene, id, AuditUpdate, prev, &sc)
	return &sc, nil
}

func (s *service) DeleteScene(ctx context.Context, id string) error {
	prev, err := s.catalog.Scene(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.DeleteScene(ctx, id); err != nil {
		return err
	}
	s.record(ctx, EntityScene, id, AuditDelete, prev, nil)
	return nil
}

func (s *service) AttachSceneRule(ctx context.Context, sceneID, ruleID string) error {
	if err := s.catalog.AttachRuleToScene(ctx, sceneID, ruleID); err != nil {
		return err
	}
	s.record(ctx, EntityScene, sceneID, AuditAttach, nil, map[string]string{"rule_id": ruleID})
	return nil
}

func (s *service) DetachSceneRule(ctx context.Context, sceneID, ruleID string) error {
	if err := s.catalog.DetachRuleFromScene(ctx, sceneID, ruleID); err != nil {
		return err
	}
	s.record(ctx, EntityScene, sceneID, AuditDetach, map[string]string{"rule_id": ruleID}, nil)
	return nil
}

// CreateRule translates the authoring tree and stores both forms. The rule
// is attached to the requested events and scenes afterwards.
func (s *service) CreateRule(ctx context.Context, req CreateRuleRequest) (*domain.RuleDefinition, error) {
	expression, err := s.compile(ctx, req.Origin)
	if err != nil {
		return nil, err
	}
	if err := validateAction(req.PunishAction); err != nil {
		return nil, err
	}
	rule := &domain.RuleDefinition{
		Name:         req.Name,
		Description:  req.Description,
		UserPrompt:   req.UserPrompt,
		ControlType:  req.ControlType,
		ExecuteType:  req.ExecuteType,
		Origin:       req.Origin,
		Expression:   expression,
		PunishLevel:  req.PunishLevel,
		PunishAction: req.PunishAction,
		Status:       req.Status,
		Tenant:       req.Tenant,
		HandlerName:  actorFrom(ctx).Subject,
	}
	if err := s.catalog.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.record(ctx, EntityRule, rule.ID, AuditCreate, nil, rule)

	for _, eventID := range req.EventIDs {
		if err := s.AttachEventRule(ctx, eventID, rule.ID); err != nil {
			return nil, err
		}
	}
	for _, sceneID := range req.SceneIDs {
		if err := s.AttachSceneRule(ctx, sceneID, rule.ID); err != nil {
			return nil, err
		}
	}
	return rule, nil
}

func (s *service) ListRules(ctx context.Context, filter store.RuleFilter, page store.Page) ([]domain.RuleDefinition, int64, error) {
	return s.catalog.ListRules(ctx, filter, page)
}

func (s *service) GetRule(ctx context.Context, id string) (*domain.RuleDefinition, error) {
	return s.catalog.Rule(ctx, id)
}

func (s *service) UpdateRule(ctx context.Context, id string, req UpdateRuleRequest) (*domain.RuleDefinition, error) {
	prev, err := s.catalog.Rule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule := *prev
	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.UserPrompt != nil {
		rule.UserPrompt = *req.UserPrompt
	}
	if req.ControlType != nil {
		rule.ControlType = *req.ControlType
	}
	if req.ExecuteType != nil {
		rule.ExecuteType = *req.ExecuteType
	}
	if req.Origin != nil {
		expression, err := s.compile(ctx, *req.Origin)
		if err != nil {
			return nil, err
		}
		rule.Origin = *req.Origin
		rule.Expression = expression
	}
	if req.PunishLevel != nil {
		rule.PunishLevel = *req.PunishLevel
	}
	if req.PunishAction != nil {
		if err := validateAction(*req.PunishAction); err != nil {
			return nil, err
		}
		rule.PunishAction = *req.PunishAction
	}
	if req.Status != nil {
		rule.Status = *req.Status
	}
	if req.Tenant != nil {
		rule.Tenant = *req.Tenant
	}
	if subject := actorFrom(ctx).Subject; subject != "" {
		rule.HandlerName = subject
	}

	if err := s.catalog.UpdateRule(ctx, &rule); err != nil {
		return nil, err
	}
	s.record(ctx, EntityRule, id, AuditUpdate, prev, &rule)
	return &rule, nil
}

func (s *service) SetRuleStatus(ctx context.Context, id string, status domain.RuleStatus) error {
	if status != domain.RuleStatusOn && status != domain.RuleStatusOff {
		return pkgerrors.ErrValidation.WithMessage("unknown rule status %q", status)
	}
	prev, err := s.catalog.Rule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.SetRuleStatus(ctx, id, status); err != nil {
		return err
	}
	s.record(ctx, EntityRule, id, AuditUpdate,
		map[string]domain.RuleStatus{"status": prev.Status},
		map[string]domain.RuleStatus{"status": status},
	)
	return nil
}

func (s *service) DeleteRule(ctx context.Context, id string) error {
	prev, err := s.catalog.Rule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.record(ctx, EntityRule, id, AuditDelete, prev, nil)
	return nil
}

func (s *service) ListOccurrences(ctx context.Context, filter store.OccurrenceFilter, page store.Page) ([]domain.Occurrence, int64, error) {
	return s.occurrences.List(ctx, filter, page)
}

func (s *service) GetOccurrence(ctx context.Context, id string) (*OccurrenceDetail, error) {
	occ, err := s.occurrences.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	matches, err := s.matches.ForOccurrence(ctx, id)
	if err != nil {
		return nil, err
	}
	actions, _, err := s.actions.List(ctx, store.PunitiveActionFilter{OccurrenceID: id}, store.Page{})
	if err != nil {
		return nil, err
	}
	return &OccurrenceDetail{Occurrence: occ, Matches: matches, Actions: actions}, nil
}

func (s *service) ListPunitiveActions(ctx context.Context, filter store.PunitiveActionFilter, page store.Page) ([]domain.PunitiveAction, int64, error) {
	return s.actions.List(ctx, filter, page)
}

func (s *service) IssuePunishment(ctx context.Context, occurrenceID string, req ManualPunishmentRequest) (*domain.PunitiveAction, error) {
	actor := actorFrom(ctx)
	action, err := s.issuer.IssueManual(ctx, issuance.ManualRequest{
		OccurrenceID: occurrenceID,
		Action:       req.Action,
		Memo:         req.Memo,
		Handler:      actor.Subject,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, EntityPunitiveAction, action.ID, AuditIssue, nil, action)
	return action, nil
}

func (s *service) GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error) {
	if s.audit == nil {
		return []AuditLog{}, nil
	}
	return s.audit.List(ctx, filter)
}

func (s *service) validateSchema(ps domain.PayloadSchema) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.ValidateDefinition(ps)
}

// compile translates origin and checks that every scene it calls exists and
// declares the fields the rule binds.
func (s *service) compile(ctx context.Context, origin domain.AuthoringNode) ([]interface{}, error) {
	raw, node, err := expr.Compile(origin)
	if err != nil {
		if pkgerrors.IsValidation(err) {
			return nil, err
		}
		return nil, pkgerrors.ErrValidation.WithCause(err).WithMessage("invalid rule: %v", err)
	}

	var walkErr error
	expr.Walk(node, func(n expr.Node) bool {
		call, ok := n.(*expr.Call)
		if !ok || call.Op != expr.OpScene || walkErr != nil {
			return walkErr == nil
		}
		sc, err := s.catalog.SceneByName(ctx, call.SceneName())
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				walkErr = pkgerrors.ErrValidation.WithMessage("unknown scene %q", call.SceneName())
			} else {
				walkErr = err
			}
			return false
		}
		if len(sc.Schema) == 0 {
			return false
		}
		for _, arg := range call.SceneArgs() {
			if _, declared := sc.Schema[arg.Field]; !declared {
				walkErr = pkgerrors.ErrValidation.WithMessage("scene %s has no parameter %q", sc.Name, arg.Field)
				return false
			}
		}
		return false
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return raw, nil
}

func (s *service) checkEvents(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.catalog.Event(ctx, id); err != nil {
			if pkgerrors.IsNotFound(err) {
				return pkgerrors.ErrValidation.WithMessage("unknown event %q", id)
			}
			return err
		}
	}
	return nil
}

func validateAction(a domain.Action) error {
	if a == domain.ActionNone || a.Valid() {
		return nil
	}
	return pkgerrors.ErrValidation.WithMessage("unknown punish action %q", a)
}

// record writes an audit entry. Audit failures are logged, never returned.
func (s *service) record(ctx context.Context, entityType, entityID, action string, oldValue, newValue interface{}) {
	if s.audit == nil {
		return
	}
	actor := actorFrom(ctx)
	err := s.audit.Log(ctx, AuditLog{
		EntityID:     entityID,
		EntityType:   entityType,
		Action:       action,
		OldValue:     oldValue,
		NewValue:     newValue,
		ChangedBy:    actor.Subject,
		ChangeReason: actor.Reason,
		IPAddress:    actor.IP,
	})
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to write audit log",
			"error", err,
			"entity_type", entityType,
			"entity_id", entityID,
			"action", action,
		)
	}
}
