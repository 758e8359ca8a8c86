package management

import (
	"context"

	"github.com/shopspring/decimal"

	"rcs/internal/domain"
	"rcs/internal/issuance"
	"rcs/internal/store"
)

type Service interface {
	CreateEvent(ctx context.Context, req CreateEventRequest) (*domain.EventDefinition, error)
	ListEvents(ctx context.Context, page store.Page) ([]domain.EventDefinition, int64, error)
	GetEvent(ctx context.Context, id string) (*domain.EventDefinition, error)
	UpdateEvent(ctx context.Context, id string, req UpdateEventRequest) (*domain.EventDefinition, error)
	DeleteEvent(ctx context.Context, id string) error
	AttachEventRule(ctx context.Context, eventID, ruleID string) error
	DetachEventRule(ctx context.Context, eventID, ruleID string) error

	CreateScene(ctx context.Context, req CreateSceneRequest) (*domain.SceneDefinition, error)
	ListScenes(ctx context.Context, category string, page store.Page) ([]domain.SceneDefinition, int64, error)
	GetScene(ctx context.Context, id string) (*domain.SceneDefinition, error)
	UpdateScene(ctx context.Context, id string, req UpdateSceneRequest) (*domain.SceneDefinition, error)
	DeleteScene(ctx context.Context, id string) error
	AttachSceneRule(ctx context.Context, sceneID, ruleID string) error
	DetachSceneRule(ctx context.Context, sceneID, ruleID string) error

	CreateRule(ctx context.Context, req CreateRuleRequest) (*domain.RuleDefinition, error)
	ListRules(ctx context.Context, filter store.RuleFilter, page store.Page) ([]domain.RuleDefinition, int64, error)
	GetRule(ctx context.Context, id string) (*domain.RuleDefinition, error)
	UpdateRule(ctx context.Context, id string, req UpdateRuleRequest) (*domain.RuleDefinition, error)
	SetRuleStatus(ctx context.Context, id string, status domain.RuleStatus) error
	DeleteRule(ctx context.Context, id string) error

	ListOccurrences(ctx context.Context, filter store.OccurrenceFilter, page store.Page) ([]domain.Occurrence, int64, error)
	GetOccurrence(ctx context.Context, id string) (*OccurrenceDetail, error)
	Statistics(ctx context.Context, occurrenceID, kind string) (*Statistics, error)

	ListPunitiveActions(ctx context.Context, filter store.PunitiveActionFilter, page store.Page) ([]domain.PunitiveAction, int64, error)
	IssuePunishment(ctx context.Context, occurrenceID string, req ManualPunishmentRequest) (*domain.PunitiveAction, error)

	GetAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLog, error)
}

// Catalog is the definition store. Writes must invalidate cached reads.
type Catalog interface {
	Event(ctx context.Context, id string) (*domain.EventDefinition, error)
	EventByName(ctx context.Context, name string) (*domain.EventDefinition, error)
	Scene(ctx context.Context, id string) (*domain.SceneDefinition, error)
	SceneByName(ctx context.Context, name string) (*domain.SceneDefinition, error)
	Rule(ctx context.Context, id string) (*domain.RuleDefinition, error)

	ListEvents(ctx context.Context, p store.Page) ([]domain.EventDefinition, int64, error)
	ListScenes(ctx context.Context, category string, p store.Page) ([]domain.SceneDefinition, int64, error)
	ListRules(ctx context.Context, f store.RuleFilter, p store.Page) ([]domain.RuleDefinition, int64, error)

	CreateEvent(ctx context.Context, ev *domain.EventDefinition) error
	UpdateEvent(ctx context.Context, ev *domain.EventDefinition) error
	DeleteEvent(ctx context.Context, id string) error
	CreateScene(ctx context.Context, sc *domain.SceneDefinition) error
	UpdateScene(ctx context.Context, sc *domain.SceneDefinition) error
	DeleteScene(ctx context.Context, id string) error
	CreateRule(ctx context.Context, rule *domain.RuleDefinition) error
	UpdateRule(ctx context.Context, rule *domain.RuleDefinition) error
	SetRuleStatus(ctx context.Context, id string, status domain.RuleStatus) error
	DeleteRule(ctx context.Context, id string) error

	AttachRuleToEvent(ctx context.Context, eventID, ruleID string) error
	DetachRuleFromEvent(ctx context.Context, eventID, ruleID string) error
	AttachRuleToScene(ctx context.Context, sceneID, ruleID string) error
	DetachRuleFromScene(ctx context.Context, sceneID, ruleID string) error
}

type OccurrenceStore interface {
	Get(ctx context.Context, id string) (*domain.Occurrence, error)
	List(ctx context.Context, f store.OccurrenceFilter, p store.Page) ([]domain.Occurrence, int64, error)
	Count(ctx context.Context, q store.WindowQuery) (int64, error)
	DistinctCount(ctx context.Context, q store.WindowQuery, field string) (int64, error)
	SumBy(ctx context.Context, q store.WindowQuery, groupField, sumField string) (map[string]decimal.Decimal, error)
}

type MatchStore interface {
	ForOccurrence(ctx context.Context, occurrenceID string) ([]domain.MatchResult, error)
}

type ActionStore interface {
	List(ctx context.Context, f store.PunitiveActionFilter, p store.Page) ([]domain.PunitiveAction, int64, error)
}

type Issuer interface {
	IssueManual(ctx context.Context, req issuance.ManualRequest) (*domain.PunitiveAction, error)
}

type AuditRepository interface {
	Log(ctx context.Context, entry AuditLog) error
	List(ctx context.Context, filter AuditFilter) ([]AuditLog, error)
}
