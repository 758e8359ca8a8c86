package management

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"rcs/internal/domain"
	"rcs/internal/issuance"
	"rcs/internal/store"
	"rcs/pkg/errors"
)

// memCatalog keeps definitions in insertion order.
type memCatalog struct {
	events map[string]*domain.EventDefinition
	scenes map[string]*domain.SceneDefinition
	rules  map[string]*domain.RuleDefinition
	seq    int
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		events: map[string]*domain.EventDefinition{},
		scenes: map[string]*domain.SceneDefinition{},
		rules:  map[string]*domain.RuleDefinition{},
	}
}

func (m *memCatalog) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memCatalog) Event(_ context.Context, id string) (*domain.EventDefinition, error) {
	if ev, ok := m.events[id]; ok {
		cp := *ev
		return &cp, nil
	}
	return nil, errors.ErrNotFound.WithMessage("event %s", id)
}

func (m *memCatalog) EventByName(_ context.Context, name string) (*domain.EventDefinition, error) {
	for _, ev := range m.events {
		if ev.Name == name {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, errors.ErrNotFound.WithMessage("event %s", name)
}

func (m *memCatalog) Scene(_ context.Context, id string) (*domain.SceneDefinition, error) {
	if sc, ok := m.scenes[id]; ok {
		cp := *sc
		return &cp, nil
	}
	return nil, errors.ErrNotFound.WithMessage("scene %s", id)
}

func (m *memCatalog) SceneByName(_ context.Context, name string) (*domain.SceneDefinition, error) {
	for _, sc := range m.scenes {
		if sc.Name == name {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, errors.ErrNotFound.WithMessage("scene %s", name)
}

func (m *memCatalog) Rule(_ context.Context, id string) (*domain.RuleDefinition, error) {
	if r, ok := m.rules[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, errors.ErrNotFound.WithMessage("rule %s", id)
}

func (m *memCatalog) ListEvents(_ context.Context, _ store.Page) ([]domain.EventDefinition, int64, error) {
	out := []domain.EventDefinition{}
	for _, ev := range m.events {
		out = append(out, *ev)
	}
	return out, int64(len(out)), nil
}

func (m *memCatalog) ListScenes(_ context.Context, category string, _ store.Page) ([]domain.SceneDefinition, int64, error) {
	out := []domain.SceneDefinition{}
	for _, sc := range m.scenes {
		if category == "" || sc.Category == category {
			out = append(out, *sc)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memCatalog) ListRules(_ context.Context, f store.RuleFilter, _ store.Page) ([]domain.RuleDefinition, int64, error) {
	out := []domain.RuleDefinition{}
	for _, r := range m.rules {
		if f.Tenant != "" && r.Tenant != f.Tenant {
			continue
		}
		out = append(out, *r)
	}
	return out, int64(len(out)), nil
}

func (m *memCatalog) CreateEvent(_ context.Context, ev *domain.EventDefinition) error {
	if _, err := m.EventByName(context.Background(), ev.Name); err == nil {
		return errors.ErrConflict.WithMessage("event %s exists", ev.Name)
	}
	ev.ID = m.nextID("ev")
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *memCatalog) UpdateEvent(_ context.Context, ev *domain.EventDefinition) error {
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *memCatalog) DeleteEvent(_ context.Context, id string) error {
	delete(m.events, id)
	return nil
}

func (m *memCatalog) CreateScene(_ context.Context, sc *domain.SceneDefinition) error {
	sc.ID = m.nextID("sc")
	cp := *sc
	m.scenes[sc.ID] = &cp
	return nil
}

func (m *memCatalog) UpdateScene(_ context.Context, sc *domain.SceneDefinition) error {
	cp := *sc
	m.scenes[sc.ID] = &cp
	return nil
}

func (m *memCatalog) DeleteScene(_ context.Context, id string) error {
	delete(m.scenes, id)
	return nil
}

func (m *memCatalog) CreateRule(_ context.Context, rule *domain.RuleDefinition) error {
	rule.ID = m.nextID("rule")
	if rule.Status == "" {
		rule.Status = domain.RuleStatusOff
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *memCatalog) UpdateRule(_ context.Context, rule *domain.RuleDefinition) error {
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *memCatalog) SetRuleStatus(_ context.Context, id string, status domain.RuleStatus) error {
	r, ok := m.rules[id]
	if !ok {
		return errors.ErrNotFound.WithMessage("rule %s", id)
	}
	r.Status = status
	return nil
}

func (m *memCatalog) DeleteRule(_ context.Context, id string) error {
	for _, ev := range m.events {
		ev.RuleIDs = without(ev.RuleIDs, id)
	}
	for _, sc := range m.scenes {
		sc.RuleIDs = without(sc.RuleIDs, id)
	}
	delete(m.rules, id)
	return nil
}

func (m *memCatalog) AttachRuleToEvent(_ context.Context, eventID, ruleID string) error {
	ev, ok := m.events[eventID]
	if !ok {
		return errors.ErrNotFound.WithMessage("event %s", eventID)
	}
	if _, ok := m.rules[ruleID]; !ok {
		return errors.ErrNotFound.WithMessage("rule %s", ruleID)
	}
	ev.RuleIDs = append(without(ev.RuleIDs, ruleID), ruleID)
	return nil
}

func (m *memCatalog) DetachRuleFromEvent(_ context.Context, eventID, ruleID string) error {
	ev, ok := m.events[eventID]
	if !ok {
		return errors.ErrNotFound.WithMessage("event %s", eventID)
	}
	ev.RuleIDs = without(ev.RuleIDs, ruleID)
	return nil
}

func (m *memCatalog) AttachRuleToScene(_ context.Context, sceneID, ruleID string) error {
	sc, ok := m.scenes[sceneID]
	if !ok {
		return errors.ErrNotFound.WithMessage("scene %s", sceneID)
	}
	if _, ok := m.rules[ruleID]; !ok {
		return errors.ErrNotFound.WithMessage("rule %s", ruleID)
	}
	sc.RuleIDs = append(without(sc.RuleIDs, ruleID), ruleID)
	return nil
}

func (m *memCatalog) DetachRuleFromScene(_ context.Context, sceneID, ruleID string) error {
	sc, ok := m.scenes[sceneID]
	if !ok {
		return errors.ErrNotFound.WithMessage("scene %s", sceneID)
	}
	sc.RuleIDs = without(sc.RuleIDs, ruleID)
	return nil
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

type mockOccurrences struct{ mock.Mock }

func (m *mockOccurrences) Get(ctx context.Context, id string) (*domain.Occurrence, error) {
	args := m.Called(ctx, id)
	if o := args.Get(0); o != nil {
		return o.(*domain.Occurrence), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOccurrences) List(ctx context.Context, f store.OccurrenceFilter, p store.Page) ([]domain.Occurrence, int64, error) {
	args := m.Called(ctx, f, p)
	return args.Get(0).([]domain.Occurrence), args.Get(1).(int64), args.Error(2)
}

func (m *mockOccurrences) Count(ctx context.Context, q store.WindowQuery) (int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOccurrences) DistinctCount(ctx context.Context, q store.WindowQuery, field string) (int64, error) {
	args := m.Called(ctx, q, field)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockOccurrences) SumBy(ctx context.Context, q store.WindowQuery, groupField, sumField string) (map[string]decimal.Decimal, error) {
	args := m.Called(ctx, q, groupField, sumField)
	return args.Get(0).(map[string]decimal.Decimal), args.Error(1)
}

type stubMatches map[string][]domain.MatchResult

func (s stubMatches) ForOccurrence(_ context.Context, id string) ([]domain.MatchResult, error) {
	return s[id], nil
}

type stubActions []domain.PunitiveAction

func (s stubActions) List(_ context.Context, f store.PunitiveActionFilter, _ store.Page) ([]domain.PunitiveAction, int64, error) {
	out := []domain.PunitiveAction{}
	for _, a := range s {
		if f.OccurrenceID != "" && a.OccurrenceID != f.OccurrenceID {
			continue
		}
		out = append(out, a)
	}
	return out, int64(len(out)), nil
}

type stubIssuer struct {
	requests []issuance.ManualRequest
}

func (s *stubIssuer) IssueManual(_ context.Context, req issuance.ManualRequest) (*domain.PunitiveAction, error) {
	if !req.Action.Valid() {
		return nil, errors.ErrValidation.WithMessage("unknown punish action %q", req.Action)
	}
	s.requests = append(s.requests, req)
	return &domain.PunitiveAction{
		ID:           "pa-1",
		OccurrenceID: req.OccurrenceID,
		Action:       req.Action,
		Memo:         req.Memo,
		Handler:      req.Handler,
		Source:       domain.PunishmentSourceManual,
	}, nil
}

type memAudit struct {
	entries []AuditLog
	err     error
}

func (m *memAudit) Log(_ context.Context, entry AuditLog) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) List(_ context.Context, f AuditFilter) ([]AuditLog, error) {
	out := []AuditLog{}
	for _, e := range m.entries {
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
