package evaluation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/logger"
	"rcs/internal/store"
	"rcs/pkg/errors"
	"rcs/pkg/models"
)

type fakeRules map[string]*domain.RuleDefinition

func (f fakeRules) Rule(_ context.Context, id string) (*domain.RuleDefinition, error) {
	if r, ok := f[id]; ok {
		return r, nil
	}
	return nil, errors.ErrNotFound
}

type memOccurrences struct {
	mu  sync.Mutex
	occ *domain.Occurrence
}

func (m *memOccurrences) Get(_ context.Context, id string) (*domain.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.occ == nil || m.occ.ID != id {
		return nil, errors.ErrNotFound
	}
	cp := *m.occ
	cp.Entries = append([]domain.RuleEntry(nil), m.occ.Entries...)
	return &cp, nil
}

func (m *memOccurrences) RecordOutcome(_ context.Context, _ string, o store.Outcome) (*domain.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.occ.Entries {
		e := &m.occ.Entries[i]
		if e.RuleID != o.RuleID || e.Status.Completed() {
			continue
		}
		e.Status = domain.EntryCompletedNoMatch
		if o.Matched {
			e.Status = domain.EntryCompletedMatch
			e.MatchID = o.MatchID
			m.occ.HitPunishLevel += o.PunishLevel
		}
		m.occ.CompletedCount++
		m.occ.TotalPunishLevel += o.PunishLevel
		cp := *m.occ
		return &cp, nil
	}
	return nil, nil
}

type mockMatches struct {
	mock.Mock
}

func (m *mockMatches) Create(ctx context.Context, ruleID, occurrenceID string) (*domain.MatchResult, error) {
	args := m.Called(ctx, ruleID, occurrenceID)
	if r := args.Get(0); r != nil {
		return r.(*domain.MatchResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type recordingCompleter struct {
	calls []*domain.Occurrence
}

func (r *recordingCompleter) Complete(_ context.Context, occ *domain.Occurrence) (bool, error) {
	r.calls = append(r.calls, occ)
	return occ.Complete(), nil
}

func twoRuleOccurrence() *domain.Occurrence {
	return &domain.Occurrence{
		ID:            "occ-1",
		RulesResolved: true,
		EntryCount:    2,
		Entries: []domain.RuleEntry{
			{RuleID: "r1", Status: domain.EntryDispatched, PunishLevel: 3},
			{RuleID: "r2", Status: domain.EntryDispatched, PunishLevel: 7},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func request(t *testing.T, ruleID string, raw []interface{}) models.RuleEvaluationRequested {
	t.Helper()
	node, err := expr.Parse(raw)
	require.NoError(t, err)
	encoded, err := expr.Encode(node)
	require.NoError(t, err)
	return models.RuleEvaluationRequested{OccurrenceID: "occ-1", RuleID: ruleID, Expression: encoded, Attempt: 1}
}

func newService(occ *domain.Occurrence) (*Service, *memOccurrences, *mockMatches, *recordingCompleter) {
	occs := &memOccurrences{occ: occ}
	matches := &mockMatches{}
	completer := &recordingCompleter{}
	rules := fakeRules{"r1": {ID: "r1"}, "r2": {ID: "r2"}}
	return NewService(rules, occs, matches, completer, logger.NopLogger()), occs, matches, completer
}

func TestEvaluate_MatchRecordsResultAndLevel(t *testing.T) {
	svc, occs, matches, completer := newService(twoRuleOccurrence())
	matches.On("Create", mock.Anything, "r2", "occ-1").Return(&domain.MatchResult{ID: "m-1"}, nil).Once()

	require.NoError(t, svc.Evaluate(context.Background(), request(t, "r2", []interface{}{"==", []interface{}{"+", 0.1, 0.2}, 0.3})))

	got, _ := occs.Get(context.Background(), "occ-1")
	entry, _ := got.Entry("r2")
	assert.Equal(t, domain.EntryCompletedMatch, entry.Status)
	assert.Equal(t, "m-1", entry.MatchID)
	assert.Equal(t, 7, got.HitPunishLevel)
	assert.Equal(t, 1, got.CompletedCount)
	require.Len(t, completer.calls, 1)
	matches.AssertExpectations(t)
}

func TestEvaluate_NoMatchSkipsMatchResult(t *testing.T) {
	svc, occs, matches, _ := newService(twoRuleOccurrence())

	require.NoError(t, svc.Evaluate(context.Background(), request(t, "r1", []interface{}{">", 1, 2})))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.Equal(t, 0, got.HitPunishLevel)
	assert.Equal(t, 3, got.TotalPunishLevel)
	matches.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestEvaluate_RedeliveryCountsOnce(t *testing.T) {
	svc, occs, matches, completer := newService(twoRuleOccurrence())
	matches.On("Create", mock.Anything, "r1", "occ-1").Return(&domain.MatchResult{ID: "m-1"}, nil).Once()

	req := request(t, "r1", []interface{}{"and", true, true})
	require.NoError(t, svc.Evaluate(context.Background(), req))
	require.NoError(t, svc.Evaluate(context.Background(), req))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 3, got.HitPunishLevel)
	assert.Len(t, completer.calls, 1)
}

func TestEvaluate_OutOfOrderCompletion(t *testing.T) {
	svc, occs, matches, completer := newService(twoRuleOccurrence())
	matches.On("Create", mock.Anything, "r2", "occ-1").Return(&domain.MatchResult{ID: "m-2"}, nil)

	require.NoError(t, svc.Evaluate(context.Background(), request(t, "r2", []interface{}{"!=", "a", "b"})))
	require.NoError(t, svc.Evaluate(context.Background(), request(t, "r1", []interface{}{"==", "a", "b"})))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.True(t, got.Complete())
	assert.Equal(t, 7, got.HitPunishLevel)
	assert.Equal(t, 10, got.TotalPunishLevel)
	require.Len(t, completer.calls, 2)
	assert.True(t, completer.calls[1].Complete())
}

func TestEvaluate_DropsMissingReferences(t *testing.T) {
	svc, _, _, completer := newService(twoRuleOccurrence())

	req := request(t, "r1", []interface{}{"==", 1, 1})
	req.OccurrenceID = "missing"
	require.NoError(t, svc.Evaluate(context.Background(), req))

	require.NoError(t, svc.Evaluate(context.Background(), request(t, "deleted", []interface{}{"==", 1, 1})))
	assert.Empty(t, completer.calls)
}

func TestEvaluate_DeletedRuleClosesEntry(t *testing.T) {
	occs := &memOccurrences{occ: twoRuleOccurrence()}
	completer := &recordingCompleter{}
	matches := &mockMatches{}
	svc := NewService(fakeRules{"r1": {ID: "r1"}}, occs, matches, completer, logger.NopLogger())

	require.NoError(t, svc.Evaluate(context.Background(), request(t, "r2", []interface{}{"==", 1, 1})))

	got, _ := occs.Get(context.Background(), "occ-1")
	entry, _ := got.Entry("r2")
	assert.Equal(t, domain.EntryCompletedNoMatch, entry.Status)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 0, got.HitPunishLevel)
	assert.Equal(t, 7, got.TotalPunishLevel)
	require.Len(t, completer.calls, 1)
	matches.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)

	matches.On("Create", mock.Anything, "r1", "occ-1").Return(&domain.MatchResult{ID: "m-1"}, nil).Once()
	require.NoError(t, svc.Evaluate(context.Background(), request(t, "r1", []interface{}{"==", 1, 1})))
	require.Len(t, completer.calls, 2)
	assert.True(t, completer.calls[1].Complete(), "occurrence completes without waiting for the sweep")
}

func TestEvaluate_EvaluationErrorIsFatal(t *testing.T) {
	svc, occs, _, _ := newService(twoRuleOccurrence())

	err := svc.Evaluate(context.Background(), request(t, "r1", []interface{}{">", "abc", 1}))
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.Equal(t, 0, got.CompletedCount)
}
