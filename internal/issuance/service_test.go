package issuance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/notification"
	"rcs/pkg/errors"
	"rcs/pkg/models"
)

type mockOccurrences struct{ mock.Mock }

func (m *mockOccurrences) Get(ctx context.Context, id string) (*domain.Occurrence, error) {
	args := m.Called(ctx, id)
	if o := args.Get(0); o != nil {
		return o.(*domain.Occurrence), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOccurrences) MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

type mockMatches struct{ mock.Mock }

func (m *mockMatches) ForOccurrence(ctx context.Context, id string) ([]domain.MatchResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]domain.MatchResult), args.Error(1)
}

func (m *mockMatches) MarkProcessed(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

type memActions struct {
	byOccurrence map[string]*domain.PunitiveAction
	outcomes     map[string]domain.NotificationOutcome
}

func newMemActions() *memActions {
	return &memActions{byOccurrence: map[string]*domain.PunitiveAction{}, outcomes: map[string]domain.NotificationOutcome{}}
}

func (m *memActions) Create(_ context.Context, a *domain.PunitiveAction) (*domain.PunitiveAction, bool, error) {
	if a.Source == domain.PunishmentSourceAuto {
		if existing, ok := m.byOccurrence[a.OccurrenceID]; ok {
			return existing, false, nil
		}
	}
	a.ID = "pa-" + a.OccurrenceID + "-" + string(a.Source)
	m.byOccurrence[a.OccurrenceID] = a
	return a, true, nil
}

func (m *memActions) SetNotification(_ context.Context, id string, o domain.NotificationOutcome) error {
	m.outcomes[id] = o
	return nil
}

type stubNotifier struct {
	notices []notification.Notice
	outcome *domain.NotificationOutcome
}

func (s *stubNotifier) Notify(_ context.Context, _ string, n notification.Notice) *domain.NotificationOutcome {
	s.notices = append(s.notices, n)
	return s.outcome
}

func decidedOccurrence(action domain.Action) *domain.Occurrence {
	return &domain.Occurrence{
		ID:              "occ-1",
		EventName:       "withdraw",
		User:            domain.User{UserID: "u-1", Project: "acme"},
		Decided:         true,
		SuggestedAction: action,
		HitPunishLevel:  6,
	}
}

func TestIssue_CreatesActionAndNotifies(t *testing.T) {
	occs, matches, actions := &mockOccurrences{}, &mockMatches{}, newMemActions()
	notifier := &stubNotifier{outcome: &domain.NotificationOutcome{Endpoint: "http://acme", Delivered: true}}
	svc := NewService(occs, matches, actions, notifier, logger.NopLogger())

	occs.On("Get", mock.Anything, "occ-1").Return(decidedOccurrence(domain.ActionBanUserLogin), nil)
	occs.On("MarkProcessed", mock.Anything, "occ-1", mock.Anything).Return(true, nil)
	matches.On("ForOccurrence", mock.Anything, "occ-1").Return([]domain.MatchResult{{ID: "m-1", RuleID: "r1"}, {ID: "m-2", RuleID: "r2"}}, nil)
	matches.On("MarkProcessed", mock.Anything, "occ-1").Return(nil)

	require.NoError(t, svc.Issue(context.Background(), "occ-1"))

	action := actions.byOccurrence["occ-1"]
	require.NotNil(t, action)
	assert.Equal(t, domain.ActionBanUserLogin, action.Action)
	assert.Equal(t, []string{"m-1", "m-2"}, action.MatchIDs)
	assert.Equal(t, []string{"r1", "r2"}, action.RuleIDs)
	assert.Equal(t, domain.PunishmentSourceAuto, action.Source)

	require.Len(t, notifier.notices, 1)
	assert.Equal(t, "u-1", notifier.notices[0].User.UserID)
	assert.True(t, actions.outcomes[action.ID].Delivered)
	occs.AssertExpectations(t)
	matches.AssertExpectations(t)
}

func TestIssue_NotificationFailureDoesNotFail(t *testing.T) {
	occs, matches, actions := &mockOccurrences{}, &mockMatches{}, newMemActions()
	notifier := &stubNotifier{outcome: &domain.NotificationOutcome{Endpoint: "http://acme", Error: "connection refused"}}
	svc := NewService(occs, matches, actions, notifier, logger.NopLogger())

	occs.On("Get", mock.Anything, "occ-1").Return(decidedOccurrence(domain.ActionBlockUser), nil)
	occs.On("MarkProcessed", mock.Anything, "occ-1", mock.Anything).Return(true, nil)
	matches.On("ForOccurrence", mock.Anything, "occ-1").Return([]domain.MatchResult{}, nil)
	matches.On("MarkProcessed", mock.Anything, "occ-1").Return(nil)

	require.NoError(t, svc.Issue(context.Background(), "occ-1"))
	outcome := actions.outcomes[actions.byOccurrence["occ-1"].ID]
	assert.False(t, outcome.Delivered)
	assert.Equal(t, "connection refused", outcome.Error)
}

func TestIssue_NoActionOnlyMarksProcessed(t *testing.T) {
	occs, matches, actions := &mockOccurrences{}, &mockMatches{}, newMemActions()
	notifier := &stubNotifier{}
	svc := NewService(occs, matches, actions, notifier, logger.NopLogger())

	occs.On("Get", mock.Anything, "occ-1").Return(decidedOccurrence(domain.ActionNone), nil)
	occs.On("MarkProcessed", mock.Anything, "occ-1", mock.Anything).Return(true, nil)
	matches.On("MarkProcessed", mock.Anything, "occ-1").Return(nil)

	require.NoError(t, svc.Issue(context.Background(), "occ-1"))
	assert.Empty(t, actions.byOccurrence)
	assert.Empty(t, notifier.notices)
}

func TestIssue_SkipsProcessed(t *testing.T) {
	occs, matches := &mockOccurrences{}, &mockMatches{}
	svc := NewService(occs, matches, newMemActions(), nil, logger.NopLogger())

	occ := decidedOccurrence(domain.ActionBlockUser)
	occ.Processed = true
	occs.On("Get", mock.Anything, "occ-1").Return(occ, nil)

	require.NoError(t, svc.Issue(context.Background(), "occ-1"))
	occs.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything)
}

func TestIssue_RedeliveryReusesAction(t *testing.T) {
	occs, matches, actions := &mockOccurrences{}, &mockMatches{}, newMemActions()
	notifier := &stubNotifier{outcome: &domain.NotificationOutcome{Delivered: true}}
	svc := NewService(occs, matches, actions, notifier, logger.NopLogger())

	occs.On("Get", mock.Anything, "occ-1").Return(decidedOccurrence(domain.ActionBlockUser), nil)
	occs.On("MarkProcessed", mock.Anything, "occ-1", mock.Anything).Return(true, nil)
	matches.On("ForOccurrence", mock.Anything, "occ-1").Return([]domain.MatchResult{}, nil)
	matches.On("MarkProcessed", mock.Anything, "occ-1").Return(nil)

	env, err := models.NewMessageEnvelopeBuilder().
		WithType(models.MessageTypeOccurrenceDecided).
		WithSource("evaluator-service").
		WithOccurrence("occ-1", "").
		WithPayload(models.OccurrenceDecided{OccurrenceID: "occ-1", SuggestedAction: "BLOCK_USER"}).
		Build()
	require.NoError(t, err)

	require.NoError(t, svc.HandleDecided(context.Background(), *env))
	require.NoError(t, svc.HandleDecided(context.Background(), *env))

	assert.Len(t, actions.byOccurrence, 1)
	assert.Len(t, notifier.notices, 1)
}

func TestIssue_UndecidedIsRetryable(t *testing.T) {
	occs := &mockOccurrences{}
	svc := NewService(occs, &mockMatches{}, newMemActions(), nil, logger.NopLogger())

	occ := decidedOccurrence(domain.ActionBlockUser)
	occ.Decided = false
	occs.On("Get", mock.Anything, "occ-1").Return(occ, nil)

	err := svc.Issue(context.Background(), "occ-1")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.False(t, errors.IsPermanent(err))
}

func TestIssueManual(t *testing.T) {
	occs, matches, actions := &mockOccurrences{}, &mockMatches{}, newMemActions()
	svc := NewService(occs, matches, actions, nil, logger.NopLogger())

	_, err := svc.IssueManual(context.Background(), ManualRequest{OccurrenceID: "occ-1", Action: "FREEZE", Handler: "alice"})
	assert.True(t, errors.IsValidation(err))

	occs.On("Get", mock.Anything, "occ-1").Return(decidedOccurrence(domain.ActionNone), nil)
	matches.On("ForOccurrence", mock.Anything, "occ-1").Return([]domain.MatchResult{}, nil)

	action, err := svc.IssueManual(context.Background(), ManualRequest{
		OccurrenceID: "occ-1",
		Action:       domain.ActionRefuseOperation,
		Memo:         "confirmed by support",
		Handler:      "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PunishmentSourceManual, action.Source)
	assert.Equal(t, "alice", action.Handler)
	assert.Equal(t, "confirmed by support", action.Memo)
}
