package management

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"rcs/internal/config"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/schema"
	"rcs/internal/store"
	"rcs/pkg/cel"
	"rcs/pkg/errors"
)

type fixture struct {
	svc         Service
	catalog     *memCatalog
	occurrences *mockOccurrences
	issuer      *stubIssuer
	audit       *memAudit
	ctx         context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)

	f := &fixture{
		catalog:     newMemCatalog(),
		occurrences: &mockOccurrences{},
		issuer:      &stubIssuer{},
		audit:       &memAudit{},
		ctx:         WithActor(context.Background(), Actor{Subject: "alice", IP: "10.0.0.1"}),
	}
	f.svc = NewService(f.catalog, f.occurrences,
		stubMatches{"occ-1": {{ID: "m-1", RuleID: "rule-1", OccurrenceID: "occ-1"}}},
		stubActions{{ID: "pa-0", OccurrenceID: "occ-1", Action: domain.ActionBlockUser}},
		f.issuer,
		schema.NewValidator(eval),
		logger.NopLogger(),
		WithAudit(f.audit),
		WithStatistics(config.StatisticsConfig{
			WithdrawEvents: []string{"withdraw", "lland_withdraw"},
			RechargeEvents: []string{"exchange_recharge"},
		}),
	)
	return f
}

func (f *fixture) seed(t *testing.T) (*domain.EventDefinition, *domain.SceneDefinition) {
	t.Helper()
	ev, err := f.svc.CreateEvent(f.ctx, CreateEventRequest{
		Name: "withdraw",
		Schema: domain.PayloadSchema{
			"amount":    {Type: domain.FieldDecimal},
			"coin_name": {Type: domain.FieldCoinName},
		},
	})
	require.NoError(t, err)

	sc, err := f.svc.CreateScene(f.ctx, CreateSceneRequest{
		Name:     "single_withdrawal_amount_limit",
		Category: "withdraw",
		Schema: domain.PayloadSchema{
			"amount":    {Type: domain.FieldDecimal},
			"coin_name": {Type: domain.FieldCoinName},
		},
		EventIDs: []string{ev.ID},
	})
	require.NoError(t, err)
	return ev, sc
}

func sceneOrigin(args ...domain.AuthoringNode) domain.AuthoringNode {
	return domain.AuthoringNode{
		Key: "and",
		Children: []domain.AuthoringNode{{
			Type:     "withdraw",
			Source:   "scene",
			Value:    "single_withdrawal_amount_limit",
			Children: args,
		}},
	}
}

func TestCreateRule_TranslatesAndAttaches(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.seed(t)

	rule, err := f.svc.CreateRule(f.ctx, CreateRuleRequest{
		Name:         "large withdrawal",
		Origin:       sceneOrigin(domain.AuthoringNode{Argument: "amount", Operator: ">=", Value: "1000"}),
		PunishLevel:  10,
		PunishAction: domain.ActionRefuseOperation,
		Status:       domain.RuleStatusOn,
		EventIDs:     []string{ev.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"and",
		[]interface{}{"scene", "single_withdrawal_amount_limit",
			[]interface{}{">=", "scene::amount", "1000"},
		},
	}, rule.Expression)
	assert.Equal(t, "alice", rule.HandlerName)

	stored, err := f.svc.GetEvent(f.ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{rule.ID}, stored.RuleIDs)

	logs, err := f.svc.GetAuditLogs(f.ctx, AuditFilter{EntityType: EntityRule, EntityID: rule.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, AuditCreate, logs[0].Action)
	assert.Equal(t, "alice", logs[0].ChangedBy)
	assert.Equal(t, "10.0.0.1", logs[0].IPAddress)
}

func TestCreateRule_Rejected(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRuleRequest
	}{
		{
			name: "unknown scene",
			req: CreateRuleRequest{Name: "r", Origin: domain.AuthoringNode{Key: "and", Children: []domain.AuthoringNode{{
				Source: "scene", Value: "no_such_scene",
				Children: []domain.AuthoringNode{{Argument: "amount", Operator: ">", Value: 1.0}},
			}}}},
		},
		{
			name: "undeclared scene parameter",
			req:  CreateRuleRequest{Name: "r", Origin: sceneOrigin(domain.AuthoringNode{Argument: "network", Operator: "=", Value: "ERC20"})},
		},
		{
			name: "empty connective",
			req:  CreateRuleRequest{Name: "r", Origin: domain.AuthoringNode{Key: "and"}},
		},
		{
			name: "unknown action",
			req: CreateRuleRequest{
				Name:         "r",
				Origin:       sceneOrigin(domain.AuthoringNode{Argument: "amount", Operator: ">", Value: 1.0}),
				PunishAction: "SHOUT",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t)

			_, err := f.svc.CreateRule(f.ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
			assert.Empty(t, f.catalog.rules)
		})
	}
}

func TestUpdateRule_RetranslatesOrigin(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rule, err := f.svc.CreateRule(f.ctx, CreateRuleRequest{
		Name:   "r",
		Origin: sceneOrigin(domain.AuthoringNode{Argument: "amount", Operator: ">", Value: 1.0}),
	})
	require.NoError(t, err)

	origin := domain.AuthoringNode{Key: "or", Children: []domain.AuthoringNode{{
		Source:   "payload",
		Children: []domain.AuthoringNode{{Argument: "coin_name", Operator: "=", Value: "USDT"}},
	}}}
	level := 30
	updated, err := f.svc.UpdateRule(f.ctx, rule.ID, UpdateRuleRequest{Origin: &origin, PunishLevel: &level})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"or", []interface{}{"and",
		[]interface{}{"=", "REPL::coin_name", "USDT"},
	}}, updated.Expression)
	assert.Equal(t, 30, updated.PunishLevel)
	assert.Equal(t, "r", updated.Name)
	assert.Equal(t, origin, f.catalog.rules[rule.ID].Origin)
}

func TestSetRuleStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	rule, err := f.svc.CreateRule(f.ctx, CreateRuleRequest{
		Name:   "r",
		Origin: sceneOrigin(domain.AuthoringNode{Argument: "amount", Operator: ">", Value: 1.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RuleStatusOff, f.catalog.rules[rule.ID].Status)

	require.NoError(t, f.svc.SetRuleStatus(f.ctx, rule.ID, domain.RuleStatusOn))
	assert.Equal(t, domain.RuleStatusOn, f.catalog.rules[rule.ID].Status)

	err = f.svc.SetRuleStatus(f.ctx, rule.ID, "paused")
	assert.True(t, errors.IsValidation(err))

	err = f.svc.SetRuleStatus(f.ctx, "missing", domain.RuleStatusOn)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteRule_DetachesEverywhere(t *testing.T) {
	f := newFixture(t)
	ev, sc := f.seed(t)
	rule, err := f.svc.CreateRule(f.ctx, CreateRuleRequest{
		Name:     "r",
		Origin:   sceneOrigin(domain.AuthoringNode{Argument: "amount", Operator: ">", Value: 1.0}),
		EventIDs: []string{ev.ID},
		SceneIDs: []string{sc.ID},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteRule(f.ctx, rule.ID))

	assert.Empty(t, f.catalog.events[ev.ID].RuleIDs)
	assert.Empty(t, f.catalog.scenes[sc.ID].RuleIDs)
	_, err = f.svc.GetRule(f.ctx, rule.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateEvent_InvalidSchema(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateEvent(f.ctx, CreateEventRequest{
		Name:   "withdraw",
		Schema: domain.PayloadSchema{"amount": {Type: "float"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Empty(t, f.catalog.events)
}

func TestCreateScene_UnknownEvent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateScene(f.ctx, CreateSceneRequest{Name: "s", Category: "withdraw", EventIDs: []string{"nope"}})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestUpdateEvent_KeepsUnsetFields(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.seed(t)

	desc := "on-chain withdrawal"
	updated, err := f.svc.UpdateEvent(f.ctx, ev.ID, UpdateEventRequest{Description: &desc})
	require.NoError(t, err)

	assert.Equal(t, "withdraw", updated.Name)
	assert.Equal(t, desc, updated.Description)
	assert.Len(t, updated.Schema, 2)
}

func TestAuditFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.audit.err = stderrors.New("postgres down")

	_, err := f.svc.CreateEvent(f.ctx, CreateEventRequest{Name: "login"})
	assert.NoError(t, err)
	assert.Len(t, f.catalog.events, 1)
}

func TestIssuePunishment_UsesActorAsHandler(t *testing.T) {
	f := newFixture(t)

	action, err := f.svc.IssuePunishment(f.ctx, "occ-1", ManualPunishmentRequest{
		Action: domain.ActionBanUserLogin,
		Memo:   "confirmed fraud",
	})
	require.NoError(t, err)

	require.Len(t, f.issuer.requests, 1)
	assert.Equal(t, "alice", f.issuer.requests[0].Handler)
	assert.Equal(t, "confirmed fraud", f.issuer.requests[0].Memo)
	assert.Equal(t, domain.PunishmentSourceManual, action.Source)

	logs, err := f.svc.GetAuditLogs(f.ctx, AuditFilter{EntityType: EntityPunitiveAction})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, AuditIssue, logs[0].Action)
}

func TestGetOccurrence_IncludesResults(t *testing.T) {
	f := newFixture(t)
	occ := &domain.Occurrence{ID: "occ-1", Decided: true}
	f.occurrences.On("Get", mock.Anything, "occ-1").Return(occ, nil)

	detail, err := f.svc.GetOccurrence(f.ctx, "occ-1")
	require.NoError(t, err)

	assert.Equal(t, "occ-1", detail.ID)
	assert.Len(t, detail.Matches, 1)
	require.Len(t, detail.Actions, 1)
	assert.Equal(t, domain.ActionBlockUser, detail.Actions[0].Action)
}

func conditionOn(field string) interface{} {
	return mock.MatchedBy(func(q store.WindowQuery) bool {
		fields := make([]string, 0, len(q.Conditions))
		for _, c := range q.Conditions {
			fields = append(fields, c.Field)
		}
		switch field {
		case "user":
			return len(fields) == 2 && fields[1] == fieldUserID
		case "address":
			return len(fields) == 2 && fields[1] == fieldOrderTo
		default:
			return len(fields) == 3
		}
	})
}

func TestStatistics_Withdraw(t *testing.T) {
	f := newFixture(t)
	ev, _ := f.seed(t)

	created := time.Date(2021, 4, 1, 8, 0, 0, 123456789, time.UTC)
	occ := &domain.Occurrence{
		ID:        "occ-1",
		EventID:   ev.ID,
		Tenant:    "acme",
		User:      domain.User{UserID: "u-1", Project: "acme"},
		Payload:   map[string]interface{}{"order_to": "0xabc", "amount": decimal.NewFromInt(5)},
		CreatedAt: created,
	}
	f.occurrences.On("Get", mock.Anything, "occ-1").Return(occ, nil)
	f.occurrences.On("SumBy", mock.Anything, mock.MatchedBy(func(q store.WindowQuery) bool {
		return assert.ObjectsAreEqual([]string{ev.ID}, q.EventIDs) &&
			q.Until.Equal(time.Date(2021, 4, 1, 8, 0, 0, 124000000, time.UTC))
	}), fieldCoinName, fieldAmount).Return(map[string]decimal.Decimal{
		"USDT": decimal.RequireFromString("10.5"),
		"BTC":  decimal.RequireFromString("0.3"),
	}, nil)
	f.occurrences.On("DistinctCount", mock.Anything, conditionOn("address"), fieldUserID).Return(int64(4), nil)
	f.occurrences.On("Count", mock.Anything, conditionOn("address")).Return(int64(9), nil)
	f.occurrences.On("Count", mock.Anything, conditionOn("both")).Return(int64(2), nil)
	f.occurrences.On("Count", mock.Anything, conditionOn("user")).Return(int64(6), nil)

	stats, err := f.svc.Statistics(f.ctx, "occ-1", StatisticsWithdraw)
	require.NoError(t, err)

	require.Len(t, stats.Totals, 2)
	assert.Equal(t, "BTC", stats.Totals[0].Coin)
	assert.True(t, decimal.RequireFromString("10.5").Equal(stats.Totals[1].Total))
	require.NotNil(t, stats.Address)
	assert.Equal(t, AddressStatistics{
		Address:            "0xabc",
		UserCount:          4,
		AddressCount:       9,
		UserToAddressCount: 2,
		UserWithdrawCount:  6,
	}, *stats.Address)
	f.occurrences.AssertExpectations(t)
}

func TestStatistics_RechargeHasNoAddress(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateEvent(f.ctx, CreateEventRequest{Name: "exchange_recharge"})
	require.NoError(t, err)

	occ := &domain.Occurrence{ID: "occ-2", Tenant: "acme", User: domain.User{UserID: "u-1"},
		Payload: map[string]interface{}{"order_to": "0xabc"}, CreatedAt: time.Now()}
	f.occurrences.On("Get", mock.Anything, "occ-2").Return(occ, nil)
	f.occurrences.On("SumBy", mock.Anything, mock.Anything, fieldCoinName, fieldAmount).
		Return(map[string]decimal.Decimal{}, nil)

	stats, err := f.svc.Statistics(f.ctx, "occ-2", StatisticsRecharge)
	require.NoError(t, err)
	assert.Empty(t, stats.Totals)
	assert.Nil(t, stats.Address)
	f.occurrences.AssertNotCalled(t, "Count", mock.Anything, mock.Anything)
}

func TestStatistics_Errors(t *testing.T) {
	f := newFixture(t)
	f.occurrences.On("Get", mock.Anything, "occ-1").Return(&domain.Occurrence{ID: "occ-1"}, nil)

	_, err := f.svc.Statistics(f.ctx, "occ-1", "transfer")
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.Statistics(f.ctx, "occ-1", StatisticsWithdraw)
	assert.True(t, errors.IsNotFound(err), "no withdraw events are defined")
}
