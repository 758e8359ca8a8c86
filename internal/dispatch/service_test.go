package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs/internal/aggregation"
	"rcs/internal/config"
	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/logger"
	"rcs/pkg/errors"
	"rcs/pkg/models"
)

const (
	evalTopic    = "rule_evaluation_requested"
	decidedTopic = "occurrence_decided"
)

func rule(id string, level int, tenant string) *domain.RuleDefinition {
	return &domain.RuleDefinition{
		ID:          id,
		Status:      domain.RuleStatusOn,
		PunishLevel: level,
		Tenant:      tenant,
		Expression:  []interface{}{">", "REPL::amount", 100},
	}
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{
		events: map[string]*domain.EventDefinition{
			"ev-withdraw": {ID: "ev-withdraw", Name: "withdraw", RuleIDs: []string{"r1", "r2", "gone"}},
			"ev-quiet":    {ID: "ev-quiet", Name: "quiet"},
		},
		scenes: map[string][]*domain.SceneDefinition{
			"ev-withdraw": {{ID: "sc-1", RuleIDs: []string{"r2", "r3", "r-other-tenant", "r-off"}}},
		},
		rules: map[string]*domain.RuleDefinition{
			"r1":             rule("r1", 1, ""),
			"r2":             rule("r2", 4, "acme"),
			"r3":             rule("r3", 5, ""),
			"r-other-tenant": rule("r-other-tenant", 10, "globex"),
			"r-off":          {ID: "r-off", Status: domain.RuleStatusOff, PunishLevel: 10},
		},
	}
}

func occurrence(id, eventID string) *domain.Occurrence {
	return &domain.Occurrence{
		ID:        id,
		EventID:   eventID,
		Tenant:    "acme",
		User:      domain.User{UserID: "u-1", Project: "acme"},
		Payload:   map[string]interface{}{"amount": 500},
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
}

func newService(t *testing.T, occs *memStore, cat *fakeCatalog, r Renderer) (*Service, *recordingPublisher) {
	t.Helper()
	pub := newPublisher()
	th, err := aggregation.ThresholdsFromConfig(config.DefaultPunishActions())
	require.NoError(t, err)
	decider := aggregation.NewDecider(occs, th, pub, decidedTopic, aggregation.DefaultSource, logger.NopLogger())
	return NewService(cat, occs, r, decider, pub, 0, evalTopic, logger.NopLogger()), pub
}

func TestDispatch_ResolvesEventAndSceneRules(t *testing.T) {
	occs := newMemStore(occurrence("occ-1", "ev-withdraw"))
	svc, pub := newService(t, occs, newCatalog(), passthroughRenderer{})

	require.NoError(t, svc.Dispatch(context.Background(), "occ-1"))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.True(t, got.RulesResolved)
	assert.Equal(t, 3, got.EntryCount)

	ids := make([]string, 0, len(got.Entries))
	for _, e := range got.Entries {
		ids = append(ids, e.RuleID)
		assert.Equal(t, domain.EntryDispatched, e.Status)
		assert.Equal(t, 1, e.Attempts)
	}
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, ids)

	require.Equal(t, 3, pub.count(evalTopic))
	var req models.RuleEvaluationRequested
	require.NoError(t, pub.msgs[evalTopic][0].DecodePayload(&req))
	assert.Equal(t, "occ-1", req.OccurrenceID)
	assert.Equal(t, 1, req.Attempt)

	node, err := expr.Decode(req.Expression)
	require.NoError(t, err)
	assert.IsType(t, &expr.Call{}, node)
}

func TestDispatch_RedeliveryDoesNotResend(t *testing.T) {
	occs := newMemStore(occurrence("occ-1", "ev-withdraw"))
	svc, pub := newService(t, occs, newCatalog(), passthroughRenderer{})

	require.NoError(t, svc.Dispatch(context.Background(), "occ-1"))
	require.NoError(t, svc.Dispatch(context.Background(), "occ-1"))

	assert.Equal(t, 3, pub.count(evalTopic))
}

func TestDispatch_NoRulesDecidesImmediately(t *testing.T) {
	occs := newMemStore(occurrence("occ-1", "ev-quiet"))
	svc, pub := newService(t, occs, newCatalog(), passthroughRenderer{})

	require.NoError(t, svc.Dispatch(context.Background(), "occ-1"))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.True(t, got.Decided)
	assert.Equal(t, domain.ActionNone, got.SuggestedAction)
	assert.Equal(t, 0, pub.count(evalTopic))
	assert.Equal(t, 1, pub.count(decidedTopic))
}

func TestDispatch_SkipsDecided(t *testing.T) {
	occ := occurrence("occ-1", "ev-withdraw")
	occ.Decided = true
	svc, pub := newService(t, newMemStore(occ), newCatalog(), passthroughRenderer{})

	require.NoError(t, svc.Dispatch(context.Background(), "occ-1"))
	assert.Equal(t, 0, pub.count(evalTopic))
}

func TestDispatch_MissingOccurrenceIsFatal(t *testing.T) {
	svc, _ := newService(t, newMemStore(), newCatalog(), passthroughRenderer{})

	err := svc.Dispatch(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestDispatch_RenderFailureLeavesEntryOpen(t *testing.T) {
	occs := newMemStore(occurrence("occ-1", "ev-withdraw"))
	renderErr := errors.ErrReferenceResolution.WithMessage("scene missing")
	svc, pub := newService(t, occs, newCatalog(), passthroughRenderer{err: renderErr})

	err := svc.Dispatch(context.Background(), "occ-1")
	require.Error(t, err)
	assert.True(t, errors.IsReferenceResolution(err))

	got, _ := occs.Get(context.Background(), "occ-1")
	for _, e := range got.Entries {
		assert.Equal(t, domain.EntryAwaitingDispatch, e.Status)
	}
	assert.Equal(t, 0, pub.count(evalTopic))
}

func TestDispatch_RuleDeletedAfterResolution(t *testing.T) {
	occ := occurrence("occ-1", "ev-withdraw")
	occ.RulesResolved = true
	occ.EntryCount = 1
	occ.Entries = []domain.RuleEntry{{RuleID: "deleted", Status: domain.EntryAwaitingDispatch, PunishLevel: 5}}
	occs := newMemStore(occ)
	svc, pub := newService(t, occs, newCatalog(), passthroughRenderer{})

	require.NoError(t, svc.Dispatch(context.Background(), "occ-1"))

	got, _ := occs.Get(context.Background(), "occ-1")
	assert.True(t, got.Decided)
	assert.Equal(t, 0, got.HitPunishLevel)
	assert.Equal(t, 1, pub.count(decidedTopic))
}

func TestHandleIngested(t *testing.T) {
	occs := newMemStore(occurrence("occ-1", "ev-withdraw"))
	svc, pub := newService(t, occs, newCatalog(), passthroughRenderer{})

	env, err := models.NewMessageEnvelopeBuilder().
		WithType(models.MessageTypeOccurrenceIngested).
		WithSource("ingest-service").
		WithOccurrence("occ-1", "").
		WithPayload(models.OccurrenceIngested{OccurrenceID: "occ-1", EventName: "withdraw", Tenant: "acme"}).
		Build()
	require.NoError(t, err)

	require.NoError(t, svc.HandleIngested(context.Background(), *env))
	assert.Equal(t, 3, pub.count(evalTopic))
}
