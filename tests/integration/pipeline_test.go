package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs/internal/cache"
	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/management"
	"rcs/internal/store"
)

func TestPipeline_LargeWithdrawalMatches(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo())
	ctx := context.Background()
	p := newPipeline(t, infra, cache.NopCache{})

	ev := withdrawEvent(t, ctx, p.management)
	rule, err := p.management.CreateRule(ctx, largeUSDTRule(ev.ID))
	require.NoError(t, err)

	resp := p.submit(t, ctx, withdrawal("u-1", "1500", "USDT", "wd-1"))

	occ := p.occurrence(t, ctx, resp.OccurrenceID)
	assert.True(t, occ.Decided)
	assert.True(t, occ.Processed)
	assert.Equal(t, 5, occ.HitPunishLevel)
	assert.Equal(t, domain.ActionBanUserLogin, occ.SuggestedAction)

	matches, err := p.matches.ForOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, rule.ID, matches[0].RuleID)
	assert.True(t, matches[0].Processed)

	actions, total, err := p.actions.List(ctx, store.PunitiveActionFilter{OccurrenceID: occ.ID}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, domain.ActionBanUserLogin, actions[0].Action)
	assert.Equal(t, []string{rule.ID}, actions[0].RuleIDs)
}

func TestPipeline_SmallWithdrawalDoesNotMatch(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo())
	ctx := context.Background()
	p := newPipeline(t, infra, cache.NopCache{})

	ev := withdrawEvent(t, ctx, p.management)
	_, err := p.management.CreateRule(ctx, largeUSDTRule(ev.ID))
	require.NoError(t, err)

	resp := p.submit(t, ctx, withdrawal("u-1", "500", "USDT", "wd-1"))

	occ := p.occurrence(t, ctx, resp.OccurrenceID)
	assert.True(t, occ.Decided)
	assert.Equal(t, 0, occ.HitPunishLevel)
	assert.Equal(t, 5, occ.TotalPunishLevel)
	assert.Equal(t, domain.ActionNone, occ.SuggestedAction)

	matches, err := p.matches.ForOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, total, err := p.actions.List(ctx, store.PunitiveActionFilter{OccurrenceID: occ.ID}, store.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPipeline_CountInWindowFiresOnThird(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo())
	ctx := context.Background()
	p := newPipeline(t, infra, cache.NopCache{})

	ev := withdrawEvent(t, ctx, p.management)
	sc, err := p.management.CreateScene(ctx, management.CreateSceneRequest{
		Name:     "lland_withdrawal_num_per_time_limit",
		Category: "withdraw",
		Schema: domain.PayloadSchema{
			"number":       {Type: domain.FieldInt},
			"unit_of_time": {Type: domain.FieldDuration},
			"user_id":      {Type: domain.FieldString},
		},
		EventIDs: []string{ev.ID},
	})
	require.NoError(t, err)

	_, err = p.management.CreateRule(ctx, management.CreateRuleRequest{
		Name: "frequent withdrawals",
		Origin: domain.AuthoringNode{
			Key: "and",
			Children: []domain.AuthoringNode{{
				Type:   "withdraw",
				Source: "scene",
				Value:  sc.Name,
				Children: []domain.AuthoringNode{
					{Argument: "number", Operator: ">=", Value: 3.0},
					{Argument: "unit_of_time", Operator: "=", Value: 3600.0},
					{Argument: "user_id", Operator: "=", Value: "$SELF"},
				},
			}},
		},
		PunishLevel: 1,
		Status:      domain.RuleStatusOn,
		SceneIDs:    []string{sc.ID},
	})
	require.NoError(t, err)

	// another user's withdrawals stay out of the window
	p.submit(t, ctx, withdrawal("u-2", "10", "USDT", "other-1"))
	p.submit(t, ctx, withdrawal("u-2", "10", "USDT", "other-2"))

	var levels []int
	for _, key := range []string{"wd-1", "wd-2", "wd-3"} {
		resp := p.submit(t, ctx, withdrawal("u-1", "10", "USDT", key))
		occ := p.occurrence(t, ctx, resp.OccurrenceID)
		require.True(t, occ.Decided)
		levels = append(levels, occ.HitPunishLevel)
	}

	assert.Equal(t, []int{0, 0, 1}, levels)
}

func TestPipeline_DuplicateIngestion(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo())
	ctx := context.Background()
	p := newPipeline(t, infra, cache.NopCache{})

	ev := withdrawEvent(t, ctx, p.management)
	_, err := p.management.CreateRule(ctx, largeUSDTRule(ev.ID))
	require.NoError(t, err)

	first := p.submit(t, ctx, withdrawal("u-1", "1500", "USDT", "wd-1"))
	second := p.submit(t, ctx, withdrawal("u-1", "1500", "USDT", "wd-1"))

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OccurrenceID, second.OccurrenceID)

	_, total, err := p.occurrences.List(ctx, store.OccurrenceFilter{UserID: "u-1"}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	assert.Equal(t, 1, p.bus.Count(constants.TopicOccurrenceIngested))
	assert.Equal(t, 1, p.bus.Count(constants.TopicRuleEvaluationRequested))
	assert.Equal(t, 1, p.bus.Count(constants.TopicOccurrenceDecided))
}

func TestPipeline_RedeliveryDoesNotDoubleCount(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo())
	ctx := context.Background()
	p := newPipeline(t, infra, cache.NopCache{})

	ev := withdrawEvent(t, ctx, p.management)
	_, err := p.management.CreateRule(ctx, largeUSDTRule(ev.ID))
	require.NoError(t, err)

	resp := p.submit(t, ctx, withdrawal("u-1", "1500", "USDT", "wd-1"))

	p.bus.Redeliver(constants.TopicOccurrenceIngested)
	p.bus.Redeliver(constants.TopicRuleEvaluationRequested)
	p.bus.Redeliver(constants.TopicOccurrenceDecided)
	p.bus.Drain(t, ctx)

	occ := p.occurrence(t, ctx, resp.OccurrenceID)
	assert.Equal(t, 1, occ.CompletedCount)
	assert.Equal(t, 1, occ.Entries[0].Attempts)
	assert.Equal(t, 5, occ.HitPunishLevel)

	_, total, err := p.actions.List(ctx, store.PunitiveActionFilter{OccurrenceID: occ.ID}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestPipeline_ManualPunishmentAndStatistics(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo())
	ctx := context.Background()
	p := newPipeline(t, infra, cache.NopCache{})

	withdrawEvent(t, ctx, p.management)

	p.submit(t, ctx, withdrawal("u-1", "100.5", "USDT", "wd-1"))
	p.submit(t, ctx, withdrawal("u-1", "0.25", "BTC", "wd-2"))
	last := p.submit(t, ctx, withdrawal("u-1", "200", "USDT", "wd-3"))

	stats, err := p.management.Statistics(ctx, last.OccurrenceID, management.StatisticsWithdraw)
	require.NoError(t, err)
	require.Len(t, stats.Totals, 2)
	assert.Equal(t, "BTC", stats.Totals[0].Coin)
	assert.Equal(t, "0.25", stats.Totals[0].Total.String())
	assert.Equal(t, "USDT", stats.Totals[1].Coin)
	assert.Equal(t, "300.5", stats.Totals[1].Total.String())

	ctx = management.WithActor(ctx, management.Actor{Subject: "ops@acme"})
	action, err := p.management.IssuePunishment(ctx, last.OccurrenceID, management.ManualPunishmentRequest{
		Action: domain.ActionRefuseOperation,
		Memo:   "manual review",
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@acme", action.Handler)
	assert.Equal(t, domain.PunishmentSourceManual, action.Source)

	detail, err := p.management.GetOccurrence(ctx, last.OccurrenceID)
	require.NoError(t, err)
	require.Len(t, detail.Actions, 1)
	assert.Equal(t, action.ID, detail.Actions[0].ID)
}
