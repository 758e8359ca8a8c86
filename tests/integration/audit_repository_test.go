package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs/internal/cache"
	"rcs/internal/domain"
	"rcs/internal/management"
)

func TestAudit_ManagementChangesAreRecorded(t *testing.T) {
	infra := SetupTestInfra(t, WithMongo(), WithPostgres())
	p := newPipeline(t, infra, cache.NopCache{})

	ctx := management.WithActor(context.Background(), management.Actor{
		Subject: "ops@acme",
		IP:      "10.0.0.7",
		Reason:  "onboarding",
	})

	ev := withdrawEvent(t, ctx, p.management)
	rule, err := p.management.CreateRule(ctx, largeUSDTRule(ev.ID))
	require.NoError(t, err)
	require.NoError(t, p.management.SetRuleStatus(ctx, rule.ID, domain.RuleStatusOff))

	logs, err := p.management.GetAuditLogs(ctx, management.AuditFilter{
		EntityType: management.EntityRule,
		EntityID:   rule.ID,
	})
	require.NoError(t, err)
	require.Len(t, logs, 2)

	// newest first
	assert.Equal(t, management.AuditUpdate, logs[0].Action)
	assert.Equal(t, management.AuditCreate, logs[1].Action)
	for _, entry := range logs {
		assert.Equal(t, "ops@acme", entry.ChangedBy)
		assert.Equal(t, "onboarding", entry.ChangeReason)
		assert.Equal(t, "10.0.0.7", entry.IPAddress)
	}
	assert.Nil(t, logs[1].OldValue)
	assert.NotNil(t, logs[1].NewValue)

	events, err := p.management.GetAuditLogs(ctx, management.AuditFilter{EntityType: management.EntityEvent})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, management.AuditAttach, events[0].Action)
	assert.Equal(t, management.AuditCreate, events[1].Action)
	for _, entry := range events {
		assert.Equal(t, ev.ID, entry.EntityID)
	}
}

func TestAudit_ListRespectsLimit(t *testing.T) {
	infra := SetupTestInfra(t, WithPostgres())
	ctx := context.Background()
	repo := management.NewPostgresAuditRepository(infra.PostgresDB)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Log(ctx, management.AuditLog{
			EntityID:   "rule-1",
			EntityType: management.EntityRule,
			Action:     management.AuditUpdate,
			NewValue:   map[string]interface{}{"revision": i},
			ChangedBy:  "ops@acme",
		}))
	}
	require.NoError(t, repo.Log(ctx, management.AuditLog{
		EntityID:   "rule-2",
		EntityType: management.EntityRule,
		Action:     management.AuditDelete,
		ChangedBy:  "ops@acme",
	}))

	logs, err := repo.List(ctx, management.AuditFilter{EntityID: "rule-1", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	for _, entry := range logs {
		assert.Equal(t, "rule-1", entry.EntityID)
	}

	all, err := repo.List(ctx, management.AuditFilter{EntityType: management.EntityRule})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}
