package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rcs/internal/aggregation"
	"rcs/internal/broker"
	"rcs/internal/cache"
	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/dispatch"
	"rcs/internal/domain"
	"rcs/internal/evaluation"
	"rcs/internal/ingest"
	"rcs/internal/issuance"
	"rcs/internal/logger"
	"rcs/internal/management"
	"rcs/internal/resolver"
	"rcs/internal/scenescript"
	"rcs/internal/schema"
	"rcs/internal/store"
	"rcs/pkg/cel"
	"rcs/pkg/models"
)

const (
	containerStartupTimeout = 60
	cacheTTL                = time.Minute
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

type routedMessage struct {
	topic string
	msg   models.MessageEnvelope
}

// loopbackBus stands in for Kafka. Published envelopes queue until Drain
// hands them to the handler subscribed to their topic.
type loopbackBus struct {
	mu        sync.Mutex
	queue     []routedMessage
	handlers  map[string]broker.HandlerFunc
	published map[string][]models.MessageEnvelope
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{
		handlers:  make(map[string]broker.HandlerFunc),
		published: make(map[string][]models.MessageEnvelope),
	}
}

func (b *loopbackBus) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, routedMessage{topic: topic, msg: msg})
	b.published[topic] = append(b.published[topic], msg)
	return nil
}

func (b *loopbackBus) Subscribe(topic string, handler broker.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

func (b *loopbackBus) next() (routedMessage, broker.HandlerFunc, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return routedMessage{}, nil, false
	}
	m := b.queue[0]
	b.queue = b.queue[1:]
	return m, b.handlers[m.topic], true
}

// Drain delivers queued messages, including the ones handlers publish while
// draining, until the queue is empty.
func (b *loopbackBus) Drain(t *testing.T, ctx context.Context) {
	t.Helper()
	for {
		m, handler, ok := b.next()
		if !ok {
			return
		}
		if handler == nil {
			continue
		}
		require.NoError(t, handler(ctx, m.msg), "handling %s", m.topic)
	}
}

// Redeliver queues every message already published to topic again, the way
// Kafka does after a consumer restarts before committing.
func (b *loopbackBus) Redeliver(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.published[topic] {
		b.queue = append(b.queue, routedMessage{topic: topic, msg: msg})
	}
}

func (b *loopbackBus) Count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[topic])
}

// pipeline wires every stage over one MongoDB database and the loopback bus.
type pipeline struct {
	bus         *loopbackBus
	catalog     *store.Catalog
	occurrences *store.OccurrenceRepository
	matches     *store.MatchResultRepository
	actions     *store.PunitiveActionRepository
	ingest      *ingest.Service
	dispatch    *dispatch.Service
	issuance    *issuance.Service
	management  management.Service
}

func newPipeline(t *testing.T, infra *TestInfra, entityCache cache.Cache) *pipeline {
	t.Helper()
	log := createTestLogger()

	constraints, err := cel.NewEvaluator()
	require.NoError(t, err)
	validator := schema.NewValidator(constraints)

	thresholds, err := aggregation.ThresholdsFromConfig(config.DefaultPunishActions())
	require.NoError(t, err)

	p := &pipeline{
		bus:         newLoopbackBus(),
		catalog:     store.NewCatalog(infra.MongoDB, entityCache, cacheTTL, log),
		occurrences: store.NewOccurrenceRepository(infra.MongoDB),
		matches:     store.NewMatchResultRepository(infra.MongoDB),
		actions:     store.NewPunitiveActionRepository(infra.MongoDB),
	}

	registry := scenescript.NewRegistry()
	scripts := scenescript.NewScripts(p.occurrences, p.catalog, scenescript.DefaultRechargeEvents, log)
	require.NoError(t, scenescript.RegisterDefaults(registry, scripts))
	renderer := resolver.New(p.catalog, p.occurrences, registry, validator, 0, log)

	decider := aggregation.NewDecider(p.occurrences, thresholds, p.bus, constants.TopicOccurrenceDecided, aggregation.DefaultSource, log)

	p.ingest = ingest.NewService(p.catalog, p.occurrences, validator, ingest.NewHasher("sha256"), p.bus, constants.TopicOccurrenceIngested, log)
	p.dispatch = dispatch.NewService(p.catalog, p.occurrences, renderer, decider, p.bus, 0, constants.TopicRuleEvaluationRequested, log)
	evaluator := evaluation.NewService(p.catalog, p.occurrences, p.matches, decider, log)
	p.issuance = issuance.NewService(p.occurrences, p.matches, p.actions, nil, log)

	var opts []management.ServiceOption
	if infra.PostgresDB != nil {
		opts = append(opts, management.WithAudit(management.NewPostgresAuditRepository(infra.PostgresDB)))
	}
	p.management = management.NewService(p.catalog, p.occurrences, p.matches, p.actions, p.issuance, validator, log, opts...)

	p.bus.Subscribe(constants.TopicOccurrenceIngested, p.dispatch.HandleIngested)
	p.bus.Subscribe(constants.TopicRuleEvaluationRequested, evaluator.HandleEvaluationRequested)
	p.bus.Subscribe(constants.TopicOccurrenceDecided, p.issuance.HandleDecided)

	return p
}

// submit ingests one occurrence and runs it through every stage.
func (p *pipeline) submit(t *testing.T, ctx context.Context, req ingest.SubmitRequest) *ingest.SubmitResponse {
	t.Helper()
	resp, err := p.ingest.Submit(ctx, req)
	require.NoError(t, err)
	p.bus.Drain(t, ctx)
	return resp
}

func (p *pipeline) occurrence(t *testing.T, ctx context.Context, id string) *domain.Occurrence {
	t.Helper()
	occ, err := p.occurrences.Get(ctx, id)
	require.NoError(t, err)
	return occ
}

func withdrawEvent(t *testing.T, ctx context.Context, svc management.Service) *domain.EventDefinition {
	t.Helper()
	ev, err := svc.CreateEvent(ctx, management.CreateEventRequest{
		Name: "withdraw",
		Schema: domain.PayloadSchema{
			"amount":    {Type: domain.FieldDecimal},
			"coin_name": {Type: domain.FieldString},
		},
	})
	require.NoError(t, err)
	return ev
}

// largeUSDTRule is amount > 1000 AND coin_name = USDT at punish level 5.
func largeUSDTRule(eventID string) management.CreateRuleRequest {
	return management.CreateRuleRequest{
		Name: "large usdt withdrawal",
		Origin: domain.AuthoringNode{
			Key: "and",
			Children: []domain.AuthoringNode{{
				Type:   "withdraw",
				Source: "payload",
				Children: []domain.AuthoringNode{
					{Argument: "amount", Operator: ">", Value: 1000.0},
					{Argument: "coin_name", Operator: "=", Value: "USDT"},
				},
			}},
		},
		PunishLevel: 5,
		Status:      domain.RuleStatusOn,
		EventIDs:    []string{eventID},
	}
}

func withdrawal(user, amount, coin, key string) ingest.SubmitRequest {
	return ingest.SubmitRequest{
		EventName:   "withdraw",
		EventData:   map[string]interface{}{"amount": amount, "coin_name": coin},
		User:        domain.User{UserID: user, Project: "acme"},
		BusinessKey: key,
	}
}
