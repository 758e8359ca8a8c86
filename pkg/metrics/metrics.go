package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OccurrencesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_occurrences_ingested_total",
			Help: "Total number of occurrences received by the ingest service (count)",
		},
		[]string{"event", "status"},
	)

	RulesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_rules_dispatched_total",
			Help: "Total number of rule evaluation requests dispatched (count)",
		},
		[]string{"status"},
	)

	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_rule_evaluations_total",
			Help: "Total number of rule evaluations by outcome (count)",
		},
		[]string{"result"},
	)

	RuleEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rcs_rule_evaluation_duration_ms",
			Help:    "Rule evaluation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"result"},
	)

	OccurrencesDecidedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_occurrences_decided_total",
			Help: "Total number of occurrences whose rules all reported (count)",
		},
		[]string{"action"},
	)

	PunitiveActionsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_punitive_actions_issued_total",
			Help: "Total number of punitive actions issued (count)",
		},
		[]string{"action", "source"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_notifications_total",
			Help: "Total number of outbound punishment notifications (count)",
		},
		[]string{"tenant", "status"},
	)

	ReconciledEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_reconciled_entries_total",
			Help: "Total number of stale rule entries handled by the reconciliation sweep (count)",
		},
		[]string{"outcome"},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcs_cache_requests_total",
			Help: "Total number of read-through cache lookups (count)",
		},
		[]string{"entity", "result"},
	)

	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"topic"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_dropped_total",
			Help: "Total number of consumed messages acknowledged without processing (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	MessageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_processing_duration_ms",
			Help:    "Duration of consumed message handling in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "topic"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"database", "operation"},
	)
)

// register tolerates collectors that another Register* call already added,
// so services can combine groups freely.
func register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			panic(err)
		}
	}
}

func RegisterBrokerMetrics() {
	register(RetryAttemptsTotal, DLQMessagesTotal, MessagesPublishedTotal, MessagesDroppedTotal, MessageProcessingDuration)
}

func RegisterCircuitBreakerMetrics() {
	register(CircuitBreakerState, CircuitBreakerRequests, CircuitBreakerFailures)
}

func RegisterStoreMetrics() {
	register(DatabaseQueriesTotal, DatabaseQueryDuration, CacheRequestsTotal)
}

func RegisterIngestMetrics() {
	register(OccurrencesIngestedTotal, RateLimitRequestsTotal)
}

func RegisterDispatchMetrics() {
	register(RulesDispatchedTotal, ReconciledEntriesTotal)
}

func RegisterEvaluatorMetrics() {
	register(RuleEvaluationsTotal, RuleEvaluationDuration, OccurrencesDecidedTotal)
}

func RegisterIssuanceMetrics() {
	register(PunitiveActionsIssuedTotal, NotificationsTotal)
}

func RegisterManagementMetrics() {
	register(RateLimitRequestsTotal)
}

func ObserveRuleEvaluation(result string, duration time.Duration) {
	RuleEvaluationsTotal.WithLabelValues(result).Inc()
	RuleEvaluationDuration.WithLabelValues(result).Observe(float64(duration.Milliseconds()))
}

func ObserveMessageProcessing(service, topic string, duration time.Duration) {
	MessageProcessingDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveDatabaseQuery(database, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
	DatabaseQueryDuration.WithLabelValues(database, operation).Observe(float64(duration.Milliseconds()))
}

func IncCacheRequest(entity, result string) {
	CacheRequestsTotal.WithLabelValues(entity, result).Inc()
}
