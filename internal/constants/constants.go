package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	TopicOccurrenceIngested      = "occurrence_ingested"
	TopicRuleEvaluationRequested = "rule_evaluation_requested"
	TopicOccurrenceDecided       = "occurrence_decided"
)

const (
	DefaultPrefetchCount = 10
)

const (
	CacheKeyPrefix         = "rcs:"
	DefaultCacheTTLSeconds = 600
)

const (
	DefaultMongoDBName = "rcs"
)

const (
	CollectionEventDefinitions = "event_definitions"
	CollectionSceneDefinitions = "scene_definitions"
	CollectionRuleDefinitions  = "rule_definitions"
	CollectionOccurrences      = "occurrences"
	CollectionMatchResults     = "match_results"
	CollectionPunitiveActions  = "punitive_actions"
)

const (
	DefaultMaxRenderDepth      = 32
	DefaultReconcileInterval   = 30 * time.Second
	DefaultReconcileStaleAfter = 2 * time.Minute
	DefaultMaxRedispatch       = 3
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	ServiceIngest     = "ingest-service"
	ServiceDispatch   = "dispatch-service"
	ServiceEvaluator  = "evaluator-service"
	ServiceIssuance   = "issuance-service"
	ServiceManagement = "management-service"
)

var (
	DefaultWithdrawEvents = []string{"withdraw", "lland_withdraw"}
	DefaultRechargeEvents = []string{"exchange_recharge", "lland_recharge"}
)
