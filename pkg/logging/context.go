package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey      contextKey = "trace_id"
	MessageIDKey    contextKey = "message_id"
	ServiceNameKey  contextKey = "service_name"
	OccurrenceIDKey contextKey = "occurrence_id"
	RuleIDKey       contextKey = "rule_id"
)

var orderedKeys = []contextKey{TraceIDKey, MessageIDKey, ServiceNameKey, OccurrenceIDKey, RuleIDKey}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func WithOccurrenceID(ctx context.Context, occurrenceID string) context.Context {
	return context.WithValue(ctx, OccurrenceIDKey, occurrenceID)
}

func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, RuleIDKey, ruleID)
}

func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return getString(ctx, MessageIDKey)
}

func GetServiceName(ctx context.Context) string {
	return getString(ctx, ServiceNameKey)
}

func GetOccurrenceID(ctx context.Context) string {
	return getString(ctx, OccurrenceIDKey)
}

func getString(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 2*len(orderedKeys))

	for _, key := range orderedKeys {
		if v := getString(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
