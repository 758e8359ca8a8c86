package models

import (
	"encoding/json"
)

const (
	MessageTypeOccurrenceIngested      = "occurrence_ingested"
	MessageTypeRuleEvaluationRequested = "rule_evaluation_requested"
	MessageTypeOccurrenceDecided       = "occurrence_decided"
)

// OccurrenceIngested announces a persisted, schema-valid occurrence.
type OccurrenceIngested struct {
	OccurrenceID string `json:"occurrence_id"`
	EventName    string `json:"event_name"`
	Tenant       string `json:"tenant"`
}

// RuleEvaluationRequested carries one rule rendered against one occurrence.
// Expression is the tagged JSON form produced by the expr package.
type RuleEvaluationRequested struct {
	OccurrenceID string          `json:"occurrence_id"`
	RuleID       string          `json:"rule_id"`
	Expression   json.RawMessage `json:"expression"`
	Attempt      int             `json:"attempt"`
}

// OccurrenceDecided is published once every rule of an occurrence has reported.
type OccurrenceDecided struct {
	OccurrenceID    string `json:"occurrence_id"`
	HitPunishLevel  int    `json:"hit_punish_level"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}
