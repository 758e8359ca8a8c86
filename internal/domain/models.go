// Package domain holds the persisted entities of the risk-control pipeline.
package domain

import (
	"time"
)

type RuleStatus string

const (
	RuleStatusOn  RuleStatus = "on"
	RuleStatusOff RuleStatus = "off"
)

type Action string

const (
	ActionNone            Action = ""
	ActionRefuseOperation Action = "REFUSE_OPERATION"
	ActionBanUserLogin    Action = "BAN_USER_LOGIN"
	ActionBlockUser       Action = "BLOCK_USER"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRefuseOperation, ActionBanUserLogin, ActionBlockUser:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryAwaitingDispatch EntryStatus = "awaiting_dispatch"
	EntryDispatched       EntryStatus = "dispatched"
	EntryCompletedNoMatch EntryStatus = "completed_no_match"
	EntryCompletedMatch   EntryStatus = "completed_match"
)

func (s EntryStatus) Completed() bool {
	return s == EntryCompletedNoMatch || s == EntryCompletedMatch
}

// User is the tenant/user context an occurrence was reported for.
// Project doubles as the tenant.
type User struct {
	UserID     string `bson:"user_id" json:"user_id" binding:"required"`
	Project    string `bson:"project" json:"project" binding:"required"`
	PlatformID string `bson:"platform_id,omitempty" json:"platform_id,omitempty"`
	GameID     string `bson:"game_id,omitempty" json:"game_id,omitempty"`
	ChainName  string `bson:"chain_name,omitempty" json:"chain_name,omitempty"`
}

// Field returns a user attribute by its stored name.
func (u User) Field(name string) (string, bool) {
	switch name {
	case "user_id":
		return u.UserID, true
	case "project":
		return u.Project, true
	case "platform_id":
		return u.PlatformID, true
	case "game_id":
		return u.GameID, true
	case "chain_name":
		return u.ChainName, true
	}
	return "", false
}

type EventDefinition struct {
	ID          string        `bson:"_id" json:"id"`
	Name        string        `bson:"name" json:"name"`
	Description string        `bson:"description,omitempty" json:"description,omitempty"`
	Schema      PayloadSchema `bson:"schema" json:"schema"`
	RuleIDs     []string      `bson:"rule_ids" json:"rule_ids"`
	CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at" json:"updated_at"`
}

type SceneDefinition struct {
	ID          string        `bson:"_id" json:"id"`
	Name        string        `bson:"name" json:"name"`
	Category    string        `bson:"category" json:"category"`
	Description string        `bson:"description,omitempty" json:"description,omitempty"`
	Schema      PayloadSchema `bson:"schema" json:"schema"`
	EventIDs    []string      `bson:"event_ids" json:"event_ids"`
	RuleIDs     []string      `bson:"rule_ids" json:"rule_ids"`
	CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at" json:"updated_at"`
}

// RuleDefinition keeps the operator-authored tree and the executable nested
// array derived from it. Expression is only ever written by the translator.
type RuleDefinition struct {
	ID           string        `bson:"_id" json:"id"`
	Name         string        `bson:"name" json:"name"`
	SerialNo     int64         `bson:"serial_no" json:"serial_no"`
	Description  string        `bson:"description,omitempty" json:"description,omitempty"`
	UserPrompt   string        `bson:"user_prompt,omitempty" json:"user_prompt,omitempty"`
	ControlType  string        `bson:"control_type,omitempty" json:"control_type,omitempty"`
	ExecuteType  string        `bson:"execute_type,omitempty" json:"execute_type,omitempty"`
	Origin       AuthoringNode `bson:"origin" json:"origin"`
	Expression   []interface{} `bson:"expression" json:"expression"`
	PunishLevel  int           `bson:"punish_level" json:"punish_level"`
	PunishAction Action        `bson:"punish_action" json:"punish_action"`
	Status       RuleStatus    `bson:"status" json:"status"`
	Tenant       string        `bson:"tenant" json:"tenant"`
	HandlerName  string        `bson:"handler_name,omitempty" json:"handler_name,omitempty"`
	CreatedAt    time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `bson:"updated_at" json:"updated_at"`
}

// AppliesTo reports whether the rule is active for the given tenant.
// An empty rule tenant applies to every tenant.
func (r *RuleDefinition) AppliesTo(tenant string) bool {
	if r.Status != RuleStatusOn {
		return false
	}
	return r.Tenant == "" || r.Tenant == tenant
}

// AuthoringNode is the tree the operator console edits. Connective nodes set
// Key and Children. Leaves set Type and Source, name the scene in Value, and
// hold their arguments in Children; an argument sets Argument, Operator and
// Value.
type AuthoringNode struct {
	Key      string          `bson:"key,omitempty" json:"key,omitempty"`
	Type     string          `bson:"type,omitempty" json:"type,omitempty"`
	Value    interface{}     `bson:"value,omitempty" json:"value,omitempty"`
	Source   string          `bson:"source,omitempty" json:"source,omitempty"`
	Children []AuthoringNode `bson:"children,omitempty" json:"children,omitempty"`

	Argument string `bson:"argument,omitempty" json:"argument,omitempty"`
	Operator string `bson:"operator,omitempty" json:"operator,omitempty"`
	Unit     string `bson:"unit,omitempty" json:"unit,omitempty"`
}

type Occurrence struct {
	ID          string                 `bson:"_id" json:"id"`
	EventID     string                 `bson:"event_id" json:"event_id"`
	EventName   string                 `bson:"event_name" json:"event_name"`
	Tenant      string                 `bson:"tenant" json:"tenant"`
	User        User                   `bson:"user" json:"user"`
	Payload     map[string]interface{} `bson:"payload" json:"payload"`
	BusinessKey string                 `bson:"business_key,omitempty" json:"business_key,omitempty"`
	EventAt     time.Time              `bson:"event_at" json:"event_at"`

	RulesResolved    bool        `bson:"rules_resolved" json:"rules_resolved"`
	Entries          []RuleEntry `bson:"entries" json:"entries"`
	EntryCount       int         `bson:"entry_count" json:"entry_count"`
	CompletedCount   int         `bson:"completed_count" json:"completed_count"`
	TotalPunishLevel int         `bson:"total_punish_level" json:"total_punish_level"`
	HitPunishLevel   int         `bson:"hit_punish_level" json:"hit_punish_level"`
	SuggestedAction  Action      `bson:"suggested_action,omitempty" json:"suggested_action,omitempty"`
	Decided          bool        `bson:"decided" json:"decided"`
	DecidedAt        *time.Time  `bson:"decided_at,omitempty" json:"decided_at,omitempty"`
	Processed        bool        `bson:"processed" json:"processed"`
	ProcessedAt      *time.Time  `bson:"processed_at,omitempty" json:"processed_at,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Complete reports whether every applicable rule has reported.
func (o *Occurrence) Complete() bool {
	return o.CompletedCount >= o.EntryCount
}

func (o *Occurrence) Entry(ruleID string) (RuleEntry, bool) {
	for _, e := range o.Entries {
		if e.RuleID == ruleID {
			return e, true
		}
	}
	return RuleEntry{}, false
}

type RuleEntry struct {
	RuleID       string      `bson:"rule_id" json:"rule_id"`
	Status       EntryStatus `bson:"status" json:"status"`
	PunishLevel  int         `bson:"punish_level" json:"punish_level"`
	Attempts     int         `bson:"attempts" json:"attempts"`
	MatchID      string      `bson:"match_id,omitempty" json:"match_id,omitempty"`
	TimedOut     bool        `bson:"timed_out,omitempty" json:"timed_out,omitempty"`
	DispatchedAt *time.Time  `bson:"dispatched_at,omitempty" json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time  `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

type MatchResult struct {
	ID           string    `bson:"_id" json:"id"`
	RuleID       string    `bson:"rule_id" json:"rule_id"`
	OccurrenceID string    `bson:"occurrence_id" json:"occurrence_id"`
	Processed    bool      `bson:"processed" json:"processed"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

type PunishmentSource string

const (
	PunishmentSourceAuto   PunishmentSource = "auto"
	PunishmentSourceManual PunishmentSource = "manual"
)

type PunitiveAction struct {
	ID           string                 `bson:"_id" json:"id"`
	OccurrenceID string                 `bson:"occurrence_id" json:"occurrence_id"`
	MatchIDs     []string               `bson:"match_ids" json:"match_ids"`
	RuleIDs      []string               `bson:"rule_ids" json:"rule_ids"`
	Action       Action                 `bson:"action" json:"action"`
	Details      map[string]interface{} `bson:"details,omitempty" json:"details,omitempty"`
	Memo         string                 `bson:"memo,omitempty" json:"memo,omitempty"`
	Handler      string                 `bson:"handler" json:"handler"`
	Source       PunishmentSource       `bson:"source" json:"source"`
	User         User                   `bson:"user" json:"user"`
	Notification *NotificationOutcome   `bson:"notification,omitempty" json:"notification,omitempty"`
	CreatedAt    time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time              `bson:"updated_at" json:"updated_at"`
}

type NotificationOutcome struct {
	Endpoint   string    `bson:"endpoint" json:"endpoint"`
	Delivered  bool      `bson:"delivered" json:"delivered"`
	StatusCode int       `bson:"status_code,omitempty" json:"status_code,omitempty"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`
	AttemptAt  time.Time `bson:"attempt_at" json:"attempt_at"`
}
