package management

import (
	"time"

	"github.com/shopspring/decimal"

	"rcs/internal/domain"
)

type CreateEventRequest struct {
	Name        string               `json:"name" binding:"required,max=128"`
	Description string               `json:"description"`
	Schema      domain.PayloadSchema `json:"schema"`
}

type UpdateEventRequest struct {
	Name        *string               `json:"name" binding:"omitempty,max=128"`
	Description *string               `json:"description"`
	Schema      *domain.PayloadSchema `json:"schema"`
}

type CreateSceneRequest struct {
	Name        string               `json:"name" binding:"required,max=128"`
	Category    string               `json:"category" binding:"required"`
	Description string               `json:"description"`
	Schema      domain.PayloadSchema `json:"schema"`
	EventIDs    []string             `json:"event_ids"`
}

type UpdateSceneRequest struct {
	Name        *string               `json:"name" binding:"omitempty,max=128"`
	Category    *string               `json:"category"`
	Description *string               `json:"description"`
	Schema      *domain.PayloadSchema `json:"schema"`
	EventIDs    *[]string             `json:"event_ids"`
}

// CreateRuleRequest carries the authoring tree. The executable expression is
// always derived from Origin on the server.
type CreateRuleRequest struct {
	Name         string               `json:"name" binding:"required,max=128"`
	Description  string               `json:"description"`
	UserPrompt   string               `json:"user_prompt"`
	ControlType  string               `json:"control_type"`
	ExecuteType  string               `json:"execute_type"`
	Origin       domain.AuthoringNode `json:"origin"`
	PunishLevel  int                  `json:"punish_level" binding:"gte=0"`
	PunishAction domain.Action        `json:"punish_action"`
	Status       domain.RuleStatus    `json:"status" binding:"omitempty,oneof=on off"`
	Tenant       string               `json:"tenant"`
	EventIDs     []string             `json:"event_ids"`
	SceneIDs     []string             `json:"scene_ids"`
}

type UpdateRuleRequest struct {
	Name         *string               `json:"name" binding:"omitempty,max=128"`
	Description  *string               `json:"description"`
	UserPrompt   *string               `json:"user_prompt"`
	ControlType  *string               `json:"control_type"`
	ExecuteType  *string               `json:"execute_type"`
	Origin       *domain.AuthoringNode `json:"origin"`
	PunishLevel  *int                  `json:"punish_level" binding:"omitempty,gte=0"`
	PunishAction *domain.Action        `json:"punish_action"`
	Status       *domain.RuleStatus    `json:"status" binding:"omitempty,oneof=on off"`
	Tenant       *string               `json:"tenant"`
}

type RuleStatusRequest struct {
	Status domain.RuleStatus `json:"status" binding:"required,oneof=on off"`
}

type ManualPunishmentRequest struct {
	Action domain.Action `json:"action" binding:"required"`
	Memo   string        `json:"memo" binding:"max=1024"`
}

// ListResponse is the paginated envelope of every listing endpoint.
type ListResponse[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Offset int64 `json:"offset"`
	Limit  int64 `json:"limit"`
}

type OccurrenceDetail struct {
	*domain.Occurrence
	Matches []domain.MatchResult    `json:"matches"`
	Actions []domain.PunitiveAction `json:"actions"`
}

const (
	StatisticsWithdraw = "withdraw"
	StatisticsRecharge = "recharge"
)

type CoinTotal struct {
	Coin  string          `json:"coin"`
	Total decimal.Decimal `json:"total"`
}

// AddressStatistics describes the destination address of a withdrawal.
type AddressStatistics struct {
	Address string `json:"address"`
	// distinct users that withdrew to Address
	UserCount int64 `json:"user_count"`
	// withdrawals to Address by anyone
	AddressCount int64 `json:"address_count"`
	// withdrawals to Address by this user
	UserToAddressCount int64 `json:"user_to_address_count"`
	// withdrawals by this user to any address
	UserWithdrawCount int64 `json:"user_withdraw_count"`
}

// Statistics covers the occurrence's user up to and including the
// occurrence itself.
type Statistics struct {
	OccurrenceID string             `json:"occurrence_id"`
	Kind         string             `json:"kind"`
	Totals       []CoinTotal        `json:"totals"`
	Address      *AddressStatistics `json:"address,omitempty"`
}

type AuditLog struct {
	ID           string      `json:"id"`
	EntityID     string      `json:"entity_id"`
	EntityType   string      `json:"entity_type"`
	Action       string      `json:"action"`
	OldValue     interface{} `json:"old_value,omitempty"`
	NewValue     interface{} `json:"new_value,omitempty"`
	ChangedBy    string      `json:"changed_by"`
	ChangeReason string      `json:"change_reason,omitempty"`
	IPAddress    string      `json:"ip_address,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Limit      int
}

const (
	EntityEvent          = "event"
	EntityScene          = "scene"
	EntityRule           = "rule"
	EntityPunitiveAction = "punitive_action"
)

const (
	AuditCreate = "create"
	AuditUpdate = "update"
	AuditDelete = "delete"
	AuditAttach = "attach"
	AuditDetach = "detach"
	AuditIssue  = "issue"
)
