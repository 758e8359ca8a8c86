package ingest

import (
	"time"

	"rcs/internal/domain"
)

type SubmitRequest struct {
	EventName   string                 `json:"event_name" binding:"required"`
	EventAt     *time.Time             `json:"event_at"`
	EventData   map[string]interface{} `json:"event_data" binding:"required"`
	User        domain.User            `json:"user" binding:"required"`
	BusinessKey string                 `json:"business_key"`
}

type SubmitResponse struct {
	OccurrenceID string `json:"occurrence_id"`
	BusinessKey  string `json:"business_key"`
	Duplicate    bool   `json:"duplicate"`
}
