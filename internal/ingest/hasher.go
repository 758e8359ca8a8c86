package ingest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"rcs/internal/domain"
)

// Hasher derives a business key for occurrences submitted without one.
type Hasher struct {
	algorithm string
}

func NewHasher(algorithm string) *Hasher {
	return &Hasher{algorithm: algorithm}
}

// BusinessKey hashes event, user, event time and the coerced payload. Map
// keys are encoded in sorted order so equal submissions hash equally.
func (h *Hasher) BusinessKey(eventName string, user domain.User, eventAt time.Time, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(struct {
		Event   string                 `json:"event"`
		User    domain.User            `json:"user"`
		EventAt time.Time              `json:"event_at"`
		Payload map[string]interface{} `json:"payload"`
	}{eventName, user, eventAt.UTC(), payload})
	if err != nil {
		return "", fmt.Errorf("failed to encode occurrence for hashing: %w", err)
	}

	switch h.algorithm {
	case "md5":
		sum := md5.Sum(body)
		return hex.EncodeToString(sum[:]), nil
	default:
		sum := sha256.Sum256(body)
		return hex.EncodeToString(sum[:]), nil
	}
}
