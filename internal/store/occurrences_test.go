package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"rcs/internal/domain"
)

func TestUndecidedFilter(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, bson.M{
		"decided":    false,
		"created_at": bson.M{"$lt": cutoff},
	}, undecidedFilter(cutoff, Cursor{}))

	last := cutoff.Add(-time.Hour)
	assert.Equal(t, bson.M{
		"decided":    false,
		"created_at": bson.M{"$lt": cutoff},
		"$or": bson.A{
			bson.M{"created_at": bson.M{"$gt": last}},
			bson.M{"created_at": last, "_id": bson.M{"$gt": "occ-9"}},
		},
	}, undecidedFilter(cutoff, Cursor{CreatedAt: last, ID: "occ-9"}))
}

func TestInsert_TruncatesCreatedAtToMillisecond(t *testing.T) {
	occ := &domain.Occurrence{CreatedAt: time.Date(2026, 1, 1, 12, 0, 0, 5_123_456, time.UTC)}
	normalizeCreatedAt(occ)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 5_000_000, time.UTC), occ.CreatedAt)
}
