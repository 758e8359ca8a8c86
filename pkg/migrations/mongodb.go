package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rcs/internal/constants"
)

// mongoIndexes lists the indexes each collection needs. Uniqueness on
// business_key, (rule_id, occurrence_id) and auto-issued actions per
// occurrence is what makes redelivered messages idempotent.
func mongoIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		constants.CollectionEventDefinitions: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetName("idx_events_name").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "rule_ids", Value: 1}},
				Options: options.Index().SetName("idx_events_rule_ids"),
			},
		},
		constants.CollectionSceneDefinitions: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetName("idx_scenes_name").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "event_ids", Value: 1}},
				Options: options.Index().SetName("idx_scenes_event_ids"),
			},
			{
				Keys:    bson.D{{Key: "category", Value: 1}},
				Options: options.Index().SetName("idx_scenes_category"),
			},
		},
		constants.CollectionRuleDefinitions: {
			{
				Keys:    bson.D{{Key: "status", Value: 1}, {Key: "tenant", Value: 1}},
				Options: options.Index().SetName("idx_rules_status_tenant"),
			},
			{
				Keys:    bson.D{{Key: "serial_no", Value: -1}},
				Options: options.Index().SetName("idx_rules_serial_no"),
			},
		},
		constants.CollectionOccurrences: {
			{
				Keys:    bson.D{{Key: "business_key", Value: 1}},
				Options: options.Index().SetName("idx_occurrences_business_key").SetUnique(true).SetSparse(true),
			},
			{
				Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("idx_occurrences_event_created"),
			},
			{
				Keys:    bson.D{{Key: "user.user_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("idx_occurrences_user_created"),
			},
			{
				Keys:    bson.D{{Key: "decided", Value: 1}, {Key: "created_at", Value: 1}},
				Options: options.Index().SetName("idx_occurrences_decided_created"),
			},
			{
				Keys:    bson.D{{Key: "decided", Value: 1}, {Key: "processed", Value: 1}, {Key: "decided_at", Value: 1}},
				Options: options.Index().SetName("idx_occurrences_unissued"),
			},
		},
		constants.CollectionMatchResults: {
			{
				Keys:    bson.D{{Key: "rule_id", Value: 1}, {Key: "occurrence_id", Value: 1}},
				Options: options.Index().SetName("idx_match_results_rule_occurrence").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "occurrence_id", Value: 1}},
				Options: options.Index().SetName("idx_match_results_occurrence"),
			},
		},
		constants.CollectionPunitiveActions: {
			{
				Keys: bson.D{{Key: "occurrence_id", Value: 1}},
				Options: options.Index().
					SetName("idx_punitive_actions_auto_occurrence").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"source": "auto"}),
			},
			{
				Keys:    bson.D{{Key: "user.user_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("idx_punitive_actions_user_created"),
			},
		},
	}
}

// EnsureMongoIndexes creates every index the store relies on. Indexes that
// already exist are left alone.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	for name, indexes := range mongoIndexes() {
		_, err := db.Collection(name).Indexes().CreateMany(ctx, indexes)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}
