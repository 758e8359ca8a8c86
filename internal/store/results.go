package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"rcs/internal/constants"
	"rcs/internal/domain"
	pkgerrors "rcs/pkg/errors"
)

type MatchResultRepository struct {
	c collection[domain.MatchResult]
}

func NewMatchResultRepository(db *mongo.Database) *MatchResultRepository {
	return &MatchResultRepository{c: newCollection[domain.MatchResult](db, constants.CollectionMatchResults)}
}

// Create records that ruleID matched occurrenceID. The (rule, occurrence)
// pair is unique; a redelivered match returns the existing result.
func (r *MatchResultRepository) Create(ctx context.Context, ruleID, occurrenceID string) (*domain.MatchResult, error) {
	res := &domain.MatchResult{
		ID:           uuid.New().String(),
		RuleID:       ruleID,
		OccurrenceID: occurrenceID,
		CreatedAt:    time.Now().UTC(),
	}
	err := r.c.insert(ctx, "create", res)
	if pkgerrors.IsConflict(err) {
		return r.c.findOne(ctx, "get_existing", bson.M{"rule_id": ruleID, "occurrence_id": occurrenceID})
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *MatchResultRepository) ForOccurrence(ctx context.Context, occurrenceID string) ([]domain.MatchResult, error) {
	return r.c.find(ctx, "for_occurrence", bson.M{"occurrence_id": occurrenceID})
}

func (r *MatchResultRepository) MarkProcessed(ctx context.Context, occurrenceID string) error {
	return r.c.updateMany(ctx, "mark_processed",
		bson.M{"occurrence_id": occurrenceID, "processed": false},
		bson.M{"$set": bson.M{"processed": true}},
	)
}

type PunitiveActionFilter struct {
	OccurrenceID string
	UserID       string
	Tenant       string
	Action       domain.Action
}

type PunitiveActionRepository struct {
	c collection[domain.PunitiveAction]
}

func NewPunitiveActionRepository(db *mongo.Database) *PunitiveActionRepository {
	return &PunitiveActionRepository{c: newCollection[domain.PunitiveAction](db, constants.CollectionPunitiveActions)}
}

// Create stores a punitive action. Automatic actions are unique per
// occurrence; a second issuance returns the first one with created=false.
func (r *PunitiveActionRepository) Create(ctx context.Context, a *domain.PunitiveAction) (*domain.PunitiveAction, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	err := r.c.insert(ctx, "create", a)
	if pkgerrors.IsConflict(err) && a.Source == domain.PunishmentSourceAuto {
		existing, getErr := r.c.findOne(ctx, "get_existing", bson.M{"occurrence_id": a.OccurrenceID, "source": domain.PunishmentSourceAuto})
		return existing, false, getErr
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (r *PunitiveActionRepository) Get(ctx context.Context, id string) (*domain.PunitiveAction, error) {
	return r.c.findOne(ctx, "get", bson.M{"_id": id})
}

func (r *PunitiveActionRepository) SetNotification(ctx context.Context, id string, outcome domain.NotificationOutcome) error {
	res, err := r.c.updateOne(ctx, "set_notification", bson.M{"_id": id}, bson.M{
		"$set": bson.M{"notification": outcome, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	return matched(res, constants.CollectionPunitiveActions, id)
}

func (r *PunitiveActionRepository) List(ctx context.Context, f PunitiveActionFilter, p Page) ([]domain.PunitiveAction, int64, error) {
	filter := bson.M{}
	if f.OccurrenceID != "" {
		filter["occurrence_id"] = f.OccurrenceID
	}
	if f.UserID != "" {
		filter["user.user_id"] = f.UserID
	}
	if f.Tenant != "" {
		filter["user.project"] = f.Tenant
	}
	if f.Action != "" {
		filter["action"] = f.Action
	}
	return r.c.page(ctx, "list", filter, byCreated, p)
}
