package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"rcs/internal/constants"
	"rcs/internal/domain"
)

var byCreated = bson.D{{Key: "created_at", Value: -1}}

type EventRepository struct {
	c collection[domain.EventDefinition]
}

func NewEventRepository(db *mongo.Database) *EventRepository {
	return &EventRepository{c: newCollection[domain.EventDefinition](db, constants.CollectionEventDefinitions)}
}

func (r *EventRepository) Create(ctx context.Context, ev *domain.EventDefinition) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	if ev.RuleIDs == nil {
		ev.RuleIDs = []string{}
	}
	return r.c.insert(ctx, "create", ev)
}

func (r *EventRepository) Get(ctx context.Context, id string) (*domain.EventDefinition, error) {
	return r.c.findOne(ctx, "get", bson.M{"_id": id})
}

func (r *EventRepository) GetByName(ctx context.Context, name string) (*domain.EventDefinition, error) {
	return r.c.findOne(ctx, "get_by_name", bson.M{"name": name})
}

func (r *EventRepository) List(ctx context.Context, p Page) ([]domain.EventDefinition, int64, error) {
	return r.c.page(ctx, "list", bson.M{}, byCreated, p)
}

func (r *EventRepository) Update(ctx context.Context, ev *domain.EventDefinition) error {
	ev.UpdatedAt = time.Now().UTC()
	return r.c.replace(ctx, "update", ev.ID, ev)
}

func (r *EventRepository) Delete(ctx context.Context, id string) error {
	return r.c.delete(ctx, "delete", id)
}

func (r *EventRepository) AttachRule(ctx context.Context, eventID, ruleID string) error {
	res, err := r.c.updateOne(ctx, "attach_rule", bson.M{"_id": eventID}, bson.M{
		"$addToSet": bson.M{"rule_ids": ruleID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	return matched(res, constants.CollectionEventDefinitions, eventID)
}

func (r *EventRepository) DetachRule(ctx context.Context, eventID, ruleID string) error {
	_, err := r.c.updateOne(ctx, "detach_rule", bson.M{"_id": eventID}, bson.M{
		"$pull": bson.M{"rule_ids": ruleID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}

// WithRule lists events that reference ruleID.
func (r *EventRepository) WithRule(ctx context.Context, ruleID string) ([]domain.EventDefinition, error) {
	return r.c.find(ctx, "with_rule", bson.M{"rule_ids": ruleID})
}

type SceneRepository struct {
	c collection[domain.SceneDefinition]
}

func NewSceneRepository(db *mongo.Database) *SceneRepository {
	return &SceneRepository{c: newCollection[domain.SceneDefinition](db, constants.CollectionSceneDefinitions)}
}

func (r *SceneRepository) Create(ctx context.Context, sc *domain.SceneDefinition) error {
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sc.CreatedAt, sc.UpdatedAt = now, now
	if sc.RuleIDs == nil {
		sc.RuleIDs = []string{}
	}
	if sc.EventIDs == nil {
		sc.EventIDs = []string{}
	}
	return r.c.insert(ctx, "create", sc)
}

func (r *SceneRepository) Get(ctx context.Context, id string) (*domain.SceneDefinition, error) {
	return r.c.findOne(ctx, "get", bson.M{"_id": id})
}

func (r *SceneRepository) GetByName(ctx context.Context, name string) (*domain.SceneDefinition, error) {
	return r.c.findOne(ctx, "get_by_name", bson.M{"name": name})
}

func (r *SceneRepository) List(ctx context.Context, category string, p Page) ([]domain.SceneDefinition, int64, error) {
	filter := bson.M{}
	if category != "" {
		filter["category"] = category
	}
	return r.c.page(ctx, "list", filter, byCreated, p)
}

// ForEvent lists scenes that may attach to eventID.
func (r *SceneRepository) ForEvent(ctx context.Context, eventID string) ([]domain.SceneDefinition, error) {
	return r.c.find(ctx, "for_event", bson.M{"event_ids": eventID})
}

func (r *SceneRepository) WithRule(ctx context.Context, ruleID string) ([]domain.SceneDefinition, error) {
	return r.c.find(ctx, "with_rule", bson.M{"rule_ids": ruleID})
}

func (r *SceneRepository) Update(ctx context.Context, sc *domain.SceneDefinition) error {
	sc.UpdatedAt = time.Now().UTC()
	return r.c.replace(ctx, "update", sc.ID, sc)
}

func (r *SceneRepository) Delete(ctx context.Context, id string) error {
	return r.c.delete(ctx, "delete", id)
}

func (r *SceneRepository) AttachRule(ctx context.Context, sceneID, ruleID string) error {
	res, err := r.c.updateOne(ctx, "attach_rule", bson.M{"_id": sceneID}, bson.M{
		"$addToSet": bson.M{"rule_ids": ruleID},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	return matched(res, constants.CollectionSceneDefinitions, sceneID)
}

func (r *SceneRepository) DetachRule(ctx context.Context, sceneID, ruleID string) error {
	_, err := r.c.updateOne(ctx, "detach_rule", bson.M{"_id": sceneID}, bson.M{
		"$pull": bson.M{"rule_ids": ruleID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}

// DetachEvent removes eventID from every scene that lists it.
func (r *SceneRepository) DetachEvent(ctx context.Context, eventID string) error {
	return r.c.updateMany(ctx, "detach_event", bson.M{"event_ids": eventID}, bson.M{
		"$pull": bson.M{"event_ids": eventID},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
}

type RuleFilter struct {
	Tenant string
	Status domain.RuleStatus
	Name   string
}

type RuleRepository struct {
	c collection[domain.RuleDefinition]
}

func NewRuleRepository(db *mongo.Database) *RuleRepository {
	return &RuleRepository{c: newCollection[domain.RuleDefinition](db, constants.CollectionRuleDefinitions)}
}

func (r *RuleRepository) Create(ctx context.Context, rule *domain.RuleDefinition) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	if rule.SerialNo <= 0 {
		rule.SerialNo = now.UnixMilli()
	}
	if rule.Status == "" {
		rule.Status = domain.RuleStatusOff
	}
	doc := *rule
	doc.Expression = encodeExpression(rule.Expression)
	return r.c.insert(ctx, "create", &doc)
}

func (r *RuleRepository) Get(ctx context.Context, id string) (*domain.RuleDefinition, error) {
	return r.c.findOne(ctx, "get", bson.M{"_id": id})
}

func (r *RuleRepository) List(ctx context.Context, f RuleFilter, p Page) ([]domain.RuleDefinition, int64, error) {
	filter := bson.M{}
	if f.Tenant != "" {
		filter["tenant"] = f.Tenant
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Name != "" {
		filter["name"] = bson.M{"$regex": "^" + regexQuote(f.Name)}
	}
	return r.c.page(ctx, "list", filter, bson.D{{Key: "serial_no", Value: -1}}, p)
}

func (r *RuleRepository) Update(ctx context.Context, rule *domain.RuleDefinition) error {
	rule.UpdatedAt = time.Now().UTC()
	doc := *rule
	doc.Expression = encodeExpression(rule.Expression)
	return r.c.replace(ctx, "update", rule.ID, &doc)
}

func (r *RuleRepository) SetStatus(ctx context.Context, id string, status domain.RuleStatus) error {
	res, err := r.c.updateOne(ctx, "set_status", bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return err
	}
	return matched(res, constants.CollectionRuleDefinitions, id)
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	return r.c.delete(ctx, "delete", id)
}
