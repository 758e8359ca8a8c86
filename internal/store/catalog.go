package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"rcs/internal/cache"
	"rcs/internal/domain"
	"rcs/internal/logger"
)

const (
	entityEventName   = "event-name"
	entitySceneName   = "scene-name"
	entityEventScenes = "event-scenes"
)

// sceneIndex is the cached list of scenes attachable to one event.
type sceneIndex struct {
	SceneIDs []string `bson:"scene_ids"`
}

// Catalog is the definition store as seen by the pipeline. Reads go through
// the entity cache and every write invalidates the keys it touches before
// returning.
type Catalog struct {
	Events *EventRepository
	Scenes *SceneRepository
	Rules  *RuleRepository

	events      *cache.ReadThrough[domain.EventDefinition]
	eventNames  *cache.ReadThrough[domain.EventDefinition]
	scenes      *cache.ReadThrough[domain.SceneDefinition]
	sceneNames  *cache.ReadThrough[domain.SceneDefinition]
	eventScenes *cache.ReadThrough[sceneIndex]
	rules       *cache.ReadThrough[domain.RuleDefinition]
}

func NewCatalog(db *mongo.Database, c cache.Cache, ttl time.Duration, log logger.Logger) *Catalog {
	return &Catalog{
		Events: NewEventRepository(db),
		Scenes: NewSceneRepository(db),
		Rules:  NewRuleRepository(db),

		events:      cache.NewReadThrough[domain.EventDefinition](c, cache.EntityEvent, ttl, log),
		eventNames:  cache.NewReadThrough[domain.EventDefinition](c, entityEventName, ttl, log),
		scenes:      cache.NewReadThrough[domain.SceneDefinition](c, cache.EntityScene, ttl, log),
		sceneNames:  cache.NewReadThrough[domain.SceneDefinition](c, entitySceneName, ttl, log),
		eventScenes: cache.NewReadThrough[sceneIndex](c, entityEventScenes, ttl, log),
		rules:       cache.NewReadThrough[domain.RuleDefinition](c, cache.EntityRule, ttl, log),
	}
}

func (c *Catalog) Event(ctx context.Context, id string) (*domain.EventDefinition, error) {
	return c.events.Get(ctx, id, c.Events.Get)
}

func (c *Catalog) EventByName(ctx context.Context, name string) (*domain.EventDefinition, error) {
	return c.eventNames.Get(ctx, name, c.Events.GetByName)
}

func (c *Catalog) Scene(ctx context.Context, id string) (*domain.SceneDefinition, error) {
	return c.scenes.Get(ctx, id, c.Scenes.Get)
}

func (c *Catalog) SceneByName(ctx context.Context, name string) (*domain.SceneDefinition, error) {
	return c.sceneNames.Get(ctx, name, c.Scenes.GetByName)
}

func (c *Catalog) Rule(ctx context.Context, id string) (*domain.RuleDefinition, error) {
	return c.rules.Get(ctx, id, c.Rules.Get)
}

// ScenesForEvent returns the scenes whose event list includes eventID.
func (c *Catalog) ScenesForEvent(ctx context.Context, eventID string) ([]*domain.SceneDefinition, error) {
	idx, err := c.eventScenes.Get(ctx, eventID, func(ctx context.Context, eventID string) (*sceneIndex, error) {
		scenes, err := c.Scenes.ForEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		idx := &sceneIndex{SceneIDs: make([]string, 0, len(scenes))}
		for _, s := range scenes {
			idx.SceneIDs = append(idx.SceneIDs, s.ID)
		}
		return idx, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*domain.SceneDefinition, 0, len(idx.SceneIDs))
	for _, id := range idx.SceneIDs {
		sc, err := c.Scene(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (c *Catalog) CreateEvent(ctx context.Context, ev *domain.EventDefinition) error {
	if err := c.Events.Create(ctx, ev); err != nil {
		return err
	}
	return c.eventNames.Invalidate(ctx, ev.Name)
}

func (c *Catalog) UpdateEvent(ctx context.Context, ev *domain.EventDefinition) error {
	prev, err := c.Events.Get(ctx, ev.ID)
	if err != nil {
		return err
	}
	if err := c.Events.Update(ctx, ev); err != nil {
		return err
	}
	return c.invalidateEvent(ctx, ev.ID, prev.Name, ev.Name)
}

func (c *Catalog) DeleteEvent(ctx context.Context, id string) error {
	prev, err := c.Events.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Events.Delete(ctx, id); err != nil {
		return err
	}
	scenes, err := c.Scenes.ForEvent(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Scenes.DetachEvent(ctx, id); err != nil {
		return err
	}
	for _, sc := range scenes {
		if err := c.invalidateScene(ctx, sc.ID, sc.Name); err != nil {
			return err
		}
	}
	return c.invalidateEvent(ctx, id, prev.Name)
}

func (c *Catalog) CreateScene(ctx context.Context, sc *domain.SceneDefinition) error {
	if err := c.Scenes.Create(ctx, sc); err != nil {
		return err
	}
	if err := c.sceneNames.Invalidate(ctx, sc.Name); err != nil {
		return err
	}
	return c.eventScenes.Invalidate(ctx, sc.EventIDs...)
}

func (c *Catalog) UpdateScene(ctx context.Context, sc *domain.SceneDefinition) error {
	prev, err := c.Scenes.Get(ctx, sc.ID)
	if err != nil {
		return err
	}
	if err := c.Scenes.Update(ctx, sc); err != nil {
		return err
	}
	if err := c.invalidateScene(ctx, sc.ID, prev.Name, sc.Name); err != nil {
		return err
	}
	return c.eventScenes.Invalidate(ctx, append(prev.EventIDs, sc.EventIDs...)...)
}

func (c *Catalog) DeleteScene(ctx context.Context, id string) error {
	prev, err := c.Scenes.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Scenes.Delete(ctx, id); err != nil {
		return err
	}
	if err := c.invalidateScene(ctx, id, prev.Name); err != nil {
		return err
	}
	return c.eventScenes.Invalidate(ctx, prev.EventIDs...)
}

func (c *Catalog) CreateRule(ctx context.Context, rule *domain.RuleDefinition) error {
	return c.Rules.Create(ctx, rule)
}

func (c *Catalog) UpdateRule(ctx context.Context, rule *domain.RuleDefinition) error {
	if err := c.Rules.Update(ctx, rule); err != nil {
		return err
	}
	return c.rules.Invalidate(ctx, rule.ID)
}

func (c *Catalog) SetRuleStatus(ctx context.Context, id string, status domain.RuleStatus) error {
	if err := c.Rules.SetStatus(ctx, id, status); err != nil {
		return err
	}
	return c.rules.Invalidate(ctx, id)
}

// DeleteRule removes the rule and detaches it from every event and scene.
func (c *Catalog) DeleteRule(ctx context.Context, id string) error {
	events, err := c.Events.WithRule(ctx, id)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := c.DetachRuleFromEvent(ctx, ev.ID, id); err != nil {
			return err
		}
	}
	scenes, err := c.Scenes.WithRule(ctx, id)
	if err != nil {
		return err
	}
	for _, sc := range scenes {
		if err := c.DetachRuleFromScene(ctx, sc.ID, id); err != nil {
			return err
		}
	}
	if err := c.Rules.Delete(ctx, id); err != nil {
		return err
	}
	return c.rules.Invalidate(ctx, id)
}

func (c *Catalog) AttachRuleToEvent(ctx context.Context, eventID, ruleID string) error {
	if _, err := c.Rules.Get(ctx, ruleID); err != nil {
		return err
	}
	if err := c.Events.AttachRule(ctx, eventID, ruleID); err != nil {
		return err
	}
	return c.refreshEvent(ctx, eventID)
}

func (c *Catalog) DetachRuleFromEvent(ctx context.Context, eventID, ruleID string) error {
	if err := c.Events.DetachRule(ctx, eventID, ruleID); err != nil {
		return err
	}
	return c.refreshEvent(ctx, eventID)
}

func (c *Catalog) AttachRuleToScene(ctx context.Context, sceneID, ruleID string) error {
	if _, err := c.Rules.Get(ctx, ruleID); err != nil {
		return err
	}
	if err := c.Scenes.AttachRule(ctx, sceneID, ruleID); err != nil {
		return err
	}
	return c.refreshScene(ctx, sceneID)
}

func (c *Catalog) DetachRuleFromScene(ctx context.Context, sceneID, ruleID string) error {
	if err := c.Scenes.DetachRule(ctx, sceneID, ruleID); err != nil {
		return err
	}
	return c.refreshScene(ctx, sceneID)
}

func (c *Catalog) refreshEvent(ctx context.Context, id string) error {
	ev, err := c.Events.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.invalidateEvent(ctx, id, ev.Name)
}

func (c *Catalog) refreshScene(ctx context.Context, id string) error {
	sc, err := c.Scenes.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.invalidateScene(ctx, id, sc.Name)
}

func (c *Catalog) invalidateEvent(ctx context.Context, id string, names ...string) error {
	if err := c.events.Invalidate(ctx, id); err != nil {
		return err
	}
	return c.eventNames.Invalidate(ctx, names...)
}

func (c *Catalog) invalidateScene(ctx context.Context, id string, names ...string) error {
	if err := c.scenes.Invalidate(ctx, id); err != nil {
		return err
	}
	return c.sceneNames.Invalidate(ctx, names...)
}

// Listings bypass the cache.

func (c *Catalog) ListEvents(ctx context.Context, p Page) ([]domain.EventDefinition, int64, error) {
	return c.Events.List(ctx, p)
}

func (c *Catalog) ListScenes(ctx context.Context, category string, p Page) ([]domain.SceneDefinition, int64, error) {
	return c.Scenes.List(ctx, category, p)
}

func (c *Catalog) ListRules(ctx context.Context, f RuleFilter, p Page) ([]domain.RuleDefinition, int64, error) {
	return c.Rules.List(ctx, f, p)
}
