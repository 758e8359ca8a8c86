// Package resolver renders a parsed rule against one occurrence: data and
// payload references become literals and scene calls become their boolean
// outcome.
package resolver

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/logger"
	"rcs/internal/scenescript"
	"rcs/internal/schema"
	"rcs/internal/store"
	"rcs/pkg/errors"
)

const entityEvent = "event"

type Definitions interface {
	Event(ctx context.Context, id string) (*domain.EventDefinition, error)
	EventByName(ctx context.Context, name string) (*domain.EventDefinition, error)
	SceneByName(ctx context.Context, name string) (*domain.SceneDefinition, error)
}

type LatestFinder interface {
	Latest(ctx context.Context, q store.WindowQuery) (*domain.Occurrence, error)
}

type Resolver struct {
	definitions Definitions
	occurrences LatestFinder
	scripts     *scenescript.Registry
	validator   *schema.Validator
	maxDepth    int
	logger      logger.Logger
}

func New(definitions Definitions, occurrences LatestFinder, scripts *scenescript.Registry, validator *schema.Validator, maxDepth int, log logger.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = constants.DefaultMaxRenderDepth
	}
	return &Resolver{
		definitions: definitions,
		occurrences: occurrences,
		scripts:     scripts,
		validator:   validator,
		maxDepth:    maxDepth,
		logger:      log,
	}
}

// Render returns a copy of n with every reference resolved against occ. The
// result holds only literals and operator calls. n is not modified.
func (r *Resolver) Render(ctx context.Context, n expr.Node, occ *domain.Occurrence) (expr.Node, error) {
	return r.render(ctx, n, occ, 0)
}

func (r *Resolver) render(ctx context.Context, n expr.Node, occ *domain.Occurrence, depth int) (expr.Node, error) {
	if depth > r.maxDepth {
		return nil, errors.ErrValidation.WithMessage("expression deeper than %d levels", r.maxDepth)
	}

	switch node := n.(type) {
	case expr.Literal:
		return node, nil
	case expr.Ref:
		return r.resolveRef(ctx, node, occ)
	case *expr.Call:
		if node.Op == expr.OpScene {
			ok, err := r.RunScene(ctx, node, occ)
			if err != nil {
				return nil, err
			}
			return expr.Literal{Value: ok}, nil
		}
		args := make([]expr.Node, len(node.Args))
		for i, a := range node.Args {
			rendered, err := r.render(ctx, a, occ, depth+1)
			if err != nil {
				return nil, err
			}
			args[i] = rendered
		}
		return &expr.Call{Op: node.Op, Args: args}, nil
	}
	return nil, errors.ErrEvaluation.WithMessage("unexpected node %T", n)
}

func (r *Resolver) resolveRef(ctx context.Context, ref expr.Ref, occ *domain.Occurrence) (expr.Node, error) {
	switch ref.Kind {
	case expr.RefPayload:
		return expr.Literal{Value: payloadPath(occ.Payload, ref.Path)}, nil
	case expr.RefData:
		v, err := r.resolveData(ctx, ref, occ)
		if err != nil {
			return nil, err
		}
		return expr.Literal{Value: v}, nil
	}
	return nil, errors.ErrReferenceResolution.WithMessage("%s is only valid inside a scene", ref)
}

// payloadPath walks nested maps. A missing key yields nil.
func payloadPath(payload map[string]interface{}, path []string) interface{} {
	var cur interface{} = payload
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case primitive.M:
		return m, true
	case primitive.D:
		return m.Map(), true
	}
	return nil, false
}

func (r *Resolver) resolveData(ctx context.Context, ref expr.Ref, occ *domain.Occurrence) (interface{}, error) {
	data, err := ref.DataRef()
	if err != nil {
		return nil, errors.ErrReferenceResolution.WithMessage("%v", err)
	}
	if !strings.EqualFold(data.Entity, entityEvent) {
		return nil, errors.ErrReferenceResolution.WithMessage("%s: unsupported entity %q", ref, data.Entity)
	}
	if data.Strategy != expr.StrategyLatestRecord {
		return nil, errors.ErrReferenceResolution.WithMessage("%s: unsupported fetch strategy %q", ref, data.Strategy)
	}

	ev, err := r.lookupEvent(ctx, data.ID)
	if err != nil {
		return nil, err
	}

	latest, err := r.occurrences.Latest(ctx, store.WindowQuery{
		EventIDs: []string{ev.ID},
		Through:  occ.CreatedAt,
	})
	if errors.IsNotFound(err) {
		return nil, errors.ErrReferenceResolution.WithMessage("%s: no occurrence of %s yet", ref, ev.Name).WithCause(err)
	}
	if err != nil {
		return nil, err
	}

	v, ok := latest.Payload[data.Metric]
	if !ok || v == nil {
		return nil, errors.ErrReferenceResolution.WithMessage("%s: metric %s missing from latest %s", ref, data.Metric, ev.Name)
	}
	return v, nil
}

// lookupEvent accepts an event id or, failing that, an event name.
func (r *Resolver) lookupEvent(ctx context.Context, key string) (*domain.EventDefinition, error) {
	ev, err := r.definitions.Event(ctx, key)
	if err == nil {
		return ev, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}
	ev, err = r.definitions.EventByName(ctx, key)
	if errors.IsNotFound(err) {
		return nil, errors.ErrReferenceResolution.WithMessage("event %s not found", key).WithCause(err)
	}
	return ev, err
}

// RunScene validates the scene parameters against the scene schema and runs
// the registered script.
func (r *Resolver) RunScene(ctx context.Context, call *expr.Call, occ *domain.Occurrence) (bool, error) {
	name := call.SceneName()
	scene, err := r.definitions.SceneByName(ctx, name)
	if errors.IsNotFound(err) {
		return false, errors.ErrReferenceResolution.WithMessage("scene %s not found", name).WithCause(err)
	}
	if err != nil {
		return false, err
	}

	params := scenescript.NewParams(call.SceneArgs())
	coerced, err := r.validator.Validate(ctx, scene.Schema, params.Values(), schema.Partial)
	if err != nil {
		return false, err
	}
	params = params.WithValues(coerced)

	script, err := r.scripts.Resolve(scene.Name)
	if err != nil {
		return false, err
	}

	ok, err := script(ctx, occ, params)
	if err != nil {
		return false, err
	}
	r.logger.DebugwCtx(ctx, "Scene evaluated",
		"scene", scene.Name,
		"result", ok,
	)
	return ok, nil
}
