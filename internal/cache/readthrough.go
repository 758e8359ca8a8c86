package cache

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"rcs/internal/logger"
	"rcs/pkg/metrics"
)

// ReadThrough serves one entity type from the cache, loading and populating
// on a miss. Values are stored BSON-encoded so they decode exactly as they
// would from the store. Cache failures degrade to a store read.
type ReadThrough[T any] struct {
	cache  Cache
	entity string
	ttl    time.Duration
	logger logger.Logger
}

func NewReadThrough[T any](c Cache, entity string, ttl time.Duration, log logger.Logger) *ReadThrough[T] {
	if c == nil {
		c = NopCache{}
	}
	return &ReadThrough[T]{cache: c, entity: entity, ttl: ttl, logger: log}
}

func (r *ReadThrough[T]) Get(ctx context.Context, id string, load func(ctx context.Context, id string) (*T, error)) (*T, error) {
	key := Key{Entity: r.entity, ID: id}

	// the generation is read before the load so a write-back that races an
	// Invalidate lands under a generation nobody reads
	gen, err := r.cache.Generation(ctx, key)
	if err != nil {
		r.logger.WarnwCtx(ctx, "Cache read failed, falling back to store",
			"key", key.String(),
			"error", err,
		)
		metrics.IncCacheRequest(r.entity, "miss")
		return load(ctx, id)
	}
	key.Generation = gen

	raw, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		var v T
		decodeErr := bson.Unmarshal(raw, &v)
		if decodeErr == nil {
			metrics.IncCacheRequest(r.entity, "hit")
			return &v, nil
		}
		r.logger.WarnwCtx(ctx, "Discarding undecodable cache entry",
			"key", key.String(),
			"error", decodeErr,
		)
	case errors.Is(err, ErrMiss):
	default:
		r.logger.WarnwCtx(ctx, "Cache read failed, falling back to store",
			"key", key.String(),
			"error", err,
		)
	}
	metrics.IncCacheRequest(r.entity, "miss")

	v, err := load(ctx, id)
	if err != nil {
		return nil, err
	}

	encoded, err := bson.Marshal(v)
	if err != nil {
		r.logger.WarnwCtx(ctx, "Failed to encode cache entry", "key", key.String(), "error", err)
		return v, nil
	}
	if err := r.cache.Set(ctx, key, encoded, r.ttl); err != nil {
		r.logger.WarnwCtx(ctx, "Cache write failed", "key", key.String(), "error", err)
	}
	return v, nil
}

// Invalidate moves ids to their next generation. Callers run it after every
// write to the entity.
func (r *ReadThrough[T]) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]Key, len(ids))
	for i, id := range ids {
		keys[i] = Key{Entity: r.entity, ID: id}
	}
	return r.cache.Invalidate(ctx, keys...)
}
