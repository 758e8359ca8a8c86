package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"rcs/internal/cache"
	"rcs/internal/constants"
	"rcs/internal/store"
	"rcs/pkg/health"
	"rcs/pkg/migrations"
)

// Stores bundles the MongoDB repositories and the cached definition catalog
// shared by the pipeline services.
type Stores struct {
	Mongo       *mongo.Client
	Redis       *redis.Client
	Database    *mongo.Database
	Catalog     *store.Catalog
	Occurrences *store.OccurrenceRepository
	Matches     *store.MatchResultRepository
	Actions     *store.PunitiveActionRepository
}

// InitStores connects MongoDB, ensures its indexes and puts the catalog behind
// Redis when the cache is enabled. Without Redis the catalog reads the store
// directly.
func (dc *DatabaseConnector) InitStores(ctx context.Context) (*Stores, error) {
	client, err := dc.InitMongoDB(ctx)
	if err != nil {
		return nil, err
	}

	dbName := dc.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	db := client.Database(dbName)

	if err := migrations.EnsureMongoIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	rdb, err := dc.InitRedis(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	var entityCache cache.Cache = cache.NopCache{}
	if rdb != nil {
		prefix := dc.Config.Cache.KeyPrefix
		if prefix == "" {
			prefix = constants.CacheKeyPrefix
		}
		entityCache = cache.NewRedisCache(rdb, prefix, dc.Config.CircuitBreaker)
	} else {
		dc.Logger.Info("Entity cache disabled, catalog reads go to MongoDB")
	}

	ttl := time.Duration(dc.Config.Cache.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = constants.DefaultCacheTTLSeconds * time.Second
	}

	return &Stores{
		Mongo:       client,
		Redis:       rdb,
		Database:    db,
		Catalog:     store.NewCatalog(db, entityCache, ttl, dc.Logger),
		Occurrences: store.NewOccurrenceRepository(db),
		Matches:     store.NewMatchResultRepository(db),
		Actions:     store.NewPunitiveActionRepository(db),
	}, nil
}

// RegisterHealth adds MongoDB as a hard dependency and Redis as optional.
func (s *Stores) RegisterHealth(registry *health.CheckerRegistry) {
	if s == nil {
		return
	}
	registry.Register(health.NewMongoDBChecker(s.Mongo))
	if s.Redis != nil {
		registry.RegisterOptional(health.NewRedisChecker(s.Redis))
	}
}

func (dc *DatabaseConnector) ShutdownStores(ctx context.Context, s *Stores) []error {
	if s == nil {
		return nil
	}
	errs := dc.ShutdownDatabases(ctx, s.Redis, nil, s.Mongo)
	if len(errs) > 0 {
		return []error{fmt.Errorf("store shutdown: %v", errs)}
	}
	return nil
}
