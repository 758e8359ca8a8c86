// Package store persists definitions, occurrences and decisions in MongoDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rcs/internal/constants"
	pkgerrors "rcs/pkg/errors"
	"rcs/pkg/metrics"
)

const dbLabel = "mongodb"

// Page selects a slice of a sorted listing.
type Page struct {
	Offset int64
	Limit  int64
}

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = constants.DefaultLimit
	}
	if p.Limit > constants.MaxLimit {
		p.Limit = constants.MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// collection wraps the CRUD shared by every repository.
type collection[T any] struct {
	coll *mongo.Collection
	name string
}

func newCollection[T any](db *mongo.Database, name string) collection[T] {
	return collection[T]{coll: db.Collection(name), name: name}
}

func (c collection[T]) findOne(ctx context.Context, op string, filter interface{}, opts ...*options.FindOneOptions) (*T, error) {
	start := time.Now()
	var doc T
	err := c.coll.FindOne(ctx, filter, opts...).Decode(&doc)
	observe(c.name, op, start, ignoreNoDocuments(err))
	if err != nil {
		return nil, storageError(c.name, op, err)
	}
	return &doc, nil
}

func (c collection[T]) find(ctx context.Context, op string, filter interface{}, opts ...*options.FindOptions) ([]T, error) {
	start := time.Now()
	cursor, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		observe(c.name, op, start, err)
		return nil, storageError(c.name, op, err)
	}
	defer cursor.Close(ctx)

	docs := []T{}
	err = cursor.All(ctx, &docs)
	observe(c.name, op, start, err)
	if err != nil {
		return nil, storageError(c.name, op, err)
	}
	return docs, nil
}

func (c collection[T]) page(ctx context.Context, op string, filter interface{}, sort bson.D, p Page) ([]T, int64, error) {
	p = p.normalized()

	start := time.Now()
	total, err := c.coll.CountDocuments(ctx, filter)
	observe(c.name, op+"_count", start, err)
	if err != nil {
		return nil, 0, storageError(c.name, op, err)
	}

	docs, err := c.find(ctx, op, filter, options.Find().SetSort(sort).SetSkip(p.Offset).SetLimit(p.Limit))
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (c collection[T]) insert(ctx context.Context, op string, doc interface{}) error {
	start := time.Now()
	_, err := c.coll.InsertOne(ctx, doc)
	observe(c.name, op, start, err)
	if err != nil {
		return storageError(c.name, op, err)
	}
	return nil
}

func (c collection[T]) updateOne(ctx context.Context, op string, filter, update interface{}) (*mongo.UpdateResult, error) {
	start := time.Now()
	res, err := c.coll.UpdateOne(ctx, filter, update)
	observe(c.name, op, start, err)
	if err != nil {
		return nil, storageError(c.name, op, err)
	}
	return res, nil
}

func (c collection[T]) updateMany(ctx context.Context, op string, filter, update interface{}) error {
	start := time.Now()
	_, err := c.coll.UpdateMany(ctx, filter, update)
	observe(c.name, op, start, err)
	if err != nil {
		return storageError(c.name, op, err)
	}
	return nil
}

func (c collection[T]) replace(ctx context.Context, op, id string, doc interface{}) error {
	start := time.Now()
	res, err := c.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc)
	observe(c.name, op, start, err)
	if err != nil {
		return storageError(c.name, op, err)
	}
	if res.MatchedCount == 0 {
		return pkgerrors.ErrNotFound.WithMessage("%s %s not found", c.name, id)
	}
	return nil
}

func (c collection[T]) delete(ctx context.Context, op, id string) error {
	start := time.Now()
	res, err := c.coll.DeleteOne(ctx, bson.M{"_id": id})
	observe(c.name, op, start, err)
	if err != nil {
		return storageError(c.name, op, err)
	}
	if res.DeletedCount == 0 {
		return pkgerrors.ErrNotFound.WithMessage("%s %s not found", c.name, id)
	}
	return nil
}

func (c collection[T]) findOneAndUpdate(ctx context.Context, op string, filter, update interface{}) (*T, error) {
	start := time.Now()
	var doc T
	err := c.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	observe(c.name, op, start, ignoreNoDocuments(err))
	if err != nil {
		return nil, storageError(c.name, op, err)
	}
	return &doc, nil
}

// storageError maps driver errors onto the error taxonomy: missing documents
// become ErrNotFound, unique violations ErrConflict and anything else a
// retryable ErrStorageOperation.
func storageError(coll, op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return pkgerrors.ErrNotFound.WithCause(err).WithMessage("%s: no matching document", coll)
	case mongo.IsDuplicateKeyError(err):
		return pkgerrors.ErrConflict.WithCause(err).WithMessage("%s: duplicate key", coll)
	}
	return pkgerrors.ErrStorageOperation.WithCause(fmt.Errorf("%s.%s: %w", coll, op, err))
}

func ignoreNoDocuments(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	return err
}

func observe(coll, op string, start time.Time, err error) {
	metrics.ObserveDatabaseQuery(dbLabel, coll+"."+op, time.Since(start), err)
}
