package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rcs/internal/domain"
	"rcs/internal/expr"
	pkgerrors "rcs/pkg/errors"
)

// Condition restricts a document path, e.g. "payload.coin_name" or
// "user.user_id".
type Condition struct {
	Field string
	Op    expr.Op
	Value interface{}
}

// WindowQuery selects occurrences of some events created at or after Since
// and before Until, or up to and including Through. A zero bound is open.
// Mongo keeps created_at to the millisecond, so a window that must include
// the occurrence being judged bounds it with Through.
type WindowQuery struct {
	EventIDs   []string
	Since      time.Time
	Until      time.Time
	Through    time.Time
	Conditions []Condition
}

var mongoOps = map[expr.Op]string{
	expr.OpEq: "$eq",
	expr.OpNe: "$ne",
	expr.OpGt: "$gt",
	expr.OpGe: "$gte",
	expr.OpLt: "$lt",
	expr.OpLe: "$lte",
	expr.OpIn: "$in",
}

func (q WindowQuery) filter() (bson.M, error) {
	and := bson.A{}
	if len(q.EventIDs) > 0 {
		and = append(and, bson.M{"event_id": bson.M{"$in": q.EventIDs}})
	}
	created := bson.M{}
	if !q.Since.IsZero() {
		created["$gte"] = q.Since
	}
	if !q.Until.IsZero() {
		created["$lt"] = q.Until
	}
	if !q.Through.IsZero() {
		created["$lte"] = q.Through
	}
	if len(created) > 0 {
		and = append(and, bson.M{"created_at": created})
	}

	for _, c := range q.Conditions {
		op, ok := mongoOps[c.Op]
		if !ok {
			return nil, pkgerrors.ErrUnknownOperator.WithMessage("operator %q cannot filter occurrences", c.Op)
		}
		value := toBSON(expr.Normalize(c.Value))
		if c.Op == expr.OpIn {
			if _, isList := value.([]interface{}); !isList {
				value = bson.A{value}
			}
		}
		and = append(and, bson.M{c.Field: bson.M{op: value}})
	}

	if len(and) == 0 {
		return bson.M{}, nil
	}
	return bson.M{"$and": and}, nil
}

// Sum adds field over the window. Missing or non-numeric values count as zero.
func (r *OccurrenceRepository) Sum(ctx context.Context, q WindowQuery, field string) (decimal.Decimal, error) {
	match, err := q.filter()
	if err != nil {
		return decimal.Zero, err
	}

	pipeline := bson.A{
		bson.M{"$match": match},
		bson.M{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$" + field}}},
	}

	start := time.Now()
	cursor, err := r.c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		observe(r.c.name, "sum", start, err)
		return decimal.Zero, storageError(r.c.name, "sum", err)
	}
	defer cursor.Close(ctx)

	var rows []bson.M
	err = cursor.All(ctx, &rows)
	observe(r.c.name, "sum", start, err)
	if err != nil {
		return decimal.Zero, storageError(r.c.name, "sum", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}

	total, ok := expr.Normalize(rows[0]["total"]).(decimal.Decimal)
	if !ok {
		return decimal.Zero, pkgerrors.ErrStorageOperation.WithMessage("sum of %s returned %T", field, rows[0]["total"])
	}
	return total, nil
}

func (r *OccurrenceRepository) Count(ctx context.Context, q WindowQuery) (int64, error) {
	filter, err := q.filter()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := r.c.coll.CountDocuments(ctx, filter)
	observe(r.c.name, "count", start, err)
	if err != nil {
		return 0, storageError(r.c.name, "count", err)
	}
	return n, nil
}

// DistinctCount counts the distinct non-null values of field in the window.
func (r *OccurrenceRepository) DistinctCount(ctx context.Context, q WindowQuery, field string) (int64, error) {
	filter, err := q.filter()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	values, err := r.c.coll.Distinct(ctx, field, filter)
	observe(r.c.name, "distinct", start, err)
	if err != nil {
		return 0, storageError(r.c.name, "distinct", err)
	}

	var n int64
	for _, v := range values {
		if v != nil {
			n++
		}
	}
	return n, nil
}

func (r *OccurrenceRepository) Exists(ctx context.Context, q WindowQuery) (bool, error) {
	filter, err := q.filter()
	if err != nil {
		return false, err
	}
	start := time.Now()
	n, err := r.c.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	observe(r.c.name, "exists", start, err)
	if err != nil {
		return false, storageError(r.c.name, "exists", err)
	}
	return n > 0, nil
}

// Latest returns the most recent occurrence in the window.
func (r *OccurrenceRepository) Latest(ctx context.Context, q WindowQuery) (*domain.Occurrence, error) {
	filter, err := q.filter()
	if err != nil {
		return nil, err
	}
	occ, err := r.c.findOne(ctx, "latest", filter, options.FindOne().SetSort(byCreated))
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return nil, pkgerrors.ErrNotFound.WithMessage("no occurrence of %v in window", q.EventIDs)
		}
		return nil, err
	}
	return occ, nil
}

// SumBy adds sumField over the window grouped by groupField. Documents
// without groupField are grouped under "".
func (r *OccurrenceRepository) SumBy(ctx context.Context, q WindowQuery, groupField, sumField string) (map[string]decimal.Decimal, error) {
	match, err := q.filter()
	if err != nil {
		return nil, err
	}

	pipeline := bson.A{
		bson.M{"$match": match},
		bson.M{"$group": bson.M{"_id": "$" + groupField, "total": bson.M{"$sum": "$" + sumField}}},
	}

	start := time.Now()
	cursor, err := r.c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		observe(r.c.name, "sum_by", start, err)
		return nil, storageError(r.c.name, "sum_by", err)
	}
	defer cursor.Close(ctx)

	var rows []bson.M
	err = cursor.All(ctx, &rows)
	observe(r.c.name, "sum_by", start, err)
	if err != nil {
		return nil, storageError(r.c.name, "sum_by", err)
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		key, _ := row["_id"].(string)
		total, ok := expr.Normalize(row["total"]).(decimal.Decimal)
		if !ok {
			return nil, pkgerrors.ErrStorageOperation.WithMessage("sum of %s returned %T", sumField, row["total"])
		}
		out[key] = out[key].Add(total)
	}
	return out, nil
}
