package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rcs/internal/constants"
	"rcs/internal/domain"
	pkgerrors "rcs/pkg/errors"
)

var openStatuses = bson.A{domain.EntryAwaitingDispatch, domain.EntryDispatched}

type OccurrenceFilter struct {
	Tenant    string
	UserID    string
	EventName string
	Decided   *bool
	Processed *bool
}

// OccurrenceRepository owns the occurrences collection. After Insert, every
// write is a single conditional document update so concurrent workers never
// read-modify-write the aggregate.
type OccurrenceRepository struct {
	c collection[domain.Occurrence]
}

func NewOccurrenceRepository(db *mongo.Database) *OccurrenceRepository {
	return &OccurrenceRepository{c: newCollection[domain.Occurrence](db, constants.CollectionOccurrences)}
}

// Insert stores a new occurrence. A business key collision reports
// ErrDuplicateIngestion.
func (r *OccurrenceRepository) Insert(ctx context.Context, occ *domain.Occurrence) error {
	if occ.ID == "" {
		occ.ID = uuid.New().String()
	}
	normalizeCreatedAt(occ)
	if occ.Entries == nil {
		occ.Entries = []domain.RuleEntry{}
	}

	doc := *occ
	doc.Payload = encodePayload(occ.Payload)
	err := r.c.insert(ctx, "insert", &doc)
	if pkgerrors.IsConflict(err) {
		return pkgerrors.ErrDuplicateIngestion.WithCause(err).WithDetail("business_key", occ.BusinessKey)
	}
	return err
}

// normalizeCreatedAt stamps occ and cuts it to the millisecond Mongo keeps,
// so the caller's copy matches the stored one.
func normalizeCreatedAt(occ *domain.Occurrence) {
	if occ.CreatedAt.IsZero() {
		occ.CreatedAt = time.Now().UTC()
	}
	occ.CreatedAt = occ.CreatedAt.Truncate(time.Millisecond)
}

func (r *OccurrenceRepository) Get(ctx context.Context, id string) (*domain.Occurrence, error) {
	return r.c.findOne(ctx, "get", bson.M{"_id": id})
}

func (r *OccurrenceRepository) GetByBusinessKey(ctx context.Context, key string) (*domain.Occurrence, error) {
	return r.c.findOne(ctx, "get_by_business_key", bson.M{"business_key": key})
}

func (r *OccurrenceRepository) List(ctx context.Context, f OccurrenceFilter, p Page) ([]domain.Occurrence, int64, error) {
	filter := bson.M{}
	if f.Tenant != "" {
		filter["tenant"] = f.Tenant
	}
	if f.UserID != "" {
		filter["user.user_id"] = f.UserID
	}
	if f.EventName != "" {
		filter["event_name"] = f.EventName
	}
	if f.Decided != nil {
		filter["decided"] = *f.Decided
	}
	if f.Processed != nil {
		filter["processed"] = *f.Processed
	}
	return r.c.page(ctx, "list", filter, byCreated, p)
}

// InitEntries records the resolved rules once. It reports false when the
// entries were already initialized by an earlier delivery.
func (r *OccurrenceRepository) InitEntries(ctx context.Context, id string, entries []domain.RuleEntry) (bool, error) {
	if entries == nil {
		entries = []domain.RuleEntry{}
	}
	res, err := r.c.updateOne(ctx, "init_entries",
		bson.M{"_id": id, "rules_resolved": false},
		bson.M{"$set": bson.M{
			"rules_resolved":  true,
			"entries":         entries,
			"entry_count":     len(entries),
			"completed_count": 0,
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// MarkDispatched moves an open entry to dispatched and counts the attempt.
func (r *OccurrenceRepository) MarkDispatched(ctx context.Context, id, ruleID string, at time.Time) (bool, error) {
	res, err := r.c.updateOne(ctx, "mark_dispatched",
		bson.M{"_id": id, "entries": bson.M{"$elemMatch": bson.M{"rule_id": ruleID, "status": bson.M{"$in": openStatuses}}}},
		bson.M{
			"$set": bson.M{"entries.$.status": domain.EntryDispatched, "entries.$.dispatched_at": at},
			"$inc": bson.M{"entries.$.attempts": 1},
		},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// Outcome is one rule's verdict for an occurrence.
type Outcome struct {
	RuleID      string
	Matched     bool
	MatchID     string
	PunishLevel int
	TimedOut    bool
	At          time.Time
}

// RecordOutcome closes the rule's entry and folds it into the aggregate in one
// update. The filter only matches while the entry is still open, so a
// redelivered outcome returns (nil, nil) and counts nothing.
func (r *OccurrenceRepository) RecordOutcome(ctx context.Context, id string, o Outcome) (*domain.Occurrence, error) {
	status := domain.EntryCompletedNoMatch
	hit := 0
	if o.Matched {
		status = domain.EntryCompletedMatch
		hit = o.PunishLevel
	}

	set := bson.M{
		"entries.$.status":       status,
		"entries.$.completed_at": o.At,
	}
	if o.MatchID != "" {
		set["entries.$.match_id"] = o.MatchID
	}
	if o.TimedOut {
		set["entries.$.timed_out"] = true
	}

	occ, err := r.c.findOneAndUpdate(ctx, "record_outcome",
		bson.M{"_id": id, "entries": bson.M{"$elemMatch": bson.M{"rule_id": o.RuleID, "status": bson.M{"$in": openStatuses}}}},
		bson.M{
			"$set": set,
			"$inc": bson.M{
				"completed_count":    1,
				"total_punish_level": o.PunishLevel,
				"hit_punish_level":   hit,
			},
		},
	)
	if pkgerrors.IsNotFound(err) {
		return nil, nil
	}
	return occ, err
}

// Decide stores the suggested action once every entry has completed. It
// reports false when the occurrence is incomplete or already decided.
func (r *OccurrenceRepository) Decide(ctx context.Context, id string, action domain.Action, at time.Time) (bool, error) {
	res, err := r.c.updateOne(ctx, "decide",
		bson.M{
			"_id":            id,
			"rules_resolved": true,
			"decided":        false,
			"$expr":          bson.M{"$eq": bson.A{"$completed_count", "$entry_count"}},
		},
		bson.M{"$set": bson.M{"suggested_action": action, "decided": true, "decided_at": at}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// MarkProcessed flags a decided occurrence as issued. It reports false when
// another worker already did.
func (r *OccurrenceRepository) MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.c.updateOne(ctx, "mark_processed",
		bson.M{"_id": id, "decided": true, "processed": false},
		bson.M{"$set": bson.M{"processed": true, "processed_at": at}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// Cursor resumes a paged scan after the last occurrence returned. The zero
// value starts from the oldest.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Undecided lists occurrences created before cutoff that have not reached a
// decision, oldest first, starting after the cursor.
func (r *OccurrenceRepository) Undecided(ctx context.Context, cutoff time.Time, after Cursor, limit int64) ([]domain.Occurrence, error) {
	return r.c.find(ctx, "undecided",
		undecidedFilter(cutoff, after),
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).SetLimit(limit),
	)
}

func undecidedFilter(cutoff time.Time, after Cursor) bson.M {
	filter := bson.M{"decided": false, "created_at": bson.M{"$lt": cutoff}}
	if !after.CreatedAt.IsZero() {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": after.CreatedAt}},
			bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$gt": after.ID}},
		}
	}
	return filter
}

// Unissued lists occurrences decided before cutoff that issuance never
// processed.
func (r *OccurrenceRepository) Unissued(ctx context.Context, cutoff time.Time, limit int64) ([]domain.Occurrence, error) {
	return r.c.find(ctx, "unissued",
		bson.M{"decided": true, "processed": false, "decided_at": bson.M{"$lt": cutoff}},
		options.Find().SetSort(bson.D{{Key: "decided_at", Value: 1}}).SetLimit(limit),
	)
}
