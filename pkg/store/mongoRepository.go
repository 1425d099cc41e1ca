package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoRepository stores actions in a single collection. Claim atomicity
// comes from a per-candidate FindOneAndUpdate compare-and-swap: a candidate
// another worker grabbed between scan and swap simply fails the swap and the
// next candidate is tried.
type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) Insert(ctx context.Context, a *Action) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Insert")
	defer span.End()

	_, err := m.coll().InsertOne(ctx, a)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) Get(ctx context.Context, id string) (*Action, error) {
	var a Action
	err := m.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *MongoRepository) List(ctx context.Context, f ListFilter) ([]*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "List")
	defer span.End()

	filter := bson.M{}
	if f.OwnerID != "" {
		filter["owner_id"] = f.OwnerID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	opts := options.Find().SetSort(claimOrderSort)
	if f.Limit > 0 {
		opts = opts.SetLimit(int64(f.Limit))
	}
	return m.findActions(ctx, filter, opts)
}

func (m *MongoRepository) StatusesOf(ctx context.Context, ids []string) (map[string]Status, error) {
	statuses := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return statuses, nil
	}

	cursor, err := m.coll().Find(ctx, bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"status": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			ID     string `bson:"_id"`
			Status Status `bson:"status"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		statuses[doc.ID] = doc.Status
	}
	return statuses, cursor.Err()
}

var claimOrderSort = bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}}

func (m *MongoRepository) Claim(ctx context.Context, now time.Time) (*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Claim")
	defer span.End()
	start := time.Now()

	filter := bson.M{
		"status": bson.M{"$in": []Status{StatusQueued, StatusScheduled}},
		"$and": []bson.M{
			{"$or": []bson.M{{"scheduled_for": nil}, {"scheduled_for": bson.M{"$lte": now}}}},
			{"$or": []bson.M{{"execute_after": nil}, {"execute_after": bson.M{"$lte": now}}}},
			{"$or": []bson.M{{"next_retry_at": nil}, {"next_retry_at": bson.M{"$lte": now}}}},
			{"$or": []bson.M{{"expires_at": nil}, {"expires_at": bson.M{"$gt": now}}}},
			{"$or": []bson.M{
				{"requires_approval": false},
				{"approval_status": bson.M{"$in": []ApprovalStatus{ApprovalApproved, ApprovalAutoApproved}}},
			}},
		},
	}
	candidates, err := m.findActions(ctx, filter,
		options.Find().SetSort(claimOrderSort).SetLimit(candidateScanLimit))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, a := range candidates {
		statuses, err := m.StatusesOf(ctx, a.DependsOn)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if !DependenciesSatisfied(a, statuses) {
			continue
		}

		res := m.coll().FindOneAndUpdate(ctx,
			bson.M{"_id": a.ID, "status": bson.M{"$in": []Status{StatusQueued, StatusScheduled}}},
			bson.M{"$set": bson.M{"status": StatusInProgress, "updated_at": now}},
			options.FindOneAndUpdate().SetReturnDocument(options.After))
		var claimed Action
		if err := res.Decode(&claimed); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// lost the race for this candidate
				continue
			}
			span.RecordError(err)
			return nil, err
		}

		addDBStatsToSpan(span, "Claim", 1, time.Since(start))
		return &claimed, nil
	}

	addDBStatsToSpan(span, "Claim", 0, time.Since(start))
	return nil, ErrNoCandidates
}

func (m *MongoRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	update := bson.M{
		"$set":   bson.M{"status": StatusCompleted, "result": result, "completed_at": now, "updated_at": now},
		"$unset": bson.M{"error": "", "next_retry_at": ""},
	}
	return m.finishClaimed(ctx, "MarkCompleted", id, update)
}

func (m *MongoRepository) MarkFailed(ctx context.Context, id string, attempt int, errInfo ErrorInfo, now time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"status": StatusFailed, "attempt": attempt, "error": errInfo,
			"last_attempt_at": now, "updated_at": now,
		},
		"$unset": bson.M{"next_retry_at": ""},
	}
	return m.finishClaimed(ctx, "MarkFailed", id, update)
}

func (m *MongoRepository) Reschedule(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errInfo ErrorInfo, now time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"status": StatusQueued, "attempt": attempt, "error": errInfo,
			"next_retry_at": nextRetryAt, "last_attempt_at": now, "updated_at": now,
		},
	}
	return m.finishClaimed(ctx, "Reschedule", id, update)
}

func (m *MongoRepository) finishClaimed(ctx context.Context, op, id string, update bson.M) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, op)
	defer span.End()

	res, err := m.coll().UpdateOne(ctx, bson.M{"_id": id, "status": StatusInProgress}, update)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	current, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrTerminalStatus
	}
	return ErrNotFound
}

func (m *MongoRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ExpireOverdue")
	defer span.End()
	start := time.Now()

	res, err := m.coll().UpdateMany(ctx,
		bson.M{
			"status":     bson.M{"$in": []Status{StatusQueued, StatusScheduled}},
			"expires_at": bson.M{"$ne": nil, "$lte": now},
		},
		bson.M{"$set": bson.M{"status": StatusExpired, "updated_at": now}})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	addDBStatsToSpan(span, "ExpireOverdue", int(res.ModifiedCount), time.Since(start))
	return res.ModifiedCount, nil
}

func (m *MongoRepository) PendingApprovals(ctx context.Context, ownerID string) ([]*Action, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "PendingApprovals")
	defer span.End()

	filter := bson.M{
		"owner_id":          ownerID,
		"requires_approval": true,
		"approval_status":   ApprovalPending,
	}
	return m.findActions(ctx, filter, options.Find().SetSort(claimOrderSort))
}

func (m *MongoRepository) SetApproval(ctx context.Context, id string, status ApprovalStatus, note string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "SetApproval")
	defer span.End()

	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "approval_status": ApprovalPending},
		bson.M{"$set": bson.M{"approval_status": status, "approval_note": note, "updated_at": time.Now()}})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	return ErrApprovalNotPending
}

func (m *MongoRepository) Cancel(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Cancel")
	defer span.End()

	res, err := m.coll().UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []Status{StatusQueued, StatusScheduled, StatusInProgress}}},
		bson.M{"$set": bson.M{"status": StatusCancelled, "updated_at": time.Now()}})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	return ErrTerminalStatus
}

func (m *MongoRepository) findActions(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Action, error) {
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var actions []*Action
	for cursor.Next(ctx) {
		var a Action
		if err := cursor.Decode(&a); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	return actions, cursor.Err()
}
