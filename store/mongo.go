package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"copresence/models"
)

// MongoStore backs the shared state channel with a MongoDB collection so
// coordinator and participants on different hosts see one record table.
// Subscriptions poll the record at a short interval; the deployed store
// topology (standalone, no oplog tailing) rules out change streams, and the
// handshake's own timeouts already tolerate eventual consistency at this
// granularity.
type MongoStore struct {
	client       *mongo.Client
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoStore connects and pings within the given context's deadline.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoStore{
		client:       client,
		coll:         client.Database(database).Collection(collection),
		pollInterval: 100 * time.Millisecond,
	}, nil
}

func (s *MongoStore) Put(ctx context.Context, req *models.VerificationRequest) error {
	if _, err := s.coll.InsertOne(ctx, req); err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.VerificationRequest, error) {
	var rec models.VerificationRequest
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return &rec, nil
}

// Update reads the record, applies mutate, and writes back only the fields
// the mutator actually changed. Writers in this protocol each own a disjoint
// set of fields; a whole-document replace would re-write unowned fields from
// a possibly stale read, so the write is a targeted $set instead.
func (s *MongoStore) Update(ctx context.Context, id string, mutate Mutator) (*models.VerificationRequest, error) {
	before, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	mutate(after)

	set := changedFields(before, after)
	if len(set) == 0 {
		return after, nil
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var updated models.VerificationRequest
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}
	return &updated, nil
}

// changedFields maps every field the mutator touched to its bson key.
func changedFields(before, after *models.VerificationRequest) bson.M {
	set := bson.M{}
	if before.Participant != after.Participant {
		set["participant"] = after.Participant
	}
	if before.Status != after.Status {
		set["status"] = after.Status
	}
	if before.Config != after.Config {
		set["config"] = after.Config
	}
	if !slices.Equal(before.EmittedPattern, after.EmittedPattern) {
		set["emittedPattern"] = after.EmittedPattern
	}
	if !slices.Equal(before.DetectedPattern, after.DetectedPattern) {
		set["detectedPattern"] = after.DetectedPattern
	}
	if !slices.Equal(before.DetectedPeaks, after.DetectedPeaks) {
		set["detectedPeaks"] = after.DetectedPeaks
	}
	if before.MatchCount != after.MatchCount {
		set["matchCount"] = after.MatchCount
	}
	if before.Passed != after.Passed {
		set["passed"] = after.Passed
	}
	if before.FailureCause != after.FailureCause {
		set["failureCause"] = after.FailureCause
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		set["createdAt"] = after.CreatedAt
	}
	if !before.VerifiedAt.Equal(after.VerifiedAt) {
		set["verifiedAt"] = after.VerifiedAt
	}
	return set
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete request %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context) ([]*models.VerificationRequest, error) {
	cursor, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.VerificationRequest
	for cursor.Next(ctx) {
		var rec models.VerificationRequest
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		out = append(out, &rec)
	}
	return out, cursor.Err()
}

func (s *MongoStore) Subscribe(ctx context.Context, id string, cb Callback) (func(), error) {
	initial, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cb(initial)

	watchCtx, cancel := context.WithCancel(ctx)
	go s.pollRecord(watchCtx, id, initial, cb)
	return cancel, nil
}

// pollRecord re-reads the record and invokes cb on every observed change,
// including disappearance.
func (s *MongoStore) pollRecord(ctx context.Context, id string, last *models.VerificationRequest, cb Callback) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := s.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			if last != nil {
				last = nil
				cb(nil)
			}
		case err != nil:
			continue // transient read failure; next tick retries
		case last == nil || recordChanged(last, current):
			last = current
			cb(current)
		}
	}
}

func recordChanged(a, b *models.VerificationRequest) bool {
	if a.Status != b.Status || a.MatchCount != b.MatchCount || a.Passed != b.Passed {
		return true
	}
	if len(a.EmittedPattern) != len(b.EmittedPattern) || len(a.DetectedPattern) != len(b.DetectedPattern) {
		return true
	}
	return a.FailureCause != b.FailureCause
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
