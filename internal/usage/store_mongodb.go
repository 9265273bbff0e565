package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/visiquate/cco-sub021/internal/core"
)

// archivePageSize bounds how many raw documents one archive step loads.
const archivePageSize = 5000

// ErrPartialWrite indicates that a batch write only partially succeeded.
// Use errors.As to extract details about the failure.
var ErrPartialWrite = errors.New("partial write failure")

// PartialWriteError wraps a mongo.BulkWriteException with additional context
// about how many events failed vs succeeded.
type PartialWriteError struct {
	TotalEntries int
	FailedCount  int
	Cause        mongo.BulkWriteException
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial event insert: %d of %d events failed: %v",
		e.FailedCount, e.TotalEntries, e.Cause.Error())
}

func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	calls  *mongo.Collection
	hourly *mongo.Collection
}

// NewMongoDBStore creates the collections' indexes if they don't exist.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	s := &MongoDBStore{
		calls:  database.Collection("api_calls"),
		hourly: database.Collection("api_call_hourly"),
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	callIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "model_used", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
	}
	if _, err := s.calls.Indexes().CreateMany(ctx, callIndexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for api_calls", "error", err)
	}

	hourlyIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "hour", Value: 1},
			{Key: "model", Value: 1},
			{Key: "provider", Value: 1},
			{Key: "tier", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.hourly.Indexes().CreateOne(ctx, hourlyIndex); err != nil {
		slog.Warn("failed to create MongoDB index for api_call_hourly", "error", err)
	}

	return s, nil
}

// WriteBatch inserts events with an unordered InsertMany. Duplicate IDs are
// ignored; any other per-document failure is reported as a PartialWriteError.
func (s *MongoDBStore) WriteBatch(ctx context.Context, events []*core.APICallEvent) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]any, len(events))
	for i, e := range events {
		docs[i] = e
	}

	_, err := s.calls.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		return fmt.Errorf("failed to insert events: %w", err)
	}

	failed := 0
	for _, we := range bulkErr.WriteErrors {
		if !mongo.IsDuplicateKeyError(we.WriteError) {
			failed++
		}
	}
	if failed == 0 && bulkErr.WriteConcernError == nil {
		return nil
	}

	slog.Warn("partial event insert failure",
		"total", len(events),
		"failed", failed,
		"succeeded", len(events)-failed,
	)
	return &PartialWriteError{
		TotalEntries: len(events),
		FailedCount:  failed,
		Cause:        bulkErr,
	}
}

// Archive pages through documents older than before, upserts their hourly
// roll-up and deletes them. Each page is committed before the next, so an
// interrupted run leaves already-archived pages consistent.
func (s *MongoDBStore) Archive(ctx context.Context, before time.Time) (ArchiveResult, error) {
	var res ArchiveResult
	filter := bson.D{{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}}
	findOpts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(archivePageSize)

	for {
		cursor, err := s.calls.Find(ctx, filter, findOpts)
		if err != nil {
			return res, fmt.Errorf("failed to load archivable events: %w", err)
		}
		var page []*core.APICallEvent
		if err := cursor.All(ctx, &page); err != nil {
			return res, fmt.Errorf("failed to decode archivable events: %w", err)
		}
		if len(page) == 0 {
			return res, nil
		}

		aggs := rollup(page)
		models := make([]mongo.WriteModel, 0, len(aggs))
		for _, a := range aggs {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.D{
					{Key: "hour", Value: a.Hour},
					{Key: "model", Value: a.Model},
					{Key: "provider", Value: a.Provider},
					{Key: "tier", Value: a.Tier},
				}).
				SetUpdate(bson.D{{Key: "$inc", Value: bson.D{
					{Key: "calls", Value: a.Calls},
					{Key: "errors", Value: a.Errors},
					{Key: "cache_hits", Value: a.CacheHits},
					{Key: "input_tokens", Value: a.InputTokens},
					{Key: "output_tokens", Value: a.OutputTokens},
					{Key: "cache_write_tokens", Value: a.CacheWriteTokens},
					{Key: "cache_read_tokens", Value: a.CacheReadTokens},
					{Key: "actual_cost_nanos", Value: int64(a.ActualCost)},
					{Key: "would_be_cost_nanos", Value: int64(a.WouldBeCost)},
					{Key: "total_latency_ms", Value: a.TotalLatencyMs},
				}}}).
				SetUpsert(true))
		}
		if _, err := s.hourly.BulkWrite(ctx, models); err != nil {
			return res, fmt.Errorf("failed to upsert hourly aggregates: %w", err)
		}

		ids := make([]string, len(page))
		for i, e := range page {
			ids[i] = e.ID
		}
		del, err := s.calls.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
		if err != nil {
			return res, fmt.Errorf("failed to delete archived events: %w", err)
		}

		res.Archived += del.DeletedCount
		res.Aggregates += int64(len(aggs))
		if len(page) < archivePageSize {
			return res, nil
		}
	}
}

// Recent returns the newest events, newest first.
func (s *MongoDBStore) Recent(ctx context.Context, limit int) ([]*core.APICallEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(recentLimit(limit)))
	return s.find(ctx, bson.D{}, opts)
}

// Range returns events matching q, oldest first.
func (s *MongoDBStore) Range(ctx context.Context, q Query) ([]*core.APICallEvent, error) {
	filter := bson.D{}
	ts := bson.D{}
	if !q.Start.IsZero() {
		ts = append(ts, bson.E{Key: "$gte", Value: q.Start.UTC()})
	}
	if !q.End.IsZero() {
		ts = append(ts, bson.E{Key: "$lt", Value: q.End.UTC()})
	}
	if len(ts) > 0 {
		filter = append(filter, bson.E{Key: "timestamp", Value: ts})
	}
	if q.Model != "" {
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "model_used", Value: q.Model}},
			bson.D{{Key: "model_requested", Value: q.Model}},
		}})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(int64(q.limit()))
	return s.find(ctx, filter, opts)
}

// Hourly returns archived aggregates with Hour in [start, end).
func (s *MongoDBStore) Hourly(ctx context.Context, start, end time.Time) ([]HourlyAggregate, error) {
	filter := bson.D{}
	hour := bson.D{}
	if !start.IsZero() {
		hour = append(hour, bson.E{Key: "$gte", Value: start.UTC()})
	}
	if !end.IsZero() {
		hour = append(hour, bson.E{Key: "$lt", Value: end.UTC()})
	}
	if len(hour) > 0 {
		filter = append(filter, bson.E{Key: "hour", Value: hour})
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "hour", Value: 1},
		{Key: "model", Value: 1},
		{Key: "provider", Value: 1},
		{Key: "tier", Value: 1},
	})
	cursor, err := s.hourly.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly aggregates: %w", err)
	}
	result := make([]HourlyAggregate, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode hourly aggregates: %w", err)
	}
	for i := range result {
		result[i].Hour = result[i].Hour.UTC()
	}
	return result, nil
}

// Close is a no-op; the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}

func (s *MongoDBStore) find(ctx context.Context, filter bson.D, opts *options.FindOptionsBuilder) ([]*core.APICallEvent, error) {
	cursor, err := s.calls.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	result := make([]*core.APICallEvent, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	for _, e := range result {
		e.Timestamp = e.Timestamp.UTC()
	}
	return result, nil
}
