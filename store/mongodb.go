package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tracepipe/tracepipe/message"
)

/*
MongoDB Schema:

Collection: tracepipe_messages

Document structure:
{
    "_id": long (message id),
    "message_type": string,
    "message_json": Binary,
    "status": string
}

Indexes:
db.tracepipe_messages.createIndex({ "status": 1 })
*/

// mongoRecord represents a staged message document in MongoDB.
type mongoRecord struct {
	MessageID int64  `bson:"_id"`
	Kind      string `bson:"message_type"`
	Payload   []byte `bson:"message_json"`
	Status    string `bson:"status"`
}

func (m *mongoRecord) toRecord() Record {
	return Record{
		MessageID: m.MessageID,
		Kind:      message.Kind(m.Kind),
		Payload:   m.Payload,
		Status:    Status(m.Status),
	}
}

// MongoStore is a MongoDB-backed store. The _id index gives the unique
// message-id key; upserts use ReplaceOne with upsert semantics.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB store on the given database.
// The default collection name is "tracepipe_messages".
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("tracepipe_messages"),
	}
}

// WithCollectionName sets a custom collection name.
//
// Returns the store for method chaining.
func (s *MongoStore) WithCollectionName(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Init creates the status index if absent.
func (s *MongoStore) Init(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	return nil
}

// Upsert replaces documents keyed by message id in one ordered bulk write.
func (s *MongoStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, len(records))
	for i, rec := range records {
		doc := mongoRecord{
			MessageID: rec.MessageID,
			Kind:      string(rec.Kind),
			Payload:   rec.Payload,
			Status:    string(rec.Status),
		}
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.MessageID}).
			SetReplacement(doc).
			SetUpsert(true)
	}

	if _, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of the given ids in one UpdateMany.
func (s *MongoStore) UpdateStatus(ctx context.Context, ids []int64, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"status": string(status)}},
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// Delete removes the documents for the given ids.
func (s *MongoStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// Get retrieves a single record by id.
func (s *MongoStore) Get(ctx context.Context, id int64) (*Record, error) {
	var doc mongoRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

// GetMany retrieves the records for the given ids, ascending by message id.
func (s *MongoStore) GetMany(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := s.collection.Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []Record
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, doc.toRecord())
	}
	return records, cursor.Err()
}

// FailedIDs returns the ids of all failed documents, ascending.
func (s *MongoStore) FailedIDs(ctx context.Context) ([]int64, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"status": string(StatusFailed)},
		options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("list failed ids: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []int64
	for cursor.Next(ctx) {
		var doc struct {
			MessageID int64 `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode failed id: %w", err)
		}
		ids = append(ids, doc.MessageID)
	}
	return ids, cursor.Err()
}

// FailedCount returns the number of failed documents.
func (s *MongoStore) FailedCount(ctx context.Context) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"status": string(StatusFailed)})
	if err != nil {
		return 0, fmt.Errorf("count failed messages: %w", err)
	}
	return count, nil
}

// Close is a no-op; the Mongo client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// Compile-time check
var _ Store = (*MongoStore)(nil)
