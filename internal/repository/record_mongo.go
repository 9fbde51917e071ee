package repository

import (
	"context"
	"errors"
	"time"

	"study-portal/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoRecordRepository struct {
	collection *mongo.Collection
}

func NewMongoRecordRepository(db *mongo.Database) *MongoRecordRepository {
	return &MongoRecordRepository{
		collection: db.Collection("records"),
	}
}

func recordFilter(entity, id string) bson.M {
	return bson.M{"entity_type": entity, "record_id": id}
}

func (r *MongoRecordRepository) Create(ctx context.Context, record *models.Record) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Fields == nil {
		record.Fields = models.Fields{}
	}

	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateRecord
		}
		return nil, err
	}
	return record, nil
}

func (r *MongoRecordRepository) FindByID(ctx context.Context, entity, id string) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var record models.Record
	err := r.collection.FindOne(ctx, recordFilter(entity, id)).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *MongoRecordRepository) FindAll(ctx context.Context, entity string, filter map[string]string) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "record_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"entity_type": entity}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	records := []*models.Record{}
	for cursor.Next(ctx) {
		var record models.Record
		if err := cursor.Decode(&record); err != nil {
			return nil, err
		}
		if matchesFilter(&record, filter) {
			records = append(records, &record)
		}
	}
	return records, cursor.Err()
}

func (r *MongoRecordRepository) UpdateVersioned(ctx context.Context, entity, id string, changes map[string]any, expected int64) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	for field, value := range changes {
		set["fields."+field] = value
	}
	filter := recordFilter(entity, id)
	filter["version"] = expected

	result := r.collection.FindOneAndUpdate(
		ctx,
		filter,
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)

	var updated models.Record
	if err := result.Decode(&updated); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, r.missOrConflict(ctx, entity, id)
		}
		return nil, err
	}
	return &updated, nil
}

func (r *MongoRecordRepository) Delete(ctx context.Context, entity, id string, expected int64) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	filter := recordFilter(entity, id)
	filter["version"] = expected

	var deleted models.Record
	if err := r.collection.FindOneAndDelete(ctx, filter).Decode(&deleted); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, r.missOrConflict(ctx, entity, id)
		}
		return nil, err
	}
	return &deleted, nil
}

// missOrConflict tells apart a missing record from a version mismatch after
// a conditional write matched nothing.
func (r *MongoRecordRepository) missOrConflict(ctx context.Context, entity, id string) error {
	count, err := r.collection.CountDocuments(ctx, recordFilter(entity, id))
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrRecordNotFound
	}
	return ErrVersionConflict
}

// CreateIndexes creates necessary indexes for the records collection
func (r *MongoRecordRepository) CreateIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "entity_type", Value: 1}, {Key: "record_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "updated_at", Value: -1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}
