package idmapping

import (
	"context"
	"errors"
	"time"

	"school-integration/internal/common/models"
	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type IdMappingRepository interface {
	FindByInternal(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) (*IdMapping, error)
	FindByExternal(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, externalID string) (*IdMapping, error)
	// Upsert writes on the (system, internal_entity, internal_id) key.
	Upsert(ctx context.Context, m *IdMapping) error
	Delete(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) error
	EnsureIndexes(ctx context.Context) error
}

type IdMappingRepositoryImpl struct {
	collection *mongo.Collection
}

func NewIdMappingRepository(db *database.MongodbDB) IdMappingRepository {
	return &IdMappingRepositoryImpl{
		collection: db.DB.Collection("id_mappings"),
	}
}

func (r *IdMappingRepositoryImpl) findOne(ctx context.Context, filter bson.M) (*IdMapping, error) {
	var m IdMapping
	err := r.collection.FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *IdMappingRepositoryImpl) FindByInternal(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) (*IdMapping, error) {
	return r.findOne(ctx, bson.M{
		"system_id":       systemID,
		"internal_entity": entity,
		"internal_id":     internalID,
	})
}

func (r *IdMappingRepositoryImpl) FindByExternal(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, externalID string) (*IdMapping, error) {
	return r.findOne(ctx, bson.M{
		"system_id":       systemID,
		"internal_entity": entity,
		"external_id":     externalID,
	})
}

func (r *IdMappingRepositoryImpl) Upsert(ctx context.Context, m *IdMapping) error {
	now := time.Now()
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = now
	}

	filter := bson.M{
		"system_id":       m.SystemID,
		"internal_entity": m.InternalEntity,
		"internal_id":     m.InternalID,
	}
	update := bson.M{
		"$set": bson.M{
			"external_entity": m.ExternalEntity,
			"external_id":     m.ExternalID,
			"last_synced_at":  m.LastSyncedAt,
			"updated_at":      now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	return r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(m)
}

func (r *IdMappingRepositoryImpl) Delete(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{
		"system_id":       systemID,
		"internal_entity": entity,
		"internal_id":     internalID,
	})
	return err
}

func (r *IdMappingRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "system_id", Value: 1},
				{Key: "internal_entity", Value: 1},
				{Key: "internal_id", Value: 1},
			},
			Options: options.Index().SetName("uniq_system_internal").SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "system_id", Value: 1},
				{Key: "internal_entity", Value: 1},
				{Key: "external_id", Value: 1},
			},
			Options: options.Index().SetName("idx_system_external"),
		},
	})
	return err
}
