package mapping

import (
	"context"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MappingRepository interface {
	// Upsert replaces the mapping for (system, module, internal_field).
	Upsert(ctx context.Context, m *FieldMapping) error
	ListBySystemModule(ctx context.Context, systemID primitive.ObjectID, module models.Module) ([]FieldMapping, error)
	Delete(ctx context.Context, systemID, id primitive.ObjectID) error
	EnsureIndexes(ctx context.Context) error
}

type MappingRepositoryImpl struct {
	collection *mongo.Collection
}

func NewMappingRepository(db *database.MongodbDB) MappingRepository {
	return &MappingRepositoryImpl{
		collection: db.DB.Collection("field_mappings"),
	}
}

func (r *MappingRepositoryImpl) Upsert(ctx context.Context, m *FieldMapping) error {
	now := time.Now()
	filter := bson.M{
		"system_id":      m.SystemID,
		"module":         m.Module,
		"internal_field": m.InternalField,
	}
	update := bson.M{
		"$set": bson.M{
			"external_field": m.ExternalField,
			"transform":      m.Transform,
			"is_required":    m.IsRequired,
			"is_primary_key": m.IsPrimaryKey,
			"validation":     m.Validation,
			"updated_at":     now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	return r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(m)
}

func (r *MappingRepositoryImpl) ListBySystemModule(ctx context.Context, systemID primitive.ObjectID, module models.Module) ([]FieldMapping, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"system_id": systemID, "module": module}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	mappings := []FieldMapping{}
	if err = cursor.All(ctx, &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r *MappingRepositoryImpl) Delete(ctx context.Context, systemID, id primitive.ObjectID) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "system_id": systemID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return apperr.NotFound("field mapping", id.Hex())
	}
	return nil
}

func (r *MappingRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "system_id", Value: 1},
			{Key: "module", Value: 1},
			{Key: "internal_field", Value: 1},
		},
		Options: options.Index().SetName("uniq_system_module_internal_field").SetUnique(true),
	})
	return err
}
