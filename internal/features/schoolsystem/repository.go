package schoolsystem

import (
	"context"
	"errors"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type SystemRepository interface {
	Create(ctx context.Context, system *SchoolSystem) error
	Get(ctx context.Context, id string) (*SchoolSystem, error)
	ListBySchool(ctx context.Context, schoolID string) ([]SchoolSystem, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error
	// RecordSuccess stamps last_sync_at, clears the error counter and lifts an
	// error status back to active.
	RecordSuccess(ctx context.Context, id primitive.ObjectID, at time.Time) error
	// RecordFailure bumps the error counter and flips the status to error once
	// threshold consecutive failures are reached.
	RecordFailure(ctx context.Context, id primitive.ObjectID, at time.Time, threshold int) error
	// ListIdleIDs returns the systems whose tasks must not run right now.
	ListIdleIDs(ctx context.Context) ([]primitive.ObjectID, error)
	EnsureIndexes(ctx context.Context) error
}

type EndpointRepository interface {
	Upsert(ctx context.Context, endpoint *Endpoint) error
	Find(ctx context.Context, systemID primitive.ObjectID, module models.Module, op models.Operation) (*Endpoint, error)
	ListBySystem(ctx context.Context, systemID primitive.ObjectID) ([]Endpoint, error)
	EnsureIndexes(ctx context.Context) error
}

type SystemRepositoryImpl struct {
	collection *mongo.Collection
}

func NewSystemRepository(db *database.MongodbDB) SystemRepository {
	return &SystemRepositoryImpl{
		collection: db.DB.Collection("school_systems"),
	}
}

func (r *SystemRepositoryImpl) Create(ctx context.Context, system *SchoolSystem) error {
	if system.ID.IsZero() {
		system.ID = primitive.NewObjectID()
	}
	now := time.Now()
	system.CreatedAt = now
	system.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, system)
	return err
}

func (r *SystemRepositoryImpl) Get(ctx context.Context, id string) (*SchoolSystem, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.NotFound("school system", id)
	}

	var system SchoolSystem
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&system)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("school system", id)
	}
	if err != nil {
		return nil, err
	}

	return &system, nil
}

func (r *SystemRepositoryImpl) ListBySchool(ctx context.Context, schoolID string) ([]SchoolSystem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"school_id": schoolID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	systems := []SchoolSystem{}
	if err = cursor.All(ctx, &systems); err != nil {
		return nil, err
	}

	return systems, nil
}

func (r *SystemRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return apperr.NotFound("school system", id)
	}

	updates["updated_at"] = time.Now()
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": updates})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("school system", id)
	}
	return nil
}

func (r *SystemRepositoryImpl) ListIdleIDs(ctx context.Context) ([]primitive.ObjectID, error) {
	values, err := r.collection.Distinct(ctx, "_id", bson.M{"status": bson.M{"$nin": SyncingStatuses}})
	if err != nil {
		return nil, err
	}
	ids := make([]primitive.ObjectID, 0, len(values))
	for _, v := range values {
		if oid, ok := v.(primitive.ObjectID); ok {
			ids = append(ids, oid)
		}
	}
	return ids, nil
}

func (r *SystemRepositoryImpl) RecordSuccess(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	// Pipeline update so the status flip only touches systems currently in error.
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"last_sync_at": at,
			"error_count":  0,
			"updated_at":   at,
			"status": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", StatusError}}, StatusActive, "$status",
			}},
		}}},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	return err
}

func (r *SystemRepositoryImpl) RecordFailure(ctx context.Context, id primitive.ObjectID, at time.Time, threshold int) error {
	if threshold <= 0 {
		threshold = 1
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"error_count": bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$error_count", 0}}, 1}},
			"updated_at":  at,
		}}},
		{{Key: "$set", Value: bson.M{
			"status": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$gte": bson.A{"$error_count", threshold}},
					bson.M{"$eq": bson.A{"$status", StatusActive}},
				}},
				StatusError, "$status",
			}},
		}}},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	return err
}

func (r *SystemRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "school_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_school_created"),
		},
	})
	return err
}

type EndpointRepositoryImpl struct {
	collection *mongo.Collection
}

func NewEndpointRepository(db *database.MongodbDB) EndpointRepository {
	return &EndpointRepositoryImpl{
		collection: db.DB.Collection("system_endpoints"),
	}
}

// Upsert replaces the endpoint for (system, module, operation).
func (r *EndpointRepositoryImpl) Upsert(ctx context.Context, endpoint *Endpoint) error {
	now := time.Now()
	endpoint.UpdatedAt = now

	filter := bson.M{
		"system_id": endpoint.SystemID,
		"module":    endpoint.Module,
		"operation": endpoint.Operation,
	}
	set := bson.M{
		"url_template":          endpoint.URLTemplate,
		"http_method":           endpoint.HTTPMethod,
		"request_root":          endpoint.RequestRoot,
		"response_id_path":      endpoint.ResponseIDPath,
		"response_records_path": endpoint.ResponseRecordsPath,
		"headers":               endpoint.Headers,
		"rate_limit_per_minute": endpoint.RateLimitPerMinute,
		"updated_at":            now,
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	return r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(endpoint)
}

func (r *EndpointRepositoryImpl) Find(ctx context.Context, systemID primitive.ObjectID, module models.Module, op models.Operation) (*Endpoint, error) {
	var endpoint Endpoint
	err := r.collection.FindOne(ctx, bson.M{
		"system_id": systemID,
		"module":    module,
		"operation": op,
	}).Decode(&endpoint)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func (r *EndpointRepositoryImpl) ListBySystem(ctx context.Context, systemID primitive.ObjectID) ([]Endpoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "module", Value: 1}, {Key: "operation", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"system_id": systemID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	endpoints := []Endpoint{}
	if err = cursor.All(ctx, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (r *EndpointRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "system_id", Value: 1},
			{Key: "module", Value: 1},
			{Key: "operation", Value: 1},
		},
		Options: options.Index().SetName("uniq_system_module_operation").SetUnique(true),
	})
	return err
}
