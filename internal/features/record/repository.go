package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/database"
	"school-integration/pkg/condition"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RecordStore reads and writes platform entities (students, courses, ...).
// Records are flat documents in one collection per module.
type RecordStore interface {
	Get(ctx context.Context, module models.Module, id string) (map[string]any, error)
	List(ctx context.Context, module models.Module, filter map[string]any, limit int64) ([]map[string]any, error)
	// Upsert writes data under id, or under a new id when id is empty, and
	// returns the id used.
	Upsert(ctx context.Context, module models.Module, id string, data map[string]any) (string, error)
}

type RecordRepositoryImpl struct {
	db *mongo.Database
}

func NewRecordRepository(mongodb *database.MongodbDB) RecordStore {
	return &RecordRepositoryImpl{db: mongodb.DB}
}

func (r *RecordRepositoryImpl) collection(module models.Module) (*mongo.Collection, error) {
	if !module.Valid() {
		return nil, apperr.Field("module", fmt.Sprintf("unknown module %q", module))
	}
	return r.db.Collection(string(module)), nil
}

func (r *RecordRepositoryImpl) Get(ctx context.Context, module models.Module, id string) (map[string]any, error) {
	coll, err := r.collection(module)
	if err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.NotFound(string(module.EntityType()), id)
	}

	var doc bson.M
	err = coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound(string(module.EntityType()), id)
	}
	if err != nil {
		return nil, err
	}
	return flatten(doc), nil
}

func (r *RecordRepositoryImpl) List(ctx context.Context, module models.Module, filter map[string]any, limit int64) ([]map[string]any, error) {
	coll, err := r.collection(module)
	if err != nil {
		return nil, err
	}

	query, err := buildQuery(filter)
	if err != nil {
		return nil, err
	}

	findOptions := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		findOptions.SetLimit(limit)
	}

	cursor, err := coll.Find(ctx, query, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(docs))
	for i, doc := range docs {
		results[i] = flatten(doc)
	}
	return results, nil
}

func (r *RecordRepositoryImpl) Upsert(ctx context.Context, module models.Module, id string, data map[string]any) (string, error) {
	coll, err := r.collection(module)
	if err != nil {
		return "", err
	}

	oid := primitive.NewObjectID()
	if id != "" {
		if oid, err = primitive.ObjectIDFromHex(id); err != nil {
			return "", apperr.Field("id", "is not a valid record id")
		}
	}

	now := time.Now()
	set := bson.M{"updated_at": now}
	for k, v := range data {
		switch k {
		case "_id", "id", "created_at", "updated_at":
			continue
		}
		set[k] = v
	}

	_, err = coll.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return "", err
	}
	return oid.Hex(), nil
}

// buildQuery turns API filters into a Mongo query. Operators are not accepted
// from callers.
func buildQuery(filter map[string]any) (bson.M, error) {
	rest := make(map[string]any, len(filter))
	var id any
	for k, v := range filter {
		if k == "id" || k == "_id" {
			id = v
			continue
		}
		rest[k] = v
	}

	query, err := condition.Compile(rest)
	if err != nil {
		return nil, err
	}
	if id != nil {
		s, _ := id.(string)
		oid, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return nil, apperr.Field("filters.id", "is not a valid record id")
		}
		query["_id"] = oid
	}
	return query, nil
}

// flatten converts a decoded document into plain Go values: "id" as a hex
// string, nested documents as maps and dates as time.Time.
func flatten(doc bson.M) map[string]any {
	flat := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			flat["id"] = plain(v)
			continue
		}
		flat[k] = plain(v)
	}
	return flat
}

func plain(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = plain(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = plain(val)
		}
		return m
	case primitive.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	}
	return v
}
