package scheduler

import (
	"context"
	"time"

	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const runRetention = 7 * 24 * time.Hour

type SweepRepository interface {
	Create(ctx context.Context, run *SweepRun) error
	Update(ctx context.Context, run *SweepRun) error
	List(ctx context.Context, limit int64) ([]SweepRun, error)
	EnsureIndexes(ctx context.Context) error
}

type SweepRepositoryImpl struct {
	collection *mongo.Collection
}

func NewSweepRepository(db *database.MongodbDB) SweepRepository {
	return &SweepRepositoryImpl{
		collection: db.DB.Collection("sweep_runs"),
	}
}

func (r *SweepRepositoryImpl) Create(ctx context.Context, run *SweepRun) error {
	run.ID = primitive.NewObjectID()
	_, err := r.collection.InsertOne(ctx, run)
	return err
}

func (r *SweepRepositoryImpl) Update(ctx context.Context, run *SweepRun) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": run.ID}, bson.M{"$set": run})
	return err
}

func (r *SweepRepositoryImpl) List(ctx context.Context, limit int64) ([]SweepRun, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	runs := []SweepRun{}
	if err = cursor.All(ctx, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *SweepRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: 1}},
		Options: options.Index().
			SetName("ttl_started_at").
			SetExpireAfterSeconds(int32(runRetention.Seconds())),
	})
	return err
}
