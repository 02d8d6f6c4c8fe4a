package synctask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrLeaseLost means the task was reclaimed by someone else before the run
// could be committed.
var ErrLeaseLost = errors.New("task lease lost")

// FailureUpdate is written when a claimed run fails.
type FailureUpdate struct {
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}

type TaskRepository interface {
	Create(ctx context.Context, task *SyncTask) error
	Get(ctx context.Context, id string) (*SyncTask, error)
	// Claim moves an executable task to in_progress under token. It returns
	// nil when the task was not executable any more.
	Claim(ctx context.Context, id primitive.ObjectID, token string, now time.Time) (*SyncTask, error)
	Complete(ctx context.Context, id primitive.ObjectID, token string, at time.Time) error
	Fail(ctx context.Context, id primitive.ObjectID, token string, update FailureUpdate) error
	// ListDue returns pending tasks whose next attempt is due, highest priority
	// first, leaving out tasks of the skipped systems.
	ListDue(ctx context.Context, now time.Time, limit int64, skipSystems []primitive.ObjectID) ([]SyncTask, error)
	ListBySystem(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]SyncTask, error)
	// FindByWebhook returns the task created for a webhook, or nil.
	FindByWebhook(ctx context.Context, webhookID primitive.ObjectID) (*SyncTask, error)
	ResetExpiredLeases(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	Cancel(ctx context.Context, id primitive.ObjectID) (*SyncTask, error)
	Retry(ctx context.Context, id primitive.ObjectID, now time.Time) (*SyncTask, error)
	CountByStatus(ctx context.Context, systemID primitive.ObjectID, module models.Module) (map[Status]int64, error)
	EnsureIndexes(ctx context.Context) error
}

type HistoryRepository interface {
	Create(ctx context.Context, h *SyncHistory) error
	Latest(ctx context.Context, systemID primitive.ObjectID, module models.Module) (*SyncHistory, error)
	List(ctx context.Context, systemID primitive.ObjectID, module models.Module, limit int64) ([]SyncHistory, error)
	EnsureIndexes(ctx context.Context) error
}

type TaskRepositoryImpl struct {
	collection *mongo.Collection
}

func NewTaskRepository(db *database.MongodbDB) TaskRepository {
	return &TaskRepositoryImpl{
		collection: db.DB.Collection("sync_tasks"),
	}
}

func (r *TaskRepositoryImpl) Create(ctx context.Context, task *SyncTask) error {
	if task.ID.IsZero() {
		task.ID = primitive.NewObjectID()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := task.encodePayload(); err != nil {
		return apperr.Field("data_payload", "is not JSON encodable")
	}
	_, err := r.collection.InsertOne(ctx, task)
	return err
}

func (r *TaskRepositoryImpl) Get(ctx context.Context, id string) (*SyncTask, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.NotFound("sync task", id)
	}
	return r.decodeOne(r.collection.FindOne(ctx, bson.M{"_id": oid}), id)
}

func (r *TaskRepositoryImpl) decodeOne(res *mongo.SingleResult, id string) (*SyncTask, error) {
	var task SyncTask
	err := res.Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if id == "" {
			return nil, nil
		}
		return nil, apperr.NotFound("sync task", id)
	}
	if err != nil {
		return nil, err
	}
	if err := task.decodePayload(); err != nil {
		return nil, fmt.Errorf("corrupt payload on task %s: %w", task.ID.Hex(), err)
	}
	return &task, nil
}

func (r *TaskRepositoryImpl) Claim(ctx context.Context, id primitive.ObjectID, token string, now time.Time) (*SyncTask, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": bson.A{StatusPending, StatusFailed}},
		"$expr":  bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
	}
	update := bson.M{"$set": bson.M{
		"status":     StatusInProgress,
		"claimed_by": token,
		"claimed_at": now,
		"updated_at": now,
	}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return r.decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, opts), "")
}

func (r *TaskRepositoryImpl) Complete(ctx context.Context, id primitive.ObjectID, token string, at time.Time) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusInProgress, "claimed_by": token},
		bson.M{
			"$set": bson.M{
				"status":       StatusCompleted,
				"completed_at": at,
				"updated_at":   at,
			},
			"$unset": bson.M{"last_error": "", "claimed_by": "", "claimed_at": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *TaskRepositoryImpl) Fail(ctx context.Context, id primitive.ObjectID, token string, update FailureUpdate) error {
	now := time.Now()
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusInProgress, "claimed_by": token},
		bson.M{
			"$set": bson.M{
				"status":          update.Status,
				"attempts":        update.Attempts,
				"last_error":      update.LastError,
				"next_attempt_at": update.NextAttemptAt,
				"updated_at":      now,
			},
			"$unset": bson.M{"claimed_by": "", "claimed_at": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *TaskRepositoryImpl) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]SyncTask, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	tasks := []SyncTask{}
	if err = cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	for i := range tasks {
		if err := tasks[i].decodePayload(); err != nil {
			return nil, fmt.Errorf("corrupt payload on task %s: %w", tasks[i].ID.Hex(), err)
		}
	}
	return tasks, nil
}

func (r *TaskRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int64, skipSystems []primitive.ObjectID) ([]SyncTask, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "scheduled_for", Value: 1}}).
		SetLimit(limit)
	filter := bson.M{
		"status":          StatusPending,
		"next_attempt_at": bson.M{"$lte": now},
	}
	if len(skipSystems) > 0 {
		filter["system_id"] = bson.M{"$nin": skipSystems}
	}
	return r.find(ctx, filter, opts)
}

func (r *TaskRepositoryImpl) ListBySystem(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]SyncTask, error) {
	filter := bson.M{"system_id": systemID}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return r.find(ctx, filter, opts)
}

func (r *TaskRepositoryImpl) FindByWebhook(ctx context.Context, webhookID primitive.ObjectID) (*SyncTask, error) {
	return r.decodeOne(r.collection.FindOne(ctx, bson.M{"webhook_id": webhookID}), "")
}

func (r *TaskRepositoryImpl) ResetExpiredLeases(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res, err := r.collection.UpdateMany(ctx,
		bson.M{"status": StatusInProgress, "claimed_at": bson.M{"$lt": claimedBefore}},
		bson.M{
			"$set": bson.M{
				"status":          StatusPending,
				"last_error":      "lease expired",
				"next_attempt_at": now,
				"updated_at":      now,
			},
			"$unset": bson.M{"claimed_by": "", "claimed_at": ""},
		},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// Cancel fails a pending task terminally by exhausting its attempts.
func (r *TaskRepositoryImpl) Cancel(ctx context.Context, id primitive.ObjectID) (*SyncTask, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"status":     StatusFailed,
			"last_error": "cancelled",
			"attempts":   "$max_attempts",
			"updated_at": time.Now(),
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	task, err := r.decodeOne(r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": StatusPending}, pipeline, opts), "")
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, r.explain(ctx, id, "only pending tasks can be cancelled")
	}
	return task, nil
}

func (r *TaskRepositoryImpl) Retry(ctx context.Context, id primitive.ObjectID, now time.Time) (*SyncTask, error) {
	filter := bson.M{
		"_id":    id,
		"status": StatusFailed,
		"$expr":  bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}},
	}
	update := bson.M{"$set": bson.M{
		"status":          StatusPending,
		"next_attempt_at": now,
		"updated_at":      now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	task, err := r.decodeOne(r.collection.FindOneAndUpdate(ctx, filter, update, opts), "")
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, r.explain(ctx, id, "only failed tasks with attempts left can be retried")
	}
	return task, nil
}

// explain turns a non-matching conditional update into NotFound or a
// validation error.
func (r *TaskRepositoryImpl) explain(ctx context.Context, id primitive.ObjectID, msg string) error {
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("sync task", id.Hex())
	}
	return apperr.NewValidation(msg, map[string]string{"status": msg})
}

func (r *TaskRepositoryImpl) CountByStatus(ctx context.Context, systemID primitive.ObjectID, module models.Module) (map[Status]int64, error) {
	match := bson.M{"system_id": systemID}
	if module != "" {
		match["module"] = module
	}
	cursor, err := r.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status Status `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := map[Status]int64{
		StatusPending:    0,
		StatusInProgress: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *TaskRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_attempt_at", Value: 1},
				{Key: "priority", Value: -1},
			},
			Options: options.Index().SetName("idx_due"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "claimed_at", Value: 1}},
			Options: options.Index().SetName("idx_leases"),
		},
		{
			Keys:    bson.D{{Key: "system_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_system_created"),
		},
		{
			Keys:    bson.D{{Key: "webhook_id", Value: 1}},
			Options: options.Index().SetName("idx_webhook").SetSparse(true),
		},
	})
	return err
}

type HistoryRepositoryImpl struct {
	collection *mongo.Collection
}

func NewHistoryRepository(db *database.MongodbDB) HistoryRepository {
	return &HistoryRepositoryImpl{
		collection: db.DB.Collection("sync_history"),
	}
}

func (r *HistoryRepositoryImpl) Create(ctx context.Context, h *SyncHistory) error {
	if h.ID.IsZero() {
		h.ID = primitive.NewObjectID()
	}
	_, err := r.collection.InsertOne(ctx, h)
	return err
}

func (r *HistoryRepositoryImpl) filter(systemID primitive.ObjectID, module models.Module) bson.M {
	f := bson.M{"system_id": systemID}
	if module != "" {
		f["module"] = module
	}
	return f
}

func (r *HistoryRepositoryImpl) Latest(ctx context.Context, systemID primitive.ObjectID, module models.Module) (*SyncHistory, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "finished_at", Value: -1}})
	var h SyncHistory
	err := r.collection.FindOne(ctx, r.filter(systemID, module), opts).Decode(&h)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HistoryRepositoryImpl) List(ctx context.Context, systemID primitive.ObjectID, module models.Module, limit int64) ([]SyncHistory, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, r.filter(systemID, module), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	history := []SyncHistory{}
	if err = cursor.All(ctx, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (r *HistoryRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "system_id", Value: 1},
			{Key: "module", Value: 1},
			{Key: "finished_at", Value: -1},
		},
		Options: options.Index().SetName("idx_system_module_finished"),
	})
	return err
}
