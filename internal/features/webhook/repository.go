package webhook

import (
	"context"
	"errors"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrClaimLost means the row was taken over before the outcome was written.
var ErrClaimLost = errors.New("webhook claim lost")

type WebhookRepository interface {
	Create(ctx context.Context, webhook *Webhook) error
	Get(ctx context.Context, id string) (*Webhook, error)
	ListBySystem(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]Webhook, error)
	// ListStale returns rows still received before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int64) ([]Webhook, error)
	// Claim takes a received or failed row for processing under token. Claims
	// older than staleBefore are taken over. It returns nil when the row is
	// processed or held by someone else.
	Claim(ctx context.Context, id primitive.ObjectID, token string, now, staleBefore time.Time) (*Webhook, error)
	// Release drops the claim and leaves the status as it was.
	Release(ctx context.Context, id primitive.ObjectID, token string) error
	MarkProcessed(ctx context.Context, id primitive.ObjectID, token string, taskID primitive.ObjectID, at time.Time) error
	MarkFailed(ctx context.Context, id primitive.ObjectID, token string, reason string, at time.Time) error
	EnsureIndexes(ctx context.Context) error
}

type WebhookRepositoryImpl struct {
	collection *mongo.Collection
}

func NewWebhookRepository(db *database.MongodbDB) WebhookRepository {
	return &WebhookRepositoryImpl{
		collection: db.DB.Collection("inbound_webhooks"),
	}
}

func (r *WebhookRepositoryImpl) Create(ctx context.Context, webhook *Webhook) error {
	if webhook.ID.IsZero() {
		webhook.ID = primitive.NewObjectID()
	}
	now := time.Now()
	webhook.ReceivedAt = now
	webhook.UpdatedAt = now
	webhook.Status = StatusReceived

	_, err := r.collection.InsertOne(ctx, webhook)
	return err
}

func (r *WebhookRepositoryImpl) Get(ctx context.Context, id string) (*Webhook, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.NotFound("webhook", id)
	}

	var webhook Webhook
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&webhook)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("webhook", id)
	}
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (r *WebhookRepositoryImpl) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Webhook, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	webhooks := []Webhook{}
	if err = cursor.All(ctx, &webhooks); err != nil {
		return nil, err
	}
	return webhooks, nil
}

func (r *WebhookRepositoryImpl) ListBySystem(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]Webhook, error) {
	filter := bson.M{"system_id": systemID}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}}).SetLimit(limit)
	return r.find(ctx, filter, opts)
}

func (r *WebhookRepositoryImpl) ListStale(ctx context.Context, before time.Time, limit int64) ([]Webhook, error) {
	filter := bson.M{
		"status":      StatusReceived,
		"received_at": bson.M{"$lt": before},
	}
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: 1}}).SetLimit(limit)
	return r.find(ctx, filter, opts)
}

func (r *WebhookRepositoryImpl) Claim(ctx context.Context, id primitive.ObjectID, token string, now, staleBefore time.Time) (*Webhook, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": bson.A{StatusReceived, StatusFailed}},
		"$or": bson.A{
			bson.M{"claimed_by": bson.M{"$exists": false}},
			bson.M{"claimed_at": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"claimed_by": token,
		"claimed_at": now,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var webhook Webhook
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&webhook)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (r *WebhookRepositoryImpl) Release(ctx context.Context, id primitive.ObjectID, token string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "claimed_by": token},
		bson.M{"$unset": bson.M{"claimed_by": "", "claimed_at": ""}},
	)
	return err
}

// finish writes an outcome only while token still holds the row.
func (r *WebhookRepositoryImpl) finish(ctx context.Context, id primitive.ObjectID, token string, update bson.M) error {
	update["$unset"] = bson.M{"claimed_by": "", "claimed_at": ""}
	update["$inc"] = bson.M{"attempts": 1}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id, "claimed_by": token}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *WebhookRepositoryImpl) MarkProcessed(ctx context.Context, id primitive.ObjectID, token string, taskID primitive.ObjectID, at time.Time) error {
	return r.finish(ctx, id, token, bson.M{
		"$set": bson.M{
			"status":       StatusProcessed,
			"task_id":      taskID,
			"processed_at": at,
			"updated_at":   at,
			"error":        "",
		},
	})
}

func (r *WebhookRepositoryImpl) MarkFailed(ctx context.Context, id primitive.ObjectID, token string, reason string, at time.Time) error {
	return r.finish(ctx, id, token, bson.M{
		"$set": bson.M{
			"status":       StatusFailed,
			"error":        reason,
			"processed_at": at,
			"updated_at":   at,
		},
	})
}

func (r *WebhookRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "system_id", Value: 1}, {Key: "received_at", Value: -1}},
			Options: options.Index().SetName("idx_system_received"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "received_at", Value: 1}},
			Options: options.Index().SetName("idx_status_received"),
		},
	})
	return err
}
