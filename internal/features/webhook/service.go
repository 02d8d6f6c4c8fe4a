package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/config"
	"school-integration/internal/features/mapping"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/features/synctask"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const processTimeout = 2 * time.Minute

type WebhookService interface {
	// RegisterWebhook stores the call and hands processing off. It returns once
	// the row is durable.
	RegisterWebhook(ctx context.Context, systemID string, body []byte, signature string) (*Webhook, error)
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]Webhook, error)
	Reprocess(ctx context.Context, id string) (*Webhook, error)
	// ReprocessStale runs processing again for rows left in received.
	ReprocessStale(ctx context.Context) (int, error)
}

type WebhookServiceImpl struct {
	Repo     WebhookRepository
	Systems  schoolsystem.SystemService
	Mappings mapping.MappingService
	Sync     synctask.SyncService
	cfg      config.WebhookConfig
	logger   *zap.Logger

	// dispatch runs detached processing; tests swap it for a synchronous call.
	dispatch func(fn func())
	now      func() time.Time
}

func NewWebhookService(
	repo WebhookRepository,
	systems schoolsystem.SystemService,
	mappings mapping.MappingService,
	sync synctask.SyncService,
	cfg *config.Config,
	logger *zap.Logger,
) WebhookService {
	return &WebhookServiceImpl{
		Repo:     repo,
		Systems:  systems,
		Mappings: mappings,
		Sync:     sync,
		cfg:      cfg.Webhook,
		logger:   logger,
		dispatch: func(fn func()) { go fn() },
		now:      time.Now,
	}
}

func (s *WebhookServiceImpl) RegisterWebhook(ctx context.Context, systemID string, body []byte, signature string) (*Webhook, error) {
	system, err := s.Systems.GetSystem(ctx, systemID)
	if err != nil {
		return nil, err
	}

	if secret := system.Connection.WebhookSecret; secret != "" {
		if !validSignature(secret, body, signature) {
			return nil, &apperr.UnauthorizedError{Message: "invalid webhook signature"}
		}
	}

	wh := &Webhook{
		SystemID:   system.ID,
		Event:      gjson.GetBytes(body, "event").String(),
		RawPayload: string(body),
	}
	if err := s.Repo.Create(ctx, wh); err != nil {
		return nil, &apperr.PersistenceError{Op: "store webhook", Err: err}
	}

	s.logger.Info("Webhook received",
		zap.String("webhook_id", wh.ID.Hex()),
		zap.String("system_id", system.ID.Hex()),
		zap.String("event", wh.Event),
	)

	stored := *wh
	s.dispatch(func() { s.processDetached(stored) })
	return wh, nil
}

func validSignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// processDetached runs outside the request. A panic leaves the row in
// received for the sweep to pick up again.
func (s *WebhookServiceImpl) processDetached(wh Webhook) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Webhook processing panicked",
				zap.String("webhook_id", wh.ID.Hex()),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	if _, err := s.process(ctx, &wh); err != nil {
		s.logger.Error("Failed to claim webhook", zap.String("webhook_id", wh.ID.Hex()), zap.Error(err))
	}
}

// process claims the row and turns it into an import task. It reports false
// when the row is processed already or another worker holds it.
func (s *WebhookServiceImpl) process(ctx context.Context, wh *Webhook) (bool, error) {
	token := uuid.NewString()
	now := s.now()
	claimed, err := s.Repo.Claim(ctx, wh.ID, token, now, now.Add(-s.cfg.ReprocessAfter))
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	log := s.logger.With(zap.String("webhook_id", wh.ID.Hex()), zap.String("system_id", wh.SystemID.Hex()))
	defer func() {
		if r := recover(); r != nil {
			if err := s.Repo.Release(context.Background(), wh.ID, token); err != nil {
				log.Error("Failed to release webhook claim", zap.Error(err))
			}
			panic(r)
		}
	}()

	taskID, err := s.enqueue(ctx, claimed)
	if err != nil {
		log.Warn("Webhook processing failed", zap.Error(err))
		if markErr := s.Repo.MarkFailed(ctx, wh.ID, token, err.Error(), s.now()); markErr != nil {
			log.Error("Failed to mark webhook failed", zap.Error(markErr))
		}
		return true, nil
	}

	// a failed write leaves the claim to expire; the task is found again by webhook id
	if err := s.Repo.MarkProcessed(ctx, wh.ID, token, taskID, s.now()); err != nil {
		log.Error("Failed to mark webhook processed", zap.Error(err))
		return true, nil
	}
	log.Info("Webhook processed", zap.String("task_id", taskID.Hex()))
	return true, nil
}

func (s *WebhookServiceImpl) enqueue(ctx context.Context, wh *Webhook) (primitive.ObjectID, error) {
	module, err := ParseEvent(wh.Event)
	if err != nil {
		return primitive.NilObjectID, apperr.Field("event", err.Error())
	}

	payload, err := recordPayload(wh.RawPayload)
	if err != nil {
		return primitive.NilObjectID, err
	}

	mappings, err := s.Mappings.GetMappings(ctx, wh.SystemID, module)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to load field mappings: %w", err)
	}
	if len(mappings) == 0 {
		return primitive.NilObjectID, &apperr.MappingError{Reason: fmt.Sprintf("no field mappings configured for %s", module)}
	}

	webhookID := wh.ID
	task, _, err := s.Sync.ScheduleSyncTask(ctx, wh.SystemID.Hex(), module, models.OperationImport, synctask.ScheduleOptions{
		Priority:    taskPriority,
		DataPayload: payload,
		ExecuteNow:  s.cfg.ExecuteNow,
		Source:      synctask.SourceWebhook,
		WebhookID:   &webhookID,
	})
	if task != nil {
		// the task is queued even if running it right away failed
		if err != nil {
			s.logger.Warn("Immediate execution of webhook task failed", zap.String("task_id", task.ID.Hex()), zap.Error(err))
		}
		return task.ID, nil
	}
	return primitive.NilObjectID, err
}

// recordPayload turns the stored body into a task payload: the body without
// its event name, or its "data" member when that holds the record(s).
func recordPayload(raw string) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, apperr.Field("payload", "must be a JSON object")
	}
	delete(body, "event")

	switch data := body["data"].(type) {
	case map[string]any:
		body = data
	case []any:
		body = map[string]any{synctask.PayloadRecordsKey: data}
	}

	if len(body) == 0 {
		return nil, apperr.Field("payload", "carries no record")
	}
	return body, nil
}

func (s *WebhookServiceImpl) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	return s.Repo.Get(ctx, id)
}

func (s *WebhookServiceImpl) ListWebhooks(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]Webhook, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.Repo.ListBySystem(ctx, systemID, status, limit)
}

func (s *WebhookServiceImpl) Reprocess(ctx context.Context, id string) (*Webhook, error) {
	wh, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wh.Status == StatusProcessed {
		return nil, apperr.Field("status", "webhook was already processed")
	}

	ran, err := s.process(ctx, wh)
	if err != nil {
		return nil, &apperr.PersistenceError{Op: "claim webhook", Err: err}
	}
	if !ran {
		return nil, apperr.Field("status", "webhook is being processed")
	}
	return s.Repo.Get(ctx, id)
}

func (s *WebhookServiceImpl) ReprocessStale(ctx context.Context) (int, error) {
	stale, err := s.Repo.ListStale(ctx, s.now().Add(-s.cfg.ReprocessAfter), 100)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range stale {
		ran, err := s.process(ctx, &stale[i])
		if err != nil {
			return count, err
		}
		if ran {
			count++
		}
	}
	if count > 0 {
		s.logger.Info("Reprocessed stale webhooks", zap.Int("count", count))
	}
	return count, nil
}
