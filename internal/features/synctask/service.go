package synctask

import (
	"context"
	"fmt"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/config"
	"school-integration/internal/connectors"
	"school-integration/internal/database"
	"school-integration/internal/features/idmapping"
	"school-integration/internal/features/mapping"
	"school-integration/internal/features/record"
	"school-integration/internal/features/schoolsystem"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type SyncService interface {
	ScheduleSyncTask(ctx context.Context, systemID string, module models.Module, op models.Operation, opts ScheduleOptions) (*SyncTask, *ExecutionResult, error)
	ExecuteSyncTask(ctx context.Context, taskID string) (*ExecutionResult, error)
	ListDue(ctx context.Context, limit int64) ([]SyncTask, error)
	ResetExpiredLeases(ctx context.Context) (int64, error)

	GetTask(ctx context.Context, id string) (*SyncTask, error)
	ListTasks(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]SyncTask, error)
	CancelTask(ctx context.Context, id string) (*SyncTask, error)
	RetryTask(ctx context.Context, id string) (*SyncTask, error)

	TriggerSync(ctx context.Context, system *schoolsystem.SchoolSystem, req TriggerRequest) (*TriggerResult, error)
	SyncStatus(ctx context.Context, system *schoolsystem.SchoolSystem, module models.Module) (*StatusReport, error)
	ListHistory(ctx context.Context, systemID primitive.ObjectID, module models.Module, limit int64) ([]SyncHistory, error)
}

type SyncServiceImpl struct {
	tasks     TaskRepository
	history   HistoryRepository
	systems   schoolsystem.SystemService
	systemRep schoolsystem.SystemRepository
	mappings  mapping.MappingService
	idmaps    idmapping.IdMappingService
	records   record.RecordStore
	factory   connectors.Factory
	tx        database.TxRunner
	cfg       config.SyncConfig
	logger    *zap.Logger

	now    func() time.Time
	jitter func() float64
}

func NewSyncService(
	tasks TaskRepository,
	history HistoryRepository,
	systems schoolsystem.SystemService,
	systemRep schoolsystem.SystemRepository,
	mappings mapping.MappingService,
	idmaps idmapping.IdMappingService,
	records record.RecordStore,
	factory connectors.Factory,
	tx database.TxRunner,
	cfg *config.Config,
	logger *zap.Logger,
) SyncService {
	return &SyncServiceImpl{
		tasks:     tasks,
		history:   history,
		systems:   systems,
		systemRep: systemRep,
		mappings:  mappings,
		idmaps:    idmaps,
		records:   records,
		factory:   factory,
		tx:        tx,
		cfg:       cfg.Sync,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *SyncServiceImpl) ScheduleSyncTask(ctx context.Context, systemID string, module models.Module, op models.Operation, opts ScheduleOptions) (*SyncTask, *ExecutionResult, error) {
	if !module.Valid() {
		return nil, nil, apperr.Field("module", fmt.Sprintf("unknown module %q", module))
	}
	if !op.Valid() {
		return nil, nil, apperr.Field("operation", fmt.Sprintf("unknown operation %q", op))
	}

	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, nil, apperr.Field("priority", fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority))
	}

	system, err := s.systems.GetSystem(ctx, systemID)
	if err != nil {
		return nil, nil, err
	}

	// a webhook processed twice keeps the task queued the first time
	if opts.WebhookID != nil {
		existing, err := s.tasks.FindByWebhook(ctx, *opts.WebhookID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to look up webhook task: %w", err)
		}
		if existing != nil {
			return existing, nil, nil
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := s.now()
	scheduledFor := now
	if opts.ScheduledFor != nil {
		scheduledFor = *opts.ScheduledFor
	}
	source := opts.Source
	if source == "" {
		source = SourceManual
	}

	task := &SyncTask{
		SystemID:      system.ID,
		Module:        module,
		Operation:     op,
		Priority:      priority,
		Status:        StatusPending,
		DataID:        opts.DataID,
		DataPayload:   opts.DataPayload,
		ScheduledFor:  scheduledFor,
		NextAttemptAt: scheduledFor,
		MaxAttempts:   maxAttempts,
		Source:        source,
		WebhookID:     opts.WebhookID,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("failed to create sync task: %w", err)
	}

	s.logger.Info("Sync task scheduled",
		zap.String("task_id", task.ID.Hex()),
		zap.String("system_id", system.ID.Hex()),
		zap.String("module", string(module)),
		zap.String("operation", string(op)),
		zap.Int("priority", priority),
	)

	if !opts.ExecuteNow {
		return task, nil, nil
	}

	result, err := s.ExecuteSyncTask(ctx, task.ID.Hex())
	if err != nil {
		return task, nil, err
	}
	return task, result, nil
}

func (s *SyncServiceImpl) ListDue(ctx context.Context, limit int64) ([]SyncTask, error) {
	if limit <= 0 {
		limit = 50
	}
	idle, err := s.systemRep.ListIdleIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle systems: %w", err)
	}
	return s.tasks.ListDue(ctx, s.now(), limit, idle)
}

func (s *SyncServiceImpl) ResetExpiredLeases(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.tasks.ResetExpiredLeases(ctx, now.Add(-s.cfg.LeaseTimeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Reset expired task leases", zap.Int64("count", n))
	}
	return n, nil
}

func (s *SyncServiceImpl) GetTask(ctx context.Context, id string) (*SyncTask, error) {
	return s.tasks.Get(ctx, id)
}

func (s *SyncServiceImpl) ListTasks(ctx context.Context, systemID primitive.ObjectID, status Status, limit int64) ([]SyncTask, error) {
	switch status {
	case "", StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return nil, apperr.Field("status", fmt.Sprintf("unknown status %q", status))
	}
	if limit <= 0 {
		limit = 100
	}
	return s.tasks.ListBySystem(ctx, systemID, status, limit)
}

func (s *SyncServiceImpl) CancelTask(ctx context.Context, id string) (*SyncTask, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.NotFound("sync task", id)
	}
	task, err := s.tasks.Cancel(ctx, oid)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Sync task cancelled", zap.String("task_id", id))
	return task, nil
}

func (s *SyncServiceImpl) RetryTask(ctx context.Context, id string) (*SyncTask, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.NotFound("sync task", id)
	}
	return s.tasks.Retry(ctx, oid, s.now())
}

// TriggerSync schedules the tasks of a manual sync. Exports get one task per
// record, imports a single pull task.
func (s *SyncServiceImpl) TriggerSync(ctx context.Context, system *schoolsystem.SchoolSystem, req TriggerRequest) (*TriggerResult, error) {
	module, err := models.ParseModule(req.EntityType)
	if err != nil {
		return nil, apperr.Field("entityType", err.Error())
	}
	dir, err := models.ParseDirection(req.Direction)
	if err != nil {
		return nil, apperr.Field("direction", err.Error())
	}

	opts := ScheduleOptions{
		Priority:   req.Priority,
		ExecuteNow: req.ExecuteNow,
		Source:     SourceManual,
	}
	result := &TriggerResult{TaskIDs: []string{}}

	schedule := func(op models.Operation, o ScheduleOptions) error {
		task, res, err := s.ScheduleSyncTask(ctx, system.ID.Hex(), module, op, o)
		if err != nil {
			return err
		}
		result.Scheduled++
		result.TaskIDs = append(result.TaskIDs, task.ID.Hex())
		if res != nil {
			result.Results = append(result.Results, *res)
		}
		return nil
	}

	if dir == models.Inbound {
		query := map[string]any{}
		if len(req.Filters) > 0 {
			query["filters"] = req.Filters
		}
		if req.Limit > 0 {
			query["limit"] = req.Limit
		}
		opts.DataPayload = map[string]any{PayloadQueryKey: query}
		if err := schedule(models.OperationImport, opts); err != nil {
			return nil, err
		}
		return result, nil
	}

	if req.DataID != "" {
		opts.DataID = req.DataID
		if err := schedule(models.OperationExport, opts); err != nil {
			return nil, err
		}
		return result, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.records.List(ctx, module, req.Filters, limit)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		o := opts
		o.DataID = id
		if err := schedule(models.OperationExport, o); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *SyncServiceImpl) SyncStatus(ctx context.Context, system *schoolsystem.SchoolSystem, module models.Module) (*StatusReport, error) {
	last, err := s.history.Latest(ctx, system.ID, module)
	if err != nil {
		return nil, err
	}
	counts, err := s.tasks.CountByStatus(ctx, system.ID, module)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Module:      module,
		LastSync:    last,
		TaskCounts:  counts,
		LastSyncAt:  system.LastSyncAt,
		SystemState: string(system.Status),
	}, nil
}

func (s *SyncServiceImpl) ListHistory(ctx context.Context, systemID primitive.ObjectID, module models.Module, limit int64) ([]SyncHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.history.List(ctx, systemID, module, limit)
}
