package synctask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/connectors"
	"school-integration/internal/features/idmapping"
	"school-integration/internal/features/mapping"
	"school-integration/internal/features/schoolsystem"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorDetails = 20

// outcome is what a successful run hands to the commit.
type outcome struct {
	externalID    string
	idMapping     *idmapping.IdMapping
	removeMapping bool
	imported      []importedRecord

	processed int
	succeeded int
	failed    int
	details   []string
}

type importedRecord struct {
	externalID string
	internalID string
	data       map[string]any
}

func (o *outcome) fail(msg string) {
	o.failed++
	if len(o.details) < maxErrorDetails {
		o.details = append(o.details, msg)
	}
}

// ExecuteSyncTask claims and runs one task. Run failures are recorded on the
// task and in the history. A commit that fails is recorded the same way; only
// load and claim failures, a lost lease and an unrecordable failure are returned.
func (s *SyncServiceImpl) ExecuteSyncTask(ctx context.Context, taskID string) (*ExecutionResult, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result := &ExecutionResult{TaskID: taskID, Status: task.Status}
	if !task.Executable() {
		result.Reason = "not executable"
		return result, nil
	}

	system, err := s.systems.GetSystem(ctx, task.SystemID.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to load system for task %s: %w", taskID, err)
	}
	if !system.AcceptsSync() {
		result.Reason = fmt.Sprintf("system is %s", system.Status)
		return result, nil
	}

	token := uuid.NewString()
	claimed, err := s.tasks.Claim(ctx, task.ID, token, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	if claimed == nil {
		result.Reason = "claimed by another worker"
		return result, nil
	}

	log := s.logger.With(
		zap.String("task_id", taskID),
		zap.String("system_id", system.ID.Hex()),
		zap.String("module", string(claimed.Module)),
		zap.String("operation", string(claimed.Operation)),
	)

	started := s.now()
	out, runErr := s.run(ctx, system, claimed)
	if runErr != nil {
		log.Warn("Sync task failed", zap.Error(runErr), zap.Int("attempt", claimed.Attempts+1))
		return s.commitFailure(ctx, claimed, token, started, out, runErr)
	}

	log.Info("Sync task completed",
		zap.Int("records_succeeded", out.succeeded),
		zap.Int("records_failed", out.failed),
	)
	return s.commitSuccess(ctx, claimed, token, started, out)
}

func (s *SyncServiceImpl) run(ctx context.Context, system *schoolsystem.SchoolSystem, task *SyncTask) (*outcome, error) {
	mappings, err := s.mappings.GetMappings(ctx, system.ID, task.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to load field mappings: %w", err)
	}
	if len(mappings) == 0 {
		return nil, &apperr.MappingError{Reason: fmt.Sprintf("no field mappings configured for %s", task.Module)}
	}

	conn, err := s.factory.New(system.ConnectorConfig())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	switch task.Operation {
	case models.OperationExport, models.OperationUpdate:
		return s.runExport(ctx, system, task, mappings, conn)
	case models.OperationDelete:
		return s.runDelete(ctx, system, task, mappings, conn)
	case models.OperationImport:
		return s.runImport(ctx, system, task, mappings, conn)
	}
	return nil, apperr.Field("operation", fmt.Sprintf("unknown operation %q", task.Operation))
}

// internalRecord returns the record an outbound task works on and its
// platform ID.
func (s *SyncServiceImpl) internalRecord(ctx context.Context, task *SyncTask) (map[string]any, string, error) {
	rec := task.DataPayload
	if len(rec) == 0 {
		if task.DataID == "" {
			return nil, "", &apperr.MappingError{Reason: "task has neither data_id nor data_payload"}
		}
		var err error
		rec, err = s.records.Get(ctx, task.Module, task.DataID)
		if err != nil {
			return nil, "", err
		}
	}

	id := task.DataID
	if id == "" {
		if v, ok := rec["id"]; ok && v != nil {
			id = fmt.Sprint(v)
		}
	}
	if id == "" {
		return nil, "", &apperr.MappingError{Field: "id", Reason: "is required"}
	}
	return rec, id, nil
}

func (s *SyncServiceImpl) target(ctx context.Context, system *schoolsystem.SchoolSystem, task *SyncTask, op models.Operation, mappings []mapping.FieldMapping) (connectors.Target, error) {
	endpoint, err := s.systems.ResolveEndpoint(ctx, system.ID, task.Module, op)
	if err != nil {
		return connectors.Target{}, err
	}
	target := endpoint.Target()
	if pk := mapping.PrimaryKey(mappings); pk != nil {
		target.KeyField = pk.ExternalField
	}
	return target, nil
}

func (s *SyncServiceImpl) runExport(ctx context.Context, system *schoolsystem.SchoolSystem, task *SyncTask, mappings []mapping.FieldMapping, conn connectors.Connector) (*outcome, error) {
	out := &outcome{processed: 1}

	rec, internalID, err := s.internalRecord(ctx, task)
	if err != nil {
		return out, err
	}

	payload, err := mapping.ApplyMapping(rec, mappings, models.Outbound)
	if err != nil {
		return out, err
	}

	idMap, created, err := s.idmaps.ResolveOrCreateMapping(ctx, system.ID, task.Module.EntityType(), internalID, "")
	if err != nil {
		return out, err
	}

	op, externalID := models.OperationExport, ""
	if !created {
		op, externalID = models.OperationUpdate, idMap.ExternalID
	}

	target, err := s.target(ctx, system, task, op, mappings)
	if err != nil {
		return out, err
	}

	pushedID, err := conn.Push(ctx, target, externalID, payload)
	if err != nil {
		return out, err
	}
	if pushedID == "" {
		pushedID = externalID
	}

	idMap.ExternalID = pushedID
	out.externalID = pushedID
	out.idMapping = idMap
	out.succeeded = 1
	return out, nil
}

func (s *SyncServiceImpl) runDelete(ctx context.Context, system *schoolsystem.SchoolSystem, task *SyncTask, mappings []mapping.FieldMapping, conn connectors.Connector) (*outcome, error) {
	out := &outcome{processed: 1}

	internalID := task.DataID
	if internalID == "" {
		if v, ok := task.DataPayload["id"]; ok && v != nil {
			internalID = fmt.Sprint(v)
		}
	}
	if internalID == "" {
		return out, &apperr.MappingError{Field: "id", Reason: "is required"}
	}

	idMap, created, err := s.idmaps.ResolveOrCreateMapping(ctx, system.ID, task.Module.EntityType(), internalID, "")
	if err != nil {
		return out, err
	}
	if created || idMap.ExternalID == "" {
		return out, &apperr.MappingError{Field: "id", Reason: "has no external id mapping"}
	}

	target, err := s.target(ctx, system, task, models.OperationDelete, mappings)
	if err != nil {
		return out, err
	}
	if err := conn.Remove(ctx, target, idMap.ExternalID); err != nil {
		return out, err
	}

	out.externalID = idMap.ExternalID
	out.idMapping = idMap
	out.removeMapping = true
	out.succeeded = 1
	return out, nil
}

func (s *SyncServiceImpl) runImport(ctx context.Context, system *schoolsystem.SchoolSystem, task *SyncTask, mappings []mapping.FieldMapping, conn connectors.Connector) (*outcome, error) {
	out := &outcome{}

	incoming, err := s.importRecords(ctx, system, task, mappings, conn)
	if err != nil {
		return out, err
	}

	entity := task.Module.EntityType()
	for i, raw := range incoming {
		out.processed++

		data, err := mapping.ApplyMapping(raw, mappings, models.Inbound)
		if err != nil {
			out.fail(fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		rec := importedRecord{data: data, externalID: mapping.ExternalKey(raw, mappings)}
		if rec.externalID != "" {
			existing, err := s.idmaps.FindByExternal(ctx, system.ID, entity, rec.externalID)
			if err != nil {
				return out, fmt.Errorf("failed to resolve external id %s: %w", rec.externalID, err)
			}
			if existing != nil {
				rec.internalID = existing.InternalID
			}
		}

		out.imported = append(out.imported, rec)
		out.succeeded++
	}

	if out.processed > 0 && out.succeeded == 0 {
		return out, &apperr.MappingError{Reason: fmt.Sprintf("all %d records failed mapping: %s", out.failed, out.details[0])}
	}
	return out, nil
}

// importRecords returns the external records an import works on: a batch
// under _records, a pull when the payload is empty or carries _query, or the
// payload itself as one record.
func (s *SyncServiceImpl) importRecords(ctx context.Context, system *schoolsystem.SchoolSystem, task *SyncTask, mappings []mapping.FieldMapping, conn connectors.Connector) ([]map[string]any, error) {
	payload := task.DataPayload

	if batch, ok := payload[PayloadRecordsKey]; ok {
		items, ok := batch.([]any)
		if !ok {
			return nil, &apperr.MappingError{Field: PayloadRecordsKey, Reason: "must be an array of objects"}
		}
		records := make([]map[string]any, 0, len(items))
		for i, item := range items {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, &apperr.MappingError{Field: fmt.Sprintf("%s[%d]", PayloadRecordsKey, i), Reason: "must be an object"}
			}
			records = append(records, rec)
		}
		return records, nil
	}

	q, hasQuery := payload[PayloadQueryKey]
	if len(payload) > 0 && !hasQuery {
		return []map[string]any{payload}, nil
	}

	query := connectors.PullQuery{}
	if qm, ok := q.(map[string]any); ok {
		if f, ok := qm["filters"].(map[string]any); ok {
			query.Filters = f
		}
		switch l := qm["limit"].(type) {
		case float64:
			query.Limit = int64(l)
		case int64:
			query.Limit = l
		case int:
			query.Limit = int64(l)
		}
	}

	target, err := s.target(ctx, system, task, models.OperationImport, mappings)
	if err != nil {
		return nil, err
	}
	return conn.Pull(ctx, target, query)
}

func (s *SyncServiceImpl) historyRow(task *SyncTask, started time.Time, out *outcome) *SyncHistory {
	finished := s.now()
	h := &SyncHistory{
		SystemID:   task.SystemID,
		TaskID:     task.ID,
		Module:     task.Module,
		EntityType: task.Module.EntityType(),
		Direction:  task.Operation.Direction(),
		Operation:  task.Operation,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
	}
	if out != nil {
		h.RecordsProcessed = out.processed
		h.RecordsSucceeded = out.succeeded
		h.RecordsFailed = out.failed
		h.ErrorDetails = out.details
	}
	return h
}

func (s *SyncServiceImpl) commitSuccess(ctx context.Context, task *SyncTask, token string, started time.Time, out *outcome) (*ExecutionResult, error) {
	history := s.historyRow(task, started, out)
	history.Status = HistorySuccess
	entity := task.Module.EntityType()

	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.tasks.Complete(ctx, task.ID, token, history.FinishedAt); err != nil {
			return err
		}

		switch {
		case out.removeMapping:
			if err := s.idmaps.RemoveMapping(ctx, task.SystemID, entity, out.idMapping.InternalID); err != nil {
				return err
			}
		case out.idMapping != nil:
			if err := s.idmaps.RecordMapping(ctx, out.idMapping); err != nil {
				return err
			}
		}

		for _, rec := range out.imported {
			internalID, err := s.records.Upsert(ctx, task.Module, rec.internalID, rec.data)
			if err != nil {
				return err
			}
			if rec.externalID == "" {
				continue
			}
			if err := s.idmaps.RecordMapping(ctx, &idmapping.IdMapping{
				SystemID:       task.SystemID,
				InternalEntity: entity,
				InternalID:     internalID,
				ExternalEntity: string(entity),
				ExternalID:     rec.externalID,
			}); err != nil {
				return err
			}
		}

		if err := s.history.Create(ctx, history); err != nil {
			return err
		}
		return s.systemRep.RecordSuccess(ctx, task.SystemID, history.FinishedAt)
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			s.logger.Warn("Sync task lease lost before commit", zap.String("task_id", task.ID.Hex()))
			return nil, fmt.Errorf("failed to commit task %s: %w", task.ID.Hex(), err)
		}
		// nothing of the run was kept, so it counts as a failed attempt
		s.logger.Error("Failed to commit sync task", zap.String("task_id", task.ID.Hex()), zap.Error(err))
		lost := &outcome{processed: out.processed, failed: out.processed}
		return s.commitFailure(ctx, task, token, started, lost, &apperr.PersistenceError{Op: "commit task", Err: err})
	}

	return &ExecutionResult{
		TaskID:           task.ID.Hex(),
		Executed:         true,
		Status:           StatusCompleted,
		ExternalID:       out.externalID,
		RecordsProcessed: out.processed,
		RecordsSucceeded: out.succeeded,
		RecordsFailed:    out.failed,
	}, nil
}

func (s *SyncServiceImpl) commitFailure(ctx context.Context, task *SyncTask, token string, started time.Time, out *outcome, runErr error) (*ExecutionResult, error) {
	attempts := task.Attempts + 1
	status := StatusPending
	next := s.now().Add(Backoff(attempts, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, s.jitter))
	if !apperr.IsRetryable(runErr) || attempts >= task.MaxAttempts {
		status = StatusFailed
	}

	history := s.historyRow(task, started, out)
	history.Status = HistoryFailed
	if history.RecordsProcessed == 0 {
		history.RecordsProcessed = 1
	}
	if history.RecordsFailed == 0 {
		history.RecordsFailed = history.RecordsProcessed - history.RecordsSucceeded
	}
	history.ErrorDetails = append([]string{runErr.Error()}, history.ErrorDetails...)

	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.tasks.Fail(ctx, task.ID, token, FailureUpdate{
			Status:        status,
			Attempts:      attempts,
			LastError:     runErr.Error(),
			NextAttemptAt: next,
		}); err != nil {
			return err
		}
		if err := s.history.Create(ctx, history); err != nil {
			return err
		}
		return s.systemRep.RecordFailure(ctx, task.SystemID, history.FinishedAt, s.cfg.SystemErrorThreshold)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failure of task %s: %w", task.ID.Hex(), err)
	}

	return &ExecutionResult{
		TaskID:           task.ID.Hex(),
		Executed:         true,
		Status:           status,
		RecordsProcessed: history.RecordsProcessed,
		RecordsSucceeded: history.RecordsSucceeded,
		RecordsFailed:    history.RecordsFailed,
		Error:            runErr.Error(),
	}, nil
}
