package synctask

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/config"
	"school-integration/internal/connectors"
	"school-integration/internal/features/idmapping"
	"school-integration/internal/features/mapping"
	"school-integration/internal/features/schoolsystem"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type memTasks struct {
	mu   sync.Mutex
	rows map[primitive.ObjectID]*SyncTask
}

func (m *memTasks) copyOf(t *SyncTask) *SyncTask {
	c := *t
	return &c
}

func (m *memTasks) Create(_ context.Context, task *SyncTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID.IsZero() {
		task.ID = primitive.NewObjectID()
	}
	task.CreatedAt = time.Now()
	m.rows[task.ID] = m.copyOf(task)
	return nil
}

func (m *memTasks) Get(_ context.Context, id string) (*SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid, _ := primitive.ObjectIDFromHex(id)
	t, ok := m.rows[oid]
	if !ok {
		return nil, apperr.NotFound("sync task", id)
	}
	return m.copyOf(t), nil
}

func (m *memTasks) Claim(_ context.Context, id primitive.ObjectID, token string, now time.Time) (*SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || !t.Executable() {
		return nil, nil
	}
	t.Status = StatusInProgress
	t.ClaimedBy = token
	t.ClaimedAt = &now
	return m.copyOf(t), nil
}

func (m *memTasks) Complete(_ context.Context, id primitive.ObjectID, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.Status != StatusInProgress || t.ClaimedBy != token {
		return ErrLeaseLost
	}
	t.Status = StatusCompleted
	t.CompletedAt = &at
	t.LastError = ""
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	return nil
}

func (m *memTasks) Fail(_ context.Context, id primitive.ObjectID, token string, u FailureUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || t.Status != StatusInProgress || t.ClaimedBy != token {
		return ErrLeaseLost
	}
	t.Status = u.Status
	t.Attempts = u.Attempts
	t.LastError = u.LastError
	t.NextAttemptAt = u.NextAttemptAt
	t.ClaimedBy = ""
	t.ClaimedAt = nil
	return nil
}

func (m *memTasks) ListDue(_ context.Context, now time.Time, limit int64, skipSystems []primitive.ObjectID) ([]SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := map[primitive.ObjectID]bool{}
	for _, id := range skipSystems {
		skip[id] = true
	}
	var out []SyncTask
	for _, t := range m.rows {
		if t.Status == StatusPending && !t.NextAttemptAt.After(now) && !skip[t.SystemID] {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) ListBySystem(_ context.Context, systemID primitive.ObjectID, status Status, _ int64) ([]SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SyncTask
	for _, t := range m.rows {
		if t.SystemID == systemID && (status == "" || t.Status == status) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTasks) FindByWebhook(_ context.Context, webhookID primitive.ObjectID) (*SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.WebhookID != nil && *t.WebhookID == webhookID {
			return m.copyOf(t), nil
		}
	}
	return nil, nil
}

func (m *memTasks) ResetExpiredLeases(_ context.Context, before, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.rows {
		if t.Status == StatusInProgress && t.ClaimedAt != nil && t.ClaimedAt.Before(before) {
			t.Status = StatusPending
			t.LastError = "lease expired"
			t.NextAttemptAt = now
			t.ClaimedBy = ""
			t.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memTasks) Cancel(_ context.Context, id primitive.ObjectID) (*SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, apperr.NotFound("sync task", id.Hex())
	}
	if t.Status != StatusPending {
		return nil, apperr.Field("status", "only pending tasks can be cancelled")
	}
	t.Status = StatusFailed
	t.LastError = "cancelled"
	t.Attempts = t.MaxAttempts
	return m.copyOf(t), nil
}

func (m *memTasks) Retry(_ context.Context, id primitive.ObjectID, now time.Time) (*SyncTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, apperr.NotFound("sync task", id.Hex())
	}
	if t.Status != StatusFailed || t.Attempts >= t.MaxAttempts {
		return nil, apperr.Field("status", "only failed tasks with attempts left can be retried")
	}
	t.Status = StatusPending
	t.NextAttemptAt = now
	return m.copyOf(t), nil
}

func (m *memTasks) CountByStatus(_ context.Context, systemID primitive.ObjectID, module models.Module) (map[Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[Status]int64{StatusPending: 0, StatusInProgress: 0, StatusCompleted: 0, StatusFailed: 0}
	for _, t := range m.rows {
		if t.SystemID == systemID && (module == "" || t.Module == module) {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func (m *memTasks) EnsureIndexes(context.Context) error { return nil }

type memHistory struct {
	mu   sync.Mutex
	rows []SyncHistory
}

func (m *memHistory) Create(_ context.Context, h *SyncHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = primitive.NewObjectID()
	m.rows = append(m.rows, *h)
	return nil
}

func (m *memHistory) Latest(_ context.Context, systemID primitive.ObjectID, module models.Module) (*SyncHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].SystemID == systemID && (module == "" || m.rows[i].Module == module) {
			h := m.rows[i]
			return &h, nil
		}
	}
	return nil, nil
}

func (m *memHistory) List(_ context.Context, systemID primitive.ObjectID, module models.Module, _ int64) ([]SyncHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SyncHistory
	for _, h := range m.rows {
		if h.SystemID == systemID && (module == "" || h.Module == module) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memHistory) EnsureIndexes(context.Context) error { return nil }

type memSystems struct {
	mu   sync.Mutex
	rows map[primitive.ObjectID]*schoolsystem.SchoolSystem
}

func (m *memSystems) Create(_ context.Context, s *schoolsystem.SchoolSystem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID.IsZero() {
		s.ID = primitive.NewObjectID()
	}
	c := *s
	m.rows[s.ID] = &c
	return nil
}

func (m *memSystems) Get(_ context.Context, id string) (*schoolsystem.SchoolSystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid, _ := primitive.ObjectIDFromHex(id)
	s, ok := m.rows[oid]
	if !ok {
		return nil, apperr.NotFound("school system", id)
	}
	c := *s
	return &c, nil
}

func (m *memSystems) ListBySchool(_ context.Context, schoolID string) ([]schoolsystem.SchoolSystem, error) {
	return nil, nil
}

func (m *memSystems) Update(_ context.Context, id string, updates map[string]interface{}) error {
	return nil
}

func (m *memSystems) RecordSuccess(_ context.Context, id primitive.ObjectID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.LastSyncAt = &at
	s.ErrorCount = 0
	if s.Status == schoolsystem.StatusError {
		s.Status = schoolsystem.StatusActive
	}
	return nil
}

func (m *memSystems) RecordFailure(_ context.Context, id primitive.ObjectID, _ time.Time, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.ErrorCount++
	if threshold > 0 && s.ErrorCount >= threshold && s.Status == schoolsystem.StatusActive {
		s.Status = schoolsystem.StatusError
	}
	return nil
}

func (m *memSystems) ListIdleIDs(context.Context) ([]primitive.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []primitive.ObjectID
	for id, s := range m.rows {
		if !s.AcceptsSync() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memSystems) EnsureIndexes(context.Context) error { return nil }

type memEndpoints struct {
	rows []schoolsystem.Endpoint
}

func (m *memEndpoints) Upsert(_ context.Context, e *schoolsystem.Endpoint) error {
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memEndpoints) Find(_ context.Context, systemID primitive.ObjectID, module models.Module, op models.Operation) (*schoolsystem.Endpoint, error) {
	for _, e := range m.rows {
		if e.SystemID == systemID && e.Module == module && e.Operation == op {
			c := e
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memEndpoints) ListBySystem(_ context.Context, systemID primitive.ObjectID) ([]schoolsystem.Endpoint, error) {
	return m.rows, nil
}

func (m *memEndpoints) EnsureIndexes(context.Context) error { return nil }

type memMappings struct {
	rows []mapping.FieldMapping
}

func (m *memMappings) GetMappings(_ context.Context, systemID primitive.ObjectID, module models.Module) ([]mapping.FieldMapping, error) {
	var out []mapping.FieldMapping
	for _, fm := range m.rows {
		if fm.SystemID == systemID && fm.Module == module {
			out = append(out, fm)
		}
	}
	return out, nil
}

func (m *memMappings) SaveMappings(_ context.Context, systemID primitive.ObjectID, mappings []mapping.FieldMapping) ([]mapping.FieldMapping, error) {
	for i := range mappings {
		mappings[i].SystemID = systemID
	}
	m.rows = append(m.rows, mappings...)
	return mappings, nil
}

func (m *memMappings) DeleteMapping(context.Context, primitive.ObjectID, string) error { return nil }

type memIdMaps struct {
	mu   sync.Mutex
	rows map[string]idmapping.IdMapping
}

func idKey(systemID primitive.ObjectID, entity models.EntityType, internalID string) string {
	return systemID.Hex() + "/" + string(entity) + "/" + internalID
}

func (m *memIdMaps) FindByInternal(_ context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) (*idmapping.IdMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[idKey(systemID, entity, internalID)]; ok {
		return &row, nil
	}
	return nil, nil
}

func (m *memIdMaps) FindByExternal(_ context.Context, systemID primitive.ObjectID, entity models.EntityType, externalID string) (*idmapping.IdMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.SystemID == systemID && row.InternalEntity == entity && row.ExternalID == externalID {
			r := row
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memIdMaps) Upsert(_ context.Context, row *idmapping.IdMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[idKey(row.SystemID, row.InternalEntity, row.InternalID)] = *row
	return nil
}

func (m *memIdMaps) Delete(_ context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, idKey(systemID, entity, internalID))
	return nil
}

func (m *memIdMaps) EnsureIndexes(context.Context) error { return nil }

type memRecords struct {
	mu   sync.Mutex
	rows map[models.Module]map[string]map[string]any
	seq  int
}

func (m *memRecords) Get(_ context.Context, module models.Module, id string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[module][id]
	if !ok {
		return nil, apperr.NotFound(string(module.EntityType()), id)
	}
	return rec, nil
}

func (m *memRecords) List(_ context.Context, module models.Module, _ map[string]any, _ int64) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, rec := range m.rows[module] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memRecords) Upsert(_ context.Context, module models.Module, id string, data map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.seq++
		id = fmt.Sprintf("rec-new-%d", m.seq)
	}
	if m.rows[module] == nil {
		m.rows[module] = map[string]map[string]any{}
	}
	rec := map[string]any{"id": id}
	for k, v := range data {
		rec[k] = v
	}
	m.rows[module][id] = rec
	return id, nil
}

type directTx struct{}

func (directTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// rollbackTx restores the task and history stores when fn fails, like an
// aborted Mongo transaction.
type rollbackTx struct {
	tasks   *memTasks
	history *memHistory
}

func (r rollbackTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	r.tasks.mu.Lock()
	saved := make(map[primitive.ObjectID]*SyncTask, len(r.tasks.rows))
	for id, t := range r.tasks.rows {
		saved[id] = r.tasks.copyOf(t)
	}
	r.tasks.mu.Unlock()
	r.history.mu.Lock()
	historyLen := len(r.history.rows)
	r.history.mu.Unlock()

	err := fn(ctx)
	if err != nil {
		r.tasks.mu.Lock()
		r.tasks.rows = saved
		r.tasks.mu.Unlock()
		r.history.mu.Lock()
		r.history.rows = r.history.rows[:historyLen]
		r.history.mu.Unlock()
	}
	return err
}

// failingRecords rejects every upsert.
type failingRecords struct {
	*memRecords
	err error
}

func (f failingRecords) Upsert(context.Context, models.Module, string, map[string]any) (string, error) {
	return "", f.err
}

// harness wires a SyncService over in-memory stores.
type harness struct {
	svc       *SyncServiceImpl
	tasks     *memTasks
	history   *memHistory
	systems   *memSystems
	endpoints *memEndpoints
	mappings  *memMappings
	idmaps    *memIdMaps
	records   *memRecords
	system    *schoolsystem.SchoolSystem
	clock     time.Time
}

func newHarness(baseURL string) *harness {
	h := &harness{
		tasks:     &memTasks{rows: map[primitive.ObjectID]*SyncTask{}},
		history:   &memHistory{},
		systems:   &memSystems{rows: map[primitive.ObjectID]*schoolsystem.SchoolSystem{}},
		endpoints: &memEndpoints{},
		mappings:  &memMappings{},
		idmaps:    &memIdMaps{rows: map[string]idmapping.IdMapping{}},
		records:   &memRecords{rows: map[models.Module]map[string]map[string]any{}},
		clock:     time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC),
	}

	cfg := &config.Config{
		HTTPClientTimeout: 5 * time.Second,
		Sync: config.SyncConfig{
			MaxAttempts:          3,
			RetryBaseDelay:       30 * time.Second,
			RetryMaxDelay:        30 * time.Minute,
			LeaseTimeout:         10 * time.Minute,
			SystemErrorThreshold: 10,
		},
	}
	logger := zap.NewNop()
	factory := connectors.NewFactory(cfg)
	systemSvc := schoolsystem.NewSystemService(h.systems, h.endpoints, factory, logger)

	h.system = &schoolsystem.SchoolSystem{
		SchoolID:   "school-1",
		Name:       "Legacy SIS",
		SystemType: schoolsystem.SystemTypeSIS,
		Status:     schoolsystem.StatusActive,
		Connection: schoolsystem.Connection{BaseURL: baseURL, AuthType: schoolsystem.AuthNone},
	}
	_ = h.systems.Create(context.Background(), h.system)

	h.svc = NewSyncService(
		h.tasks, h.history, systemSvc, h.systems, h.mappings,
		idmapping.NewIdMappingService(h.idmaps), h.records, factory, directTx{}, cfg, logger,
	).(*SyncServiceImpl)
	h.svc.now = func() time.Time { return h.clock }
	h.svc.jitter = func() float64 { return 0.5 }
	return h
}

func (h *harness) endpoint(module models.Module, op models.Operation, url string) {
	_ = h.endpoints.Upsert(context.Background(), &schoolsystem.Endpoint{
		SystemID:    h.system.ID,
		Module:      module,
		Operation:   op,
		URLTemplate: url,
	})
}

func (h *harness) mapField(module models.Module, internal, external string, pk bool) {
	h.mappings.rows = append(h.mappings.rows, mapping.FieldMapping{
		SystemID:      h.system.ID,
		Module:        module,
		InternalField: internal,
		ExternalField: external,
		IsPrimaryKey:  pk,
	})
}

func (h *harness) task(id primitive.ObjectID) *SyncTask {
	h.tasks.mu.Lock()
	defer h.tasks.mu.Unlock()
	c := *h.tasks.rows[id]
	return &c
}

func mappingRow(h *harness, internal, external string, required bool) mapping.FieldMapping {
	return mapping.FieldMapping{
		SystemID:      h.system.ID,
		Module:        models.ModuleStudents,
		InternalField: internal,
		ExternalField: external,
		IsRequired:    required,
	}
}

func idmapRow(h *harness, internalID, externalID string) idmapping.IdMapping {
	return idmapping.IdMapping{
		SystemID:       h.system.ID,
		InternalEntity: models.EntityStudent,
		InternalID:     internalID,
		ExternalEntity: string(models.EntityStudent),
		ExternalID:     externalID,
	}
}
