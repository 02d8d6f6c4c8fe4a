package synctask

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/features/schoolsystem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestExecute_ExportCreatesThenUpdates(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	var methods []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		methods = append(methods, r.Method+" "+r.URL.Path)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"ext-42"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	h := newHarness(srv.URL)
	h.endpoint(models.ModuleStudents, models.OperationExport, "/students")
	h.mapField(models.ModuleStudents, "fullName", "student_name", false)
	_, _ = h.records.Upsert(ctx, models.ModuleStudents, "rec-1", map[string]any{"fullName": "Ada Lovelace"})

	task, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataID: "rec-1", ExecuteNow: true})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Executed)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "ext-42", res.ExternalID)
	assert.Equal(t, "Ada Lovelace", bodies[0]["student_name"])
	assert.NotContains(t, bodies[0], "fullName")

	stored := h.task(task.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.ClaimedBy)

	m, err := h.idmaps.FindByInternal(ctx, h.system.ID, models.EntityStudent, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ext-42", m.ExternalID)

	require.Len(t, h.history.rows, 1)
	assert.Equal(t, HistorySuccess, h.history.rows[0].Status)
	assert.Equal(t, 1, h.history.rows[0].RecordsSucceeded)
	assert.Equal(t, models.Outbound, h.history.rows[0].Direction)

	sys, _ := h.systems.Get(ctx, h.system.ID.Hex())
	require.NotNil(t, sys.LastSyncAt)
	assert.Equal(t, h.clock, *sys.LastSyncAt)

	// a second export of the same record goes to the update path
	_, res, err = h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataID: "rec-1", ExecuteNow: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "ext-42", res.ExternalID)
	assert.Equal(t, []string{"POST /students", "PUT /students/ext-42"}, methods)
	assert.Len(t, h.idmaps.rows, 1)
}

func TestExecute_ConnectionFailuresRetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	ctx := context.Background()
	h := newHarness(srv.URL)
	h.endpoint(models.ModuleStudents, models.OperationExport, "/students")
	h.mapField(models.ModuleStudents, "fullName", "student_name", false)

	task, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataPayload: map[string]any{"id": "rec-9", "fullName": "Alan"}, MaxAttempts: 3})
	require.NoError(t, err)

	expectedDelays := []time.Duration{30 * time.Second, 60 * time.Second}
	for i, delay := range expectedDelays {
		res, err := h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
		require.NoError(t, err)
		assert.True(t, res.Executed)
		assert.Equal(t, StatusPending, res.Status)

		stored := h.task(task.ID)
		assert.Equal(t, i+1, stored.Attempts)
		assert.Equal(t, h.clock.Add(delay), stored.NextAttemptAt)
	}

	res, err := h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	stored := h.task(task.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.LastError, "503")

	res, err = h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, "not executable", res.Reason)
	assert.Equal(t, 3, h.task(task.ID).Attempts)

	assert.Len(t, h.history.rows, 3)
	for _, row := range h.history.rows {
		assert.Equal(t, HistoryFailed, row.Status)
	}
	sys, _ := h.systems.Get(ctx, h.system.ID.Hex())
	assert.Equal(t, 3, sys.ErrorCount)
	assert.Nil(t, sys.LastSyncAt)
}

func TestExecute_MappingErrorIsTerminalButRetryable(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	ctx := context.Background()
	h := newHarness(srv.URL)
	h.endpoint(models.ModuleStudents, models.OperationExport, "/students")
	h.mappings.rows = append(h.mappings.rows, mappingRow(h, "email", "email_address", true))

	task, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataPayload: map[string]any{"id": "rec-3", "fullName": "No Email"}, ExecuteNow: true})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "email")
	assert.Zero(t, atomic.LoadInt32(&hits))

	stored := h.task(task.ID)
	assert.Equal(t, 1, stored.Attempts)

	retried, err := h.svc.RetryTask(ctx, task.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
}

func TestExecute_ClaimIsExclusive(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"id":"ext-1"}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	h := newHarness(srv.URL)
	h.endpoint(models.ModuleStudents, models.OperationExport, "/students")
	h.mapField(models.ModuleStudents, "fullName", "student_name", false)

	task, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataPayload: map[string]any{"id": "rec-1", "fullName": "Ada"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var executed int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
			if err == nil && res.Executed {
				atomic.AddInt32(&executed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	assert.Equal(t, StatusCompleted, h.task(task.ID).Status)

	claimed, err := h.tasks.Claim(ctx, task.ID, "late", h.clock)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestExecute_PausedSystemLeavesTaskAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")
	h.systems.rows[h.system.ID].Status = schoolsystem.StatusPaused

	task, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataID: "rec-1", ExecuteNow: true})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, "system is paused", res.Reason)

	stored := h.task(task.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)
	assert.Empty(t, h.history.rows)
}

func TestExecute_DeleteWithoutMappingFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")
	h.endpoint(models.ModuleStudents, models.OperationDelete, "/students")
	h.mapField(models.ModuleStudents, "fullName", "student_name", false)

	_, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationDelete,
		ScheduleOptions{DataID: "rec-404", ExecuteNow: true})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no external id mapping")
}

func TestExecute_DeleteRemovesMapping(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	h := newHarness(srv.URL)
	h.endpoint(models.ModuleStudents, models.OperationDelete, "/students/{external_id}")
	h.mapField(models.ModuleStudents, "fullName", "student_name", false)
	h.idmaps.rows[idKey(h.system.ID, models.EntityStudent, "rec-1")] = idmapRow(h, "rec-1", "ext-1")

	_, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationDelete,
		ScheduleOptions{DataID: "rec-1", ExecuteNow: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"DELETE /students/ext-1"}, paths)
	assert.Empty(t, h.idmaps.rows)
}

func TestExecute_ImportUpsertsByExternalID(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")
	h.mapField(models.ModuleStudents, "externalRef", "sid", true)
	h.mapField(models.ModuleStudents, "fullName", "student_name", false)

	for _, name := range []string{"Grace", "Grace Hopper"} {
		_, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationImport,
			ScheduleOptions{DataPayload: map[string]any{"sid": "S-1", "student_name": name}, ExecuteNow: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 1, res.RecordsSucceeded)
	}

	require.Len(t, h.records.rows[models.ModuleStudents], 1)
	m, _ := h.idmaps.FindByExternal(ctx, h.system.ID, models.EntityStudent, "S-1")
	require.NotNil(t, m)
	rec := h.records.rows[models.ModuleStudents][m.InternalID]
	assert.Equal(t, "Grace Hopper", rec["fullName"])
	assert.Equal(t, models.Inbound, h.history.rows[1].Direction)
}

func TestExecute_ImportBatchCountsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")
	h.mappings.rows = append(h.mappings.rows, mappingRow(h, "fullName", "name", true))

	batch := []any{
		map[string]any{"id": "A", "name": "Ok"},
		map[string]any{"id": "B"},
	}
	_, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationImport,
		ScheduleOptions{DataPayload: map[string]any{PayloadRecordsKey: batch}, ExecuteNow: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.RecordsProcessed)
	assert.Equal(t, 1, res.RecordsSucceeded)
	assert.Equal(t, 1, res.RecordsFailed)
	require.Len(t, h.history.rows, 1)
	assert.Len(t, h.history.rows[0].ErrorDetails, 1)

	_, res, err = h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationImport,
		ScheduleOptions{DataPayload: map[string]any{PayloadRecordsKey: []any{map[string]any{"id": "C"}}}, ExecuteNow: true})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestImport_PullsWithQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":[{"id":"X1","name":"One"},{"id":"X2","name":"Two"}]}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	h := newHarness(srv.URL)
	_ = h.endpoints.Upsert(ctx, &schoolsystem.Endpoint{
		SystemID:            h.system.ID,
		Module:              models.ModuleStudents,
		Operation:           models.OperationImport,
		URLTemplate:         "/students",
		ResponseRecordsPath: "data",
	})
	h.mapField(models.ModuleStudents, "fullName", "name", false)

	res, err := h.svc.TriggerSync(ctx, h.system, TriggerRequest{
		EntityType: "student",
		Direction:  "import",
		Filters:    map[string]any{"grade": "4"},
		Limit:      10,
		ExecuteNow: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 2, res.Results[0].RecordsSucceeded)
	assert.Contains(t, query, "grade=4")
	assert.Contains(t, query, "limit=10")
	assert.Len(t, h.records.rows[models.ModuleStudents], 2)
}

func TestTriggerSync_ExportSchedulesOnePerRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")
	_, _ = h.records.Upsert(ctx, models.ModuleCourses, "c1", map[string]any{"title": "Math"})
	_, _ = h.records.Upsert(ctx, models.ModuleCourses, "c2", map[string]any{"title": "Art"})

	res, err := h.svc.TriggerSync(ctx, h.system, TriggerRequest{EntityType: "courses", Direction: "export"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scheduled)
	assert.Len(t, res.TaskIDs, 2)
	assert.Empty(t, res.Results)

	due, err := h.svc.ListDue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")

	task, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleLeads, models.OperationExport,
		ScheduleOptions{DataID: "l1"})
	require.NoError(t, err)

	cancelled, err := h.svc.CancelTask(ctx, task.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.LastError)

	res, err := h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
	require.NoError(t, err)
	assert.False(t, res.Executed)

	var ve *apperr.ValidationError
	_, err = h.svc.CancelTask(ctx, task.ID.Hex())
	assert.ErrorAs(t, err, &ve)
	_, err = h.svc.RetryTask(ctx, task.ID.Hex())
	assert.ErrorAs(t, err, &ve)
}

func TestResetExpiredLeases(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")

	task, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataID: "rec-1"})
	require.NoError(t, err)

	_, err = h.tasks.Claim(ctx, task.ID, "crashed-worker", h.clock.Add(-11*time.Minute))
	require.NoError(t, err)

	n, err := h.svc.ResetExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stored := h.task(task.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, "lease expired", stored.LastError)
	assert.Zero(t, stored.Attempts)
	assert.Empty(t, stored.ClaimedBy)
}

func TestScheduleSyncTask_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")

	var ve *apperr.ValidationError
	_, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), "teachers", models.OperationExport, ScheduleOptions{})
	assert.ErrorAs(t, err, &ve)

	_, _, err = h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport, ScheduleOptions{Priority: 11})
	assert.ErrorAs(t, err, &ve)

	var nf *apperr.NotFoundError
	_, _, err = h.svc.ScheduleSyncTask(ctx, "64b000000000000000000000", models.ModuleStudents, models.OperationExport, ScheduleOptions{})
	assert.ErrorAs(t, err, &nf)

	task, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport, ScheduleOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, SourceManual, task.Source)
	assert.Equal(t, h.clock, task.NextAttemptAt)
}

func TestExecute_CommitFailureCountsAttempt(t *testing.T) {
	cases := map[string]struct {
		upsertErr error
		statuses  []Status
	}{
		"rejected record is terminal": {
			upsertErr: apperr.Field("id", "is not a valid record id"),
			statuses:  []Status{StatusFailed},
		},
		"write error retries until max attempts": {
			upsertErr: errors.New("write conflict"),
			statuses:  []Status{StatusPending, StatusPending, StatusFailed},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness("http://127.0.0.1:1")
			h.svc.tx = rollbackTx{tasks: h.tasks, history: h.history}
			h.svc.records = failingRecords{memRecords: h.records, err: tc.upsertErr}
			h.mapField(models.ModuleStudents, "externalRef", "sid", true)
			h.mapField(models.ModuleStudents, "fullName", "student_name", false)

			task, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationImport,
				ScheduleOptions{DataPayload: map[string]any{"sid": "S-9", "student_name": "Grace"}, MaxAttempts: 3})
			require.NoError(t, err)

			for i, want := range tc.statuses {
				res, err := h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
				require.NoError(t, err)
				assert.True(t, res.Executed)
				assert.Equal(t, want, res.Status)
				assert.Contains(t, res.Error, "commit task")

				stored := h.task(task.ID)
				assert.Equal(t, want, stored.Status)
				assert.Equal(t, i+1, stored.Attempts)
				assert.Empty(t, stored.ClaimedBy)

				// leases only cover running tasks, so a reset cannot undo the attempt
				n, err := h.svc.ResetExpiredLeases(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
			}

			if len(tc.statuses) == 3 {
				res, err := h.svc.ExecuteSyncTask(ctx, task.ID.Hex())
				require.NoError(t, err)
				assert.False(t, res.Executed)
			}

			assert.Empty(t, h.idmaps.rows)
			assert.Empty(t, h.records.rows[models.ModuleStudents])
			require.Len(t, h.history.rows, len(tc.statuses))
			for _, row := range h.history.rows {
				assert.Equal(t, HistoryFailed, row.Status)
				assert.Equal(t, 1, row.RecordsFailed)
			}
		})
	}
}

func TestListDue_SkipsIdleSystems(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")

	paused := &schoolsystem.SchoolSystem{SchoolID: "school-2", Name: "Old LMS", Status: schoolsystem.StatusPaused}
	require.NoError(t, h.systems.Create(ctx, paused))
	for i := 0; i < 2; i++ {
		_, _, err := h.svc.ScheduleSyncTask(ctx, paused.ID.Hex(), models.ModuleStudents, models.OperationExport,
			ScheduleOptions{DataID: "rec-p", Priority: 10})
		require.NoError(t, err)
	}
	active, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationExport,
		ScheduleOptions{DataID: "rec-a", Priority: 1})
	require.NoError(t, err)

	due, err := h.svc.ListDue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, active.ID, due[0].ID)

	h.systems.rows[paused.ID].Status = schoolsystem.StatusActive
	due, err = h.svc.ListDue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, paused.ID, due[0].SystemID)
}

func TestScheduleSyncTask_WebhookTaskIsReused(t *testing.T) {
	ctx := context.Background()
	h := newHarness("http://127.0.0.1:1")
	webhookID := primitive.NewObjectID()
	opts := ScheduleOptions{
		DataPayload: map[string]any{"sid": "S-1"},
		Source:      SourceWebhook,
		WebhookID:   &webhookID,
	}

	first, _, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationImport, opts)
	require.NoError(t, err)
	second, res, err := h.svc.ScheduleSyncTask(ctx, h.system.ID.Hex(), models.ModuleStudents, models.OperationImport, opts)
	require.NoError(t, err)

	assert.Nil(t, res)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.tasks.rows, 1)
}
