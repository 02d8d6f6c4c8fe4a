package scheduler

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"school-integration/internal/config"
	"school-integration/internal/features/synctask"
	"school-integration/internal/features/webhook"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type memRuns struct {
	mu   sync.Mutex
	runs []SweepRun
}

func (m *memRuns) Create(_ context.Context, run *SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = primitive.NewObjectID()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memRuns) Update(_ context.Context, run *SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = *run
		}
	}
	return nil
}

func (m *memRuns) List(_ context.Context, limit int64) ([]SweepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []SweepRun{}
	for i := len(m.runs) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *memRuns) EnsureIndexes(context.Context) error { return nil }

type stubSync struct {
	synctask.SyncService

	due      []synctask.SyncTask
	resetErr error
	// execute decides the outcome per task; nil means success
	execute func(ctx context.Context, id string) (*synctask.ExecutionResult, error)

	inFlight, maxInFlight atomic.Int32
	executed              atomic.Int32
}

func (s *stubSync) ResetExpiredLeases(context.Context) (int64, error) {
	if s.resetErr != nil {
		return 0, s.resetErr
	}
	return 2, nil
}

func (s *stubSync) ListDue(_ context.Context, limit int64) ([]synctask.SyncTask, error) {
	if int64(len(s.due)) > limit {
		return s.due[:limit], nil
	}
	return s.due, nil
}

func (s *stubSync) ExecuteSyncTask(ctx context.Context, id string) (*synctask.ExecutionResult, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	s.executed.Add(1)

	if s.execute != nil {
		return s.execute(ctx, id)
	}
	return &synctask.ExecutionResult{TaskID: id, Executed: true, Status: synctask.StatusCompleted}, nil
}

type stubWebhooks struct {
	webhook.WebhookService
	reprocessed int
	calls       atomic.Int32
}

func (s *stubWebhooks) ReprocessStale(context.Context) (int, error) {
	s.calls.Add(1)
	return s.reprocessed, nil
}

func dueTasks(n int) []synctask.SyncTask {
	tasks := make([]synctask.SyncTask, n)
	for i := range tasks {
		tasks[i] = synctask.SyncTask{ID: primitive.NewObjectID(), Status: synctask.StatusPending}
	}
	return tasks
}

func newDispatcher(sync *stubSync, webhooks *stubWebhooks, workers int) (*DispatcherImpl, *memRuns) {
	runs := &memRuns{}
	cfg := &config.Config{Sync: config.SyncConfig{
		SweepSchedule:    "@every 30s",
		SweepBatch:       50,
		Workers:          workers,
		SchedulerEnabled: true,
	}}
	return NewDispatcher(runs, sync, webhooks, cfg, zap.NewNop()).(*DispatcherImpl), runs
}

func TestSweep_CountsOutcomes(t *testing.T) {
	tasks := dueTasks(4)
	outcomes := map[string]func() (*synctask.ExecutionResult, error){
		tasks[0].ID.Hex(): func() (*synctask.ExecutionResult, error) {
			return &synctask.ExecutionResult{Executed: true, Status: synctask.StatusCompleted}, nil
		},
		tasks[1].ID.Hex(): func() (*synctask.ExecutionResult, error) {
			return &synctask.ExecutionResult{Executed: true, Status: synctask.StatusPending, Error: "HTTP 503"}, nil
		},
		tasks[2].ID.Hex(): func() (*synctask.ExecutionResult, error) {
			return &synctask.ExecutionResult{Reason: "claimed by another worker"}, nil
		},
		tasks[3].ID.Hex(): func() (*synctask.ExecutionResult, error) {
			return nil, errors.New("mongo down")
		},
	}
	st := &stubSync{due: tasks, execute: func(_ context.Context, id string) (*synctask.ExecutionResult, error) {
		return outcomes[id]()
	}}
	wh := &stubWebhooks{reprocessed: 3}
	d, runs := newDispatcher(st, wh, 4)

	run, err := d.Sweep(context.Background(), TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int64(2), run.LeasesReset)
	assert.Equal(t, 4, run.TasksDue)
	assert.Equal(t, 2, run.TasksExecuted)
	assert.Equal(t, 1, run.TasksSucceeded)
	assert.Equal(t, 2, run.TasksFailed)
	assert.Equal(t, 1, run.TasksSkipped)
	assert.Equal(t, 3, run.WebhooksReprocessed)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "mongo down")
	assert.Equal(t, RunFailed, run.Status)

	require.Len(t, runs.runs, 1)
	stored := runs.runs[0]
	assert.Equal(t, TriggerManual, stored.Trigger)
	assert.Equal(t, RunFailed, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
}

func TestSweep_RespectsWorkerLimit(t *testing.T) {
	st := &stubSync{due: dueTasks(12), execute: func(_ context.Context, id string) (*synctask.ExecutionResult, error) {
		time.Sleep(5 * time.Millisecond)
		return &synctask.ExecutionResult{TaskID: id, Executed: true}, nil
	}}
	d, _ := newDispatcher(st, &stubWebhooks{}, 3)

	run, err := d.Sweep(context.Background(), TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, int32(12), st.executed.Load())
	assert.LessOrEqual(t, st.maxInFlight.Load(), int32(3))
	assert.Equal(t, 12, run.TasksSucceeded)
	assert.Equal(t, RunSuccess, run.Status)
}

func TestSweep_BatchLimit(t *testing.T) {
	st := &stubSync{due: dueTasks(80)}
	d, _ := newDispatcher(st, &stubWebhooks{}, 4)

	run, err := d.Sweep(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 50, run.TasksDue)
	assert.Equal(t, int32(50), st.executed.Load())
}

func TestSweep_NotReentered(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	st := &stubSync{due: dueTasks(1), execute: func(_ context.Context, id string) (*synctask.ExecutionResult, error) {
		close(started)
		<-release
		return &synctask.ExecutionResult{TaskID: id, Executed: true}, nil
	}}
	d, runs := newDispatcher(st, &stubWebhooks{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Sweep(context.Background(), TriggerSchedule)
	}()
	<-started

	_, err := d.Sweep(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrSweepRunning)

	status, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Running)

	close(release)
	<-done

	assert.Len(t, runs.runs, 1)
	_, err = d.Sweep(context.Background(), TriggerManual)
	assert.NoError(t, err)
}

func TestSweep_LeaseResetErrorDoesNotStopSweep(t *testing.T) {
	st := &stubSync{due: dueTasks(2), resetErr: errors.New("timeout")}
	wh := &stubWebhooks{}
	d, _ := newDispatcher(st, wh, 2)

	run, err := d.Sweep(context.Background(), TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, int32(2), st.executed.Load())
	assert.Equal(t, int32(1), wh.calls.Load())
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Errors[0], "reset leases")
}

func TestStart(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		d, _ := newDispatcher(&stubSync{}, &stubWebhooks{}, 1)
		d.cfg.SchedulerEnabled = false

		require.NoError(t, d.Start(context.Background()))
		status, err := d.Status(context.Background())
		require.NoError(t, err)
		assert.False(t, status.Enabled)
		assert.Nil(t, status.NextRun)
		assert.NoError(t, d.Stop())
	})

	t.Run("invalid schedule", func(t *testing.T) {
		d, _ := newDispatcher(&stubSync{}, &stubWebhooks{}, 1)
		d.cfg.SweepSchedule = "whenever"
		assert.Error(t, d.Start(context.Background()))
	})

	t.Run("schedules next run", func(t *testing.T) {
		d, _ := newDispatcher(&stubSync{}, &stubWebhooks{}, 1)
		d.cfg.SweepSchedule = "@every 1h"

		require.NoError(t, d.Start(context.Background()))
		defer d.Stop()

		status, err := d.Status(context.Background())
		require.NoError(t, err)
		require.NotNil(t, status.NextRun)
		assert.WithinDuration(t, time.Now().Add(time.Hour), *status.NextRun, time.Minute)
	})
}

func TestSweepHandler_ConflictWhileRunning(t *testing.T) {
	d, _ := newDispatcher(&stubSync{}, &stubWebhooks{}, 1)
	d.running.Store(true)

	app := fiber.New()
	app.Post("/sweep", NewDispatcherController(d).Sweep)

	resp, err := app.Test(httptest.NewRequest("POST", "/sweep", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}
