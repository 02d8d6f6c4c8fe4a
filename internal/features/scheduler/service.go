package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"school-integration/internal/config"
	"school-integration/internal/features/synctask"
	"school-integration/internal/features/webhook"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSweepRunning is returned when a sweep is requested while one is in flight.
var ErrSweepRunning = errors.New("a sweep is already running")

const maxRunErrors = 20

type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error
	// Sweep resets expired leases, executes due tasks and retries stale
	// webhooks. A sweep already in flight is never re-entered.
	Sweep(ctx context.Context, trigger Trigger) (*SweepRun, error)
	Status(ctx context.Context) (*Status, error)
	ListRuns(ctx context.Context, limit int64) ([]SweepRun, error)
}

type DispatcherImpl struct {
	repo     SweepRepository
	sync     synctask.SyncService
	webhooks webhook.WebhookService
	cfg      config.SyncConfig
	logger   *zap.Logger

	scheduler *cron.Cron
	entryID   cron.EntryID
	running   atomic.Bool
	now       func() time.Time
}

func NewDispatcher(
	repo SweepRepository,
	sync synctask.SyncService,
	webhooks webhook.WebhookService,
	cfg *config.Config,
	logger *zap.Logger,
) Dispatcher {
	return &DispatcherImpl{
		repo:     repo,
		sync:     sync,
		webhooks: webhooks,
		cfg:      cfg.Sync,
		logger:   logger.Named("dispatcher"),
		now:      time.Now,
	}
}

func (d *DispatcherImpl) Start(ctx context.Context) error {
	if !d.cfg.SchedulerEnabled {
		d.logger.Info("Dispatcher disabled")
		return nil
	}

	cl := cronLogger{sugar: d.logger.Sugar()}
	d.scheduler = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := d.scheduler.AddFunc(d.cfg.SweepSchedule, func() {
		// the cron context is detached from the fx start context
		if _, err := d.Sweep(context.Background(), TriggerSchedule); err != nil && !errors.Is(err, ErrSweepRunning) {
			d.logger.Error("Scheduled sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", d.cfg.SweepSchedule, err)
	}
	d.entryID = id

	d.scheduler.Start()
	d.logger.Info("Dispatcher started",
		zap.String("schedule", d.cfg.SweepSchedule),
		zap.Int("workers", d.cfg.Workers),
		zap.Int("batch", d.cfg.SweepBatch),
	)
	return nil
}

func (d *DispatcherImpl) Stop() error {
	if d.scheduler != nil {
		ctx := d.scheduler.Stop()
		<-ctx.Done()
		d.logger.Info("Dispatcher stopped")
	}
	return nil
}

func (d *DispatcherImpl) Sweep(ctx context.Context, trigger Trigger) (*SweepRun, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrSweepRunning
	}
	defer d.running.Store(false)

	run := &SweepRun{
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: d.now(),
	}
	if err := d.repo.Create(ctx, run); err != nil {
		d.logger.Warn("Failed to record sweep start", zap.Error(err))
	}

	d.resetLeases(ctx, run)
	d.executeDue(ctx, run)
	d.reprocessWebhooks(ctx, run)

	finished := d.now()
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(run.StartedAt).Milliseconds()
	run.Status = RunSuccess
	if len(run.Errors) > 0 {
		run.Status = RunFailed
	}

	if err := d.repo.Update(ctx, run); err != nil {
		d.logger.Warn("Failed to record sweep result", zap.Error(err))
	}

	if run.TasksDue > 0 || run.LeasesReset > 0 || run.WebhooksReprocessed > 0 {
		d.logger.Info("Sweep finished",
			zap.String("trigger", string(trigger)),
			zap.Int64("leases_reset", run.LeasesReset),
			zap.Int("tasks_due", run.TasksDue),
			zap.Int("tasks_succeeded", run.TasksSucceeded),
			zap.Int("tasks_failed", run.TasksFailed),
			zap.Int("webhooks_reprocessed", run.WebhooksReprocessed),
			zap.Int64("duration_ms", run.DurationMs),
		)
	}
	return run, nil
}

func (d *DispatcherImpl) resetLeases(ctx context.Context, run *SweepRun) {
	n, err := d.sync.ResetExpiredLeases(ctx)
	if err != nil {
		d.logger.Error("Failed to reset expired leases", zap.Error(err))
		run.addError("reset leases: %v", err)
		return
	}
	run.LeasesReset = n
}

func (d *DispatcherImpl) executeDue(ctx context.Context, run *SweepRun) {
	due, err := d.sync.ListDue(ctx, int64(d.cfg.SweepBatch))
	if err != nil {
		d.logger.Error("Failed to list due tasks", zap.Error(err))
		run.addError("list due tasks: %v", err)
		return
	}
	run.TasksDue = len(due)

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(workers)

	for i := range due {
		taskID := due[i].ID.Hex()
		g.Go(func() error {
			res, err := d.sync.ExecuteSyncTask(ctx, taskID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				// one task going wrong never stops the rest of the batch
				d.logger.Error("Failed to execute task", zap.String("task_id", taskID), zap.Error(err))
				run.TasksFailed++
				run.addError("task %s: %v", taskID, err)
			case !res.Executed:
				run.TasksSkipped++
			case res.Error != "":
				run.TasksExecuted++
				run.TasksFailed++
			default:
				run.TasksExecuted++
				run.TasksSucceeded++
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *DispatcherImpl) reprocessWebhooks(ctx context.Context, run *SweepRun) {
	n, err := d.webhooks.ReprocessStale(ctx)
	if err != nil {
		d.logger.Error("Failed to reprocess stale webhooks", zap.Error(err))
		run.addError("reprocess webhooks: %v", err)
	}
	run.WebhooksReprocessed = n
}

func (r *SweepRun) addError(format string, args ...any) {
	if len(r.Errors) < maxRunErrors {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	}
}

func (d *DispatcherImpl) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Enabled:  d.cfg.SchedulerEnabled,
		Schedule: d.cfg.SweepSchedule,
		Running:  d.running.Load(),
	}
	if d.scheduler != nil {
		if next := d.scheduler.Entry(d.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}

	runs, err := d.repo.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		st.LastRun = &runs[0]
	}
	return st, nil
}

func (d *DispatcherImpl) ListRuns(ctx context.Context, limit int64) ([]SweepRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	return d.repo.List(ctx, limit)
}
