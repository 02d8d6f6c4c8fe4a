package scheduler

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// SweepRun records a single dispatcher sweep
type SweepRun struct {
	ID                  primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Trigger             Trigger            `json:"trigger" bson:"trigger"`
	Status              RunStatus          `json:"status" bson:"status"`
	StartedAt           time.Time          `json:"startedAt" bson:"started_at"`
	FinishedAt          *time.Time         `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
	DurationMs          int64              `json:"durationMs" bson:"duration_ms"`
	LeasesReset         int64              `json:"leasesReset" bson:"leases_reset"`
	TasksDue            int                `json:"tasksDue" bson:"tasks_due"`
	TasksExecuted       int                `json:"tasksExecuted" bson:"tasks_executed"`
	TasksSucceeded      int                `json:"tasksSucceeded" bson:"tasks_succeeded"`
	TasksFailed         int                `json:"tasksFailed" bson:"tasks_failed"`
	TasksSkipped        int                `json:"tasksSkipped" bson:"tasks_skipped"`
	WebhooksReprocessed int                `json:"webhooksReprocessed" bson:"webhooks_reprocessed"`
	Errors              []string           `json:"errors,omitempty" bson:"errors,omitempty"`
}

// Status is what GET /dispatcher reports.
type Status struct {
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	Running  bool       `json:"running"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	LastRun  *SweepRun  `json:"lastRun,omitempty"`
}
