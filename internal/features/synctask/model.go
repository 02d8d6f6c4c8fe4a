package synctask

import (
	"encoding/json"
	"time"

	"school-integration/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Source string

const (
	SourceManual   Source = "manual"
	SourceSchedule Source = "schedule"
	SourceWebhook  Source = "webhook"
)

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10

	// payload keys reserved for import tasks
	PayloadRecordsKey = "_records"
	PayloadQueryKey   = "_query"
)

// SyncTask is one unit of import/export work between the platform and an
// external system.
type SyncTask struct {
	ID            primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	SystemID      primitive.ObjectID  `json:"system_id" bson:"system_id"`
	Module        models.Module       `json:"module" bson:"module"`
	Operation     models.Operation    `json:"operation" bson:"operation"`
	Priority      int                 `json:"priority" bson:"priority"`
	Status        Status              `json:"status" bson:"status"`
	DataID        string              `json:"data_id,omitempty" bson:"data_id,omitempty"`
	DataPayload   map[string]any      `json:"data_payload,omitempty" bson:"-"`
	RawPayload    string              `json:"-" bson:"data_payload,omitempty"`
	ScheduledFor  time.Time           `json:"scheduled_for" bson:"scheduled_for"`
	NextAttemptAt time.Time           `json:"next_attempt_at" bson:"next_attempt_at"`
	Attempts      int                 `json:"attempts" bson:"attempts"`
	MaxAttempts   int                 `json:"max_attempts" bson:"max_attempts"`
	LastError     string              `json:"last_error,omitempty" bson:"last_error,omitempty"`
	ClaimedBy     string              `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	ClaimedAt     *time.Time          `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	Source        Source              `json:"source" bson:"source"`
	WebhookID     *primitive.ObjectID `json:"webhook_id,omitempty" bson:"webhook_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" bson:"updated_at"`
}

// Executable reports whether the executor may claim the task.
func (t *SyncTask) Executable() bool {
	return (t.Status == StatusPending || t.Status == StatusFailed) && t.Attempts < t.MaxAttempts
}

// Payloads are stored as JSON text so nested documents come back as plain maps.
func (t *SyncTask) encodePayload() error {
	if len(t.DataPayload) == 0 {
		t.RawPayload = ""
		return nil
	}
	b, err := json.Marshal(t.DataPayload)
	if err != nil {
		return err
	}
	t.RawPayload = string(b)
	return nil
}

func (t *SyncTask) decodePayload() error {
	if t.RawPayload == "" {
		t.DataPayload = nil
		return nil
	}
	return json.Unmarshal([]byte(t.RawPayload), &t.DataPayload)
}

// ScheduleOptions are the optional parts of ScheduleSyncTask.
type ScheduleOptions struct {
	Priority     int
	DataID       string
	DataPayload  map[string]any
	ScheduledFor *time.Time
	ExecuteNow   bool
	MaxAttempts  int
	Source       Source
	WebhookID    *primitive.ObjectID
}

type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
)

// SyncHistory is the audit row written for every task run.
type SyncHistory struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SystemID         primitive.ObjectID `json:"system_id" bson:"system_id"`
	TaskID           primitive.ObjectID `json:"task_id" bson:"task_id"`
	Module           models.Module      `json:"module" bson:"module"`
	EntityType       models.EntityType  `json:"entity_type" bson:"entity_type"`
	Direction        models.Direction   `json:"direction" bson:"direction"`
	Operation        models.Operation   `json:"operation" bson:"operation"`
	Status           HistoryStatus      `json:"status" bson:"status"`
	RecordsProcessed int                `json:"records_processed" bson:"records_processed"`
	RecordsSucceeded int                `json:"records_succeeded" bson:"records_succeeded"`
	RecordsFailed    int                `json:"records_failed" bson:"records_failed"`
	ErrorDetails     []string           `json:"error_details,omitempty" bson:"error_details,omitempty"`
	StartedAt        time.Time          `json:"started_at" bson:"started_at"`
	FinishedAt       time.Time          `json:"finished_at" bson:"finished_at"`
	DurationMs       int64              `json:"duration_ms" bson:"duration_ms"`
}

// ExecutionResult is what ExecuteSyncTask reports back.
type ExecutionResult struct {
	TaskID           string `json:"taskId"`
	Executed         bool   `json:"executed"`
	Reason           string `json:"reason,omitempty"`
	Status           Status `json:"status"`
	ExternalID       string `json:"externalId,omitempty"`
	RecordsProcessed int    `json:"recordsProcessed"`
	RecordsSucceeded int    `json:"recordsSucceeded"`
	RecordsFailed    int    `json:"recordsFailed"`
	Error            string `json:"error,omitempty"`
}

// TriggerRequest is the body of POST /systems/:id/sync.
type TriggerRequest struct {
	EntityType string         `json:"entityType" validate:"required,module"`
	Direction  string         `json:"direction" validate:"required,direction"`
	Filters    map[string]any `json:"filters,omitempty"`
	Limit      int64          `json:"limit,omitempty" validate:"gte=0,lte=1000"`
	DataID     string         `json:"dataId,omitempty"`
	ExecuteNow bool           `json:"executeNow,omitempty"`
	Priority   int            `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
}

// TriggerResult answers a sync trigger.
type TriggerResult struct {
	Scheduled int               `json:"scheduled"`
	TaskIDs   []string          `json:"taskIds"`
	Results   []ExecutionResult `json:"results,omitempty"`
}

// StatusReport is the body of GET /systems/:id/sync-status.
type StatusReport struct {
	Module      models.Module    `json:"module,omitempty"`
	LastSync    *SyncHistory     `json:"lastSync"`
	TaskCounts  map[Status]int64 `json:"taskCounts"`
	LastSyncAt  *time.Time       `json:"lastSyncAt,omitempty"`
	SystemState string           `json:"systemStatus"`
}
