package webhook

import (
	"fmt"
	"strings"
	"time"

	"school-integration/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="

	// webhook-driven imports jump ahead of scheduled work
	taskPriority = 8
)

// Webhook is an inbound call from an external system, stored before any
// processing happens.
type Webhook struct {
	ID          primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	SystemID    primitive.ObjectID  `json:"system_id" bson:"system_id"`
	Event       string              `json:"event" bson:"event"`
	RawPayload  string              `json:"payload" bson:"payload"`
	Status      Status              `json:"status" bson:"status"`
	TaskID      *primitive.ObjectID `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Error       string              `json:"error,omitempty" bson:"error,omitempty"`
	Attempts    int                 `json:"attempts" bson:"attempts"`
	ClaimedBy   string              `json:"-" bson:"claimed_by,omitempty"`
	ClaimedAt   *time.Time          `json:"-" bson:"claimed_at,omitempty"`
	ReceivedAt  time.Time           `json:"received_at" bson:"received_at"`
	ProcessedAt *time.Time          `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at" bson:"updated_at"`
}

var actions = map[string]bool{
	"created":  true,
	"updated":  true,
	"upserted": true,
}

// ParseEvent splits "<entity>.<action>" and returns the module it targets.
func ParseEvent(event string) (models.Module, error) {
	entity, action, ok := strings.Cut(strings.ToLower(strings.TrimSpace(event)), ".")
	if !ok || entity == "" {
		return "", fmt.Errorf("event %q is not of the form <entity>.<action>", event)
	}
	if !actions[action] {
		return "", fmt.Errorf("unsupported event action %q", action)
	}
	module, err := models.ParseModule(entity)
	if err != nil {
		return "", err
	}
	return module, nil
}
