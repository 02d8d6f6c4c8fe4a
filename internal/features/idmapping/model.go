package idmapping

import (
	"time"

	"school-integration/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IdMapping links a platform record to its counterpart in an external system.
type IdMapping struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SystemID       primitive.ObjectID `json:"system_id" bson:"system_id"`
	InternalEntity models.EntityType  `json:"internal_entity" bson:"internal_entity"`
	InternalID     string             `json:"internal_id" bson:"internal_id"`
	ExternalEntity string             `json:"external_entity" bson:"external_entity"`
	ExternalID     string             `json:"external_id" bson:"external_id"`
	LastSyncedAt   time.Time          `json:"last_synced_at" bson:"last_synced_at"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" bson:"updated_at"`
}
