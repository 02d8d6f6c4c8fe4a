package mapping

import (
	"time"

	"school-integration/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FieldValidation is checked against the transformed value.
type FieldValidation struct {
	Pattern       string   `json:"pattern,omitempty" bson:"pattern,omitempty"`
	MaxLength     int      `json:"max_length,omitempty" bson:"max_length,omitempty" validate:"gte=0"`
	AllowedValues []string `json:"allowed_values,omitempty" bson:"allowed_values,omitempty"`
}

// FieldMapping pairs an internal field with a field of the external system.
// ExternalField may be a dotted path ("contact.email").
type FieldMapping struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SystemID      primitive.ObjectID `json:"system_id" bson:"system_id"`
	Module        models.Module      `json:"module" bson:"module" validate:"required,module"`
	InternalField string             `json:"internal_field" bson:"internal_field" validate:"required,notblank"`
	ExternalField string             `json:"external_field" bson:"external_field" validate:"required,notblank"`
	Transform     TransformName      `json:"transform,omitempty" bson:"transform,omitempty"`
	IsRequired    bool               `json:"is_required" bson:"is_required"`
	IsPrimaryKey  bool               `json:"is_primary_key" bson:"is_primary_key"`
	Validation    *FieldValidation   `json:"validation,omitempty" bson:"validation,omitempty"`
	CreatedAt     time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" bson:"updated_at"`
}

// SaveMappingsRequest is the batch form of POST /:id/mappings.
type SaveMappingsRequest struct {
	Mappings []FieldMapping `json:"mappings" validate:"required,min=1,dive"`
}

// PrimaryKey returns the primary-key mapping, if one is configured.
func PrimaryKey(mappings []FieldMapping) *FieldMapping {
	for i := range mappings {
		if mappings[i].IsPrimaryKey {
			return &mappings[i]
		}
	}
	return nil
}
