package mapping

import (
	"context"
	"fmt"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/common/validate"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type MappingService interface {
	GetMappings(ctx context.Context, systemID primitive.ObjectID, module models.Module) ([]FieldMapping, error)
	SaveMappings(ctx context.Context, systemID primitive.ObjectID, mappings []FieldMapping) ([]FieldMapping, error)
	DeleteMapping(ctx context.Context, systemID primitive.ObjectID, mappingID string) error
}

type MappingServiceImpl struct {
	repo MappingRepository
}

func NewMappingService(repo MappingRepository) MappingService {
	return &MappingServiceImpl{repo: repo}
}

func (s *MappingServiceImpl) GetMappings(ctx context.Context, systemID primitive.ObjectID, module models.Module) ([]FieldMapping, error) {
	return s.repo.ListBySystemModule(ctx, systemID, module)
}

// SaveMappings validates the whole batch before writing any of it.
func (s *MappingServiceImpl) SaveMappings(ctx context.Context, systemID primitive.ObjectID, mappings []FieldMapping) ([]FieldMapping, error) {
	if len(mappings) == 0 {
		return nil, apperr.Field("mappings", "at least one mapping is required")
	}

	primaryKeys := map[models.Module]string{}
	for i := range mappings {
		m := &mappings[i]
		prefix := fmt.Sprintf("mappings[%d]", i)

		if module, err := models.ParseModule(string(m.Module)); err == nil {
			m.Module = module
		}
		m.SystemID = systemID

		if err := validate.Struct(m); err != nil {
			return nil, prefixFields(err, prefix)
		}
		if m.Transform != "" && !IsKnownTransform(m.Transform) {
			return nil, apperr.Field(prefix+".transform", fmt.Sprintf("unknown transform %q", m.Transform))
		}
		if m.Validation != nil && m.Validation.Pattern != "" {
			if _, err := compilePattern(m.Validation.Pattern); err != nil {
				return nil, apperr.Field(prefix+".validation.pattern", "is not a valid regular expression")
			}
		}
		if m.IsPrimaryKey {
			if other, ok := primaryKeys[m.Module]; ok && other != m.InternalField {
				return nil, apperr.Field(prefix+".is_primary_key", "only one primary key per module is allowed")
			}
			primaryKeys[m.Module] = m.InternalField
		}
	}

	for module, field := range primaryKeys {
		existing, err := s.repo.ListBySystemModule(ctx, systemID, module)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			if e.IsPrimaryKey && e.InternalField != field && !inBatch(mappings, module, e.InternalField) {
				return nil, apperr.Field("is_primary_key", fmt.Sprintf("%s already has primary key %q", module, e.InternalField))
			}
		}
	}

	for i := range mappings {
		if err := s.repo.Upsert(ctx, &mappings[i]); err != nil {
			return nil, fmt.Errorf("failed to save mapping %s: %w", mappings[i].InternalField, err)
		}
	}
	return mappings, nil
}

func (s *MappingServiceImpl) DeleteMapping(ctx context.Context, systemID primitive.ObjectID, mappingID string) error {
	oid, err := primitive.ObjectIDFromHex(mappingID)
	if err != nil {
		return apperr.NotFound("field mapping", mappingID)
	}
	return s.repo.Delete(ctx, systemID, oid)
}

// inBatch reports whether the batch rewrites field, which may clear its key flag.
func inBatch(mappings []FieldMapping, module models.Module, field string) bool {
	for _, m := range mappings {
		if m.Module == module && m.InternalField == field {
			return true
		}
	}
	return false
}

func prefixFields(err error, prefix string) error {
	fields := apperr.Fields(err)
	if fields == nil {
		return err
	}
	prefixed := make(map[string]string, len(fields))
	for k, v := range fields {
		prefixed[prefix+"."+k] = v
	}
	return apperr.NewValidation(err.Error(), prefixed)
}
