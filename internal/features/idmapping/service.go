package idmapping

import (
	"context"
	"fmt"
	"time"

	"school-integration/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type IdMappingService interface {
	// ResolveOrCreateMapping returns the stored mapping, or an unsaved one with
	// created=true. The caller fills ExternalID after the remote create and
	// persists it with RecordMapping.
	ResolveOrCreateMapping(ctx context.Context, systemID primitive.ObjectID, internalEntity models.EntityType, internalID, externalEntity string) (*IdMapping, bool, error)
	RecordMapping(ctx context.Context, m *IdMapping) error
	FindByExternal(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, externalID string) (*IdMapping, error)
	RemoveMapping(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) error
}

type IdMappingServiceImpl struct {
	repo IdMappingRepository
}

func NewIdMappingService(repo IdMappingRepository) IdMappingService {
	return &IdMappingServiceImpl{repo: repo}
}

func (s *IdMappingServiceImpl) ResolveOrCreateMapping(ctx context.Context, systemID primitive.ObjectID, internalEntity models.EntityType, internalID, externalEntity string) (*IdMapping, bool, error) {
	existing, err := s.repo.FindByInternal(ctx, systemID, internalEntity, internalID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up id mapping: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	if externalEntity == "" {
		externalEntity = string(internalEntity)
	}
	return &IdMapping{
		SystemID:       systemID,
		InternalEntity: internalEntity,
		InternalID:     internalID,
		ExternalEntity: externalEntity,
	}, true, nil
}

func (s *IdMappingServiceImpl) RecordMapping(ctx context.Context, m *IdMapping) error {
	if m.ExternalID == "" {
		return fmt.Errorf("id mapping for %s %s has no external id", m.InternalEntity, m.InternalID)
	}
	m.LastSyncedAt = time.Now()
	return s.repo.Upsert(ctx, m)
}

func (s *IdMappingServiceImpl) FindByExternal(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, externalID string) (*IdMapping, error) {
	return s.repo.FindByExternal(ctx, systemID, entity, externalID)
}

func (s *IdMappingServiceImpl) RemoveMapping(ctx context.Context, systemID primitive.ObjectID, entity models.EntityType, internalID string) error {
	return s.repo.Delete(ctx, systemID, entity, internalID)
}
