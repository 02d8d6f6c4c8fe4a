package schoolsystem

import (
	"context"
	"fmt"
	"strings"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/common/validate"
	"school-integration/internal/connectors"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type SystemService interface {
	CreateSystem(ctx context.Context, system *SchoolSystem) error
	GetSystem(ctx context.Context, id string) (*SchoolSystem, error)
	ListSystems(ctx context.Context, schoolID string) ([]SchoolSystem, error)
	UpdateSystem(ctx context.Context, id string, update SystemUpdate) (*SchoolSystem, error)
	DeactivateSystem(ctx context.Context, id string) error
	TestConnection(ctx context.Context, id string) error

	SaveEndpoint(ctx context.Context, systemID primitive.ObjectID, endpoint *Endpoint) error
	ListEndpoints(ctx context.Context, systemID primitive.ObjectID) ([]Endpoint, error)
	// ResolveEndpoint finds the endpoint for an operation. Updates fall back to
	// the export endpoint.
	ResolveEndpoint(ctx context.Context, systemID primitive.ObjectID, module models.Module, op models.Operation) (*Endpoint, error)
}

type SystemServiceImpl struct {
	repo         SystemRepository
	endpointRepo EndpointRepository
	factory      connectors.Factory
	logger       *zap.Logger
}

func NewSystemService(
	repo SystemRepository,
	endpointRepo EndpointRepository,
	factory connectors.Factory,
	logger *zap.Logger,
) SystemService {
	return &SystemServiceImpl{
		repo:         repo,
		endpointRepo: endpointRepo,
		factory:      factory,
		logger:       logger,
	}
}

func (s *SystemServiceImpl) CreateSystem(ctx context.Context, system *SchoolSystem) error {
	if system.Status == "" {
		system.Status = StatusActive
	}
	if system.Connection.AuthType == "" {
		system.Connection.AuthType = AuthNone
	}
	system.ErrorCount = 0
	system.LastSyncAt = nil

	if err := validateSystem(system); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, system); err != nil {
		return fmt.Errorf("failed to create school system: %w", err)
	}

	s.logger.Info("School system created",
		zap.String("system_id", system.ID.Hex()),
		zap.String("school_id", system.SchoolID),
		zap.String("system_type", string(system.SystemType)))
	return nil
}

func (s *SystemServiceImpl) GetSystem(ctx context.Context, id string) (*SchoolSystem, error) {
	return s.repo.Get(ctx, id)
}

func (s *SystemServiceImpl) ListSystems(ctx context.Context, schoolID string) ([]SchoolSystem, error) {
	return s.repo.ListBySchool(ctx, schoolID)
}

func (s *SystemServiceImpl) UpdateSystem(ctx context.Context, id string, update SystemUpdate) (*SchoolSystem, error) {
	if err := validate.Struct(update); err != nil {
		return nil, err
	}

	system, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if update.Name != nil {
		system.Name = strings.TrimSpace(*update.Name)
		updates["name"] = system.Name
	}
	if update.Status != nil {
		system.Status = *update.Status
		updates["status"] = system.Status
		if system.Status == StatusActive {
			system.ErrorCount = 0
			updates["error_count"] = 0
		}
	}
	if update.Connection != nil {
		system.Connection = mergeConnection(system.Connection, *update.Connection)
		updates["connection"] = system.Connection
	}
	if len(updates) == 0 {
		return system, nil
	}

	if err := validateSystem(system); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, id, updates); err != nil {
		return nil, err
	}
	return system, nil
}

// DeactivateSystem is the soft delete: history and mappings stay.
func (s *SystemServiceImpl) DeactivateSystem(ctx context.Context, id string) error {
	return s.repo.Update(ctx, id, map[string]interface{}{"status": StatusInactive})
}

func (s *SystemServiceImpl) TestConnection(ctx context.Context, id string) error {
	system, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	conn, err := s.factory.New(system.ConnectorConfig())
	if err != nil {
		return apperr.NewValidation(err.Error(), nil)
	}
	defer conn.Close()

	if err := conn.TestConnection(ctx); err != nil {
		s.logger.Warn("Connection test failed", zap.String("system_id", id), zap.Error(err))
		return err
	}
	return nil
}

func (s *SystemServiceImpl) SaveEndpoint(ctx context.Context, systemID primitive.ObjectID, endpoint *Endpoint) error {
	if module, err := models.ParseModule(string(endpoint.Module)); err == nil {
		endpoint.Module = module
	}
	endpoint.Operation = models.Operation(strings.ToLower(string(endpoint.Operation)))
	endpoint.HTTPMethod = strings.ToUpper(endpoint.HTTPMethod)
	endpoint.SystemID = systemID

	if err := validate.Struct(endpoint); err != nil {
		return err
	}
	return s.endpointRepo.Upsert(ctx, endpoint)
}

func (s *SystemServiceImpl) ListEndpoints(ctx context.Context, systemID primitive.ObjectID) ([]Endpoint, error) {
	return s.endpointRepo.ListBySystem(ctx, systemID)
}

func (s *SystemServiceImpl) ResolveEndpoint(ctx context.Context, systemID primitive.ObjectID, module models.Module, op models.Operation) (*Endpoint, error) {
	endpoint, err := s.endpointRepo.Find(ctx, systemID, module, op)
	if err != nil {
		return nil, err
	}
	if endpoint == nil && op == models.OperationUpdate {
		endpoint, err = s.endpointRepo.Find(ctx, systemID, module, models.OperationExport)
		if err != nil {
			return nil, err
		}
	}
	if endpoint == nil {
		return nil, apperr.NotFound("endpoint", fmt.Sprintf("%s/%s", module, op))
	}
	return endpoint, nil
}

func validateSystem(system *SchoolSystem) error {
	if err := validate.Struct(system); err != nil {
		return err
	}

	c := system.Connection
	if system.SystemType == SystemTypeLegacyDatabase {
		switch {
		case c.Driver == "":
			return apperr.Field("connection.driver", "is required for legacy databases")
		case c.Host == "":
			return apperr.Field("connection.host", "is required for legacy databases")
		case c.Database == "":
			return apperr.Field("connection.database", "is required for legacy databases")
		case c.Username == "":
			return apperr.Field("connection.username", "is required for legacy databases")
		}
		return nil
	}

	if c.BaseURL == "" {
		return apperr.Field("connection.base_url", "is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return apperr.Field("connection.base_url", "must be an http(s) URL")
	}
	switch c.AuthType {
	case AuthAPIKey:
		if c.APIKey == "" {
			return apperr.Field("connection.api_key", "is required for api_key auth")
		}
	case AuthBearer, AuthOAuth2:
		if c.AccessToken == "" {
			return apperr.Field("connection.access_token", "is required for token auth")
		}
	case AuthBasic:
		if c.Username == "" {
			return apperr.Field("connection.username", "is required for basic auth")
		}
	}
	return nil
}

// mergeConnection applies an update, keeping stored secrets when the client
// sends them back redacted or empty.
func mergeConnection(current, next Connection) Connection {
	keep := func(stored, incoming string) string {
		if incoming == "" || incoming == redacted {
			return stored
		}
		return incoming
	}
	next.APIKey = keep(current.APIKey, next.APIKey)
	next.Password = keep(current.Password, next.Password)
	next.AccessToken = keep(current.AccessToken, next.AccessToken)
	next.WebhookSecret = keep(current.WebhookSecret, next.WebhookSecret)
	if next.AuthType == "" {
		next.AuthType = current.AuthType
	}
	return next
}
