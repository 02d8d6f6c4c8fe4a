package schoolsystem

import (
	"strings"
	"time"

	"school-integration/internal/common/models"
	"school-integration/internal/connectors"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type SystemType string

const (
	SystemTypeSIS            SystemType = "sis"
	SystemTypeERP            SystemType = "erp"
	SystemTypeLMS            SystemType = "lms"
	SystemTypeLegacyREST     SystemType = "legacy_rest"
	SystemTypeLegacyDatabase SystemType = "legacy_database"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusError       Status = "error"
	StatusConfiguring Status = "configuring"
	StatusInactive    Status = "inactive"
)

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
)

const redacted = "***"

// Connection holds the parameters and credentials used to reach a system.
type Connection struct {
	BaseURL        string     `json:"base_url,omitempty" bson:"base_url,omitempty"`
	AuthType       AuthType   `json:"auth_type" bson:"auth_type" validate:"omitempty,oneof=none api_key bearer basic oauth2"`
	APIKey         string     `json:"api_key,omitempty" bson:"api_key,omitempty"`
	APIKeyHeader   string     `json:"api_key_header,omitempty" bson:"api_key_header,omitempty"`
	Username       string     `json:"username,omitempty" bson:"username,omitempty"`
	Password       string     `json:"password,omitempty" bson:"password,omitempty"`
	AccessToken    string     `json:"access_token,omitempty" bson:"access_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" bson:"token_expires_at,omitempty"`
	WebhookSecret  string     `json:"webhook_secret,omitempty" bson:"webhook_secret,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" bson:"timeout_seconds,omitempty" validate:"gte=0,lte=600"`

	// legacy_database only
	Driver   string `json:"driver,omitempty" bson:"driver,omitempty" validate:"omitempty,oneof=postgres mysql"`
	Host     string `json:"host,omitempty" bson:"host,omitempty"`
	Port     int    `json:"port,omitempty" bson:"port,omitempty"`
	Database string `json:"database,omitempty" bson:"database,omitempty"`
}

// SchoolSystem is an external system a school has configured.
type SchoolSystem struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SchoolID   string             `json:"school_id" bson:"school_id" validate:"required,notblank"`
	Name       string             `json:"name" bson:"name" validate:"required,notblank"`
	SystemType SystemType         `json:"system_type" bson:"system_type" validate:"required,oneof=sis erp lms legacy_rest legacy_database"`
	Connection Connection         `json:"connection" bson:"connection"`
	Status     Status             `json:"status" bson:"status" validate:"omitempty,oneof=active paused error configuring inactive"`
	LastSyncAt *time.Time         `json:"last_sync_at,omitempty" bson:"last_sync_at,omitempty"`
	ErrorCount int                `json:"error_count" bson:"error_count"`
	CreatedAt  time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at" bson:"updated_at"`
}

// AcceptsSync reports whether tasks for this system may run. Systems in error
// keep running so a success can bring them back to active.
func (s *SchoolSystem) AcceptsSync() bool {
	for _, st := range SyncingStatuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// SyncingStatuses are the statuses under which a system's tasks run.
var SyncingStatuses = []Status{StatusActive, StatusError}

// Redacted returns a copy safe to send to API clients.
func (s SchoolSystem) Redacted() SchoolSystem {
	c := s.Connection
	for _, secret := range []*string{&c.APIKey, &c.Password, &c.AccessToken, &c.WebhookSecret} {
		if *secret != "" {
			*secret = redacted
		}
	}
	s.Connection = c
	return s
}

// ConnectorConfig converts the stored connection into what a connector needs.
func (s *SchoolSystem) ConnectorConfig() connectors.Config {
	kind := connectors.KindREST
	if s.SystemType == SystemTypeLegacyDatabase {
		kind = connectors.KindSQL
	}
	c := s.Connection
	return connectors.Config{
		Kind:           kind,
		BaseURL:        strings.TrimRight(c.BaseURL, "/"),
		AuthType:       string(c.AuthType),
		APIKey:         c.APIKey,
		APIKeyHeader:   c.APIKeyHeader,
		Username:       c.Username,
		Password:       c.Password,
		AccessToken:    c.AccessToken,
		TokenExpiresAt: c.TokenExpiresAt,
		Timeout:        time.Duration(c.TimeoutSeconds) * time.Second,
		Driver:         c.Driver,
		Host:           c.Host,
		Port:           c.Port,
		Database:       c.Database,
	}
}

// SystemUpdate is the patch accepted by PUT /systems/:id.
type SystemUpdate struct {
	Name       *string     `json:"name,omitempty" validate:"omitempty,notblank"`
	Status     *Status     `json:"status,omitempty" validate:"omitempty,oneof=active paused error configuring inactive"`
	Connection *Connection `json:"connection,omitempty"`
}

// Endpoint is a callable operation on a system.
type Endpoint struct {
	ID                  primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	SystemID            primitive.ObjectID `json:"system_id" bson:"system_id"`
	Module              models.Module      `json:"module" bson:"module" validate:"required,module"`
	Operation           models.Operation   `json:"operation" bson:"operation" validate:"required,operation"`
	URLTemplate         string             `json:"url_template" bson:"url_template" validate:"required,notblank"`
	HTTPMethod          string             `json:"http_method,omitempty" bson:"http_method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	RequestRoot         string             `json:"request_root,omitempty" bson:"request_root,omitempty"`
	ResponseIDPath      string             `json:"response_id_path,omitempty" bson:"response_id_path,omitempty"`
	ResponseRecordsPath string             `json:"response_records_path,omitempty" bson:"response_records_path,omitempty"`
	Headers             map[string]string  `json:"headers,omitempty" bson:"headers,omitempty"`
	RateLimitPerMinute  int                `json:"rate_limit_per_minute,omitempty" bson:"rate_limit_per_minute,omitempty" validate:"gte=0"`
	CreatedAt           time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at" bson:"updated_at"`
}

// Target converts the endpoint into a connector target.
func (e *Endpoint) Target() connectors.Target {
	return connectors.Target{
		Module:              string(e.Module),
		Method:              e.HTTPMethod,
		URLTemplate:         e.URLTemplate,
		RequestRoot:         e.RequestRoot,
		ResponseIDPath:      e.ResponseIDPath,
		ResponseRecordsPath: e.ResponseRecordsPath,
		Headers:             e.Headers,
	}
}
