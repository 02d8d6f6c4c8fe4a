package connectors

import (
	"context"
	"fmt"
	"time"

	"school-integration/internal/config"
)

type Kind string

const (
	KindREST Kind = "rest"
	KindSQL  Kind = "sql"
)

// Config is everything a connector needs to reach one external system.
type Config struct {
	Kind           Kind
	BaseURL        string
	AuthType       string
	APIKey         string
	APIKeyHeader   string
	Username       string
	Password       string
	AccessToken    string
	TokenExpiresAt *time.Time
	Timeout        time.Duration

	Driver   string // "postgres" or "mysql"
	Host     string
	Port     int
	Database string
}

// Target describes the endpoint a single call goes to.
type Target struct {
	Module              string
	Method              string
	URLTemplate         string
	RequestRoot         string
	ResponseIDPath      string
	ResponseRecordsPath string
	Headers             map[string]string

	// KeyField is the external field holding the record's primary key. SQL
	// connectors use it as the conflict column.
	KeyField string
}

// PullQuery narrows an import.
type PullQuery struct {
	Filters map[string]interface{}
	Limit   int64
}

// Connector interface for all external systems
type Connector interface {
	// Push creates the record when externalID is empty, otherwise updates it.
	// It returns the external ID of the record.
	Push(ctx context.Context, target Target, externalID string, record map[string]interface{}) (string, error)

	// Pull fetches records for an import.
	Pull(ctx context.Context, target Target, query PullQuery) ([]map[string]interface{}, error)

	// Remove deletes the record identified by externalID.
	Remove(ctx context.Context, target Target, externalID string) error

	// TestConnection tests if connection is valid
	TestConnection(ctx context.Context) error

	// GetType returns the connector type
	GetType() string

	Close() error
}

// Factory builds connectors from a system's connection settings.
type Factory interface {
	New(cfg Config) (Connector, error)
}

type factory struct {
	defaultTimeout time.Duration
}

func NewFactory(cfg *config.Config) Factory {
	return &factory{defaultTimeout: cfg.HTTPClientTimeout}
}

func (f *factory) New(cfg Config) (Connector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = f.defaultTimeout
	}
	switch cfg.Kind {
	case KindREST, "":
		return NewRESTConnector(cfg)
	case KindSQL:
		return NewSQLConnector(cfg)
	}
	return nil, fmt.Errorf("unsupported connector kind %q", cfg.Kind)
}
