package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port              string
	JWTSecret         string
	MongoURI          string
	DBName            string
	MongoTransactions bool // requires a replica set
	SkipAuth          bool
	Environment       string
	AppId             string
	CORSOrigins       string

	Sync    SyncConfig
	Webhook WebhookConfig

	HTTPClientTimeout time.Duration
}

// SyncConfig tunes the task queue, executor and dispatcher sweep.
type SyncConfig struct {
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	LeaseTimeout         time.Duration
	SweepSchedule        string
	SweepBatch           int
	Workers              int
	SystemErrorThreshold int
	SchedulerEnabled     bool
}

type WebhookConfig struct {
	ReprocessAfter time.Duration
	ExecuteNow     bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	} else {
		log.Println("Loaded .env file successfully")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", "secret"),
		MongoURI:          getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:            getEnv("DB_NAME", "school-integration"),
		MongoTransactions: getEnv("MONGO_TRANSACTIONS", "true") == "true",
		SkipAuth:          getEnv("SKIP_AUTH", "false") == "true",
		Environment:       getEnv("ENVIRONMENT", "development"),
		AppId:             getEnv("APP_ID", "school-integration"),
		CORSOrigins:       getEnv("CORS_ORIGINS", "http://localhost:3000, http://localhost:8000"),
		Sync: SyncConfig{
			MaxAttempts:          getEnvInt("SYNC_MAX_ATTEMPTS", 3),
			RetryBaseDelay:       getEnvDuration("SYNC_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:        getEnvDuration("SYNC_RETRY_MAX_DELAY", 30*time.Minute),
			LeaseTimeout:         getEnvDuration("SYNC_LEASE_TIMEOUT", 10*time.Minute),
			SweepSchedule:        getEnv("SYNC_SWEEP_SCHEDULE", "@every 30s"),
			SweepBatch:           getEnvInt("SYNC_SWEEP_BATCH", 50),
			Workers:              getEnvInt("SYNC_WORKERS", 4),
			SystemErrorThreshold: getEnvInt("SYNC_SYSTEM_ERROR_THRESHOLD", 10),
			SchedulerEnabled:     getEnv("SCHEDULER_ENABLED", "true") == "true",
		},
		Webhook: WebhookConfig{
			ReprocessAfter: getEnvDuration("WEBHOOK_REPROCESS_AFTER", 5*time.Minute),
			ExecuteNow:     getEnv("WEBHOOK_EXECUTE_NOW", "true") == "true",
		},
		HTTPClientTimeout: getEnvDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),
	}, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return d
}
