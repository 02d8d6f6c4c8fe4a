package logger

import (
	"context"
	"fmt"
	"time"

	"school-integration/internal/config"
	"school-integration/internal/database"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap/zapcore"
)

// LogEntry holds the data passed from Zap to our worker
type LogEntry struct {
	Level     zapcore.Level
	Message   string
	Caller    string
	SystemID  string
	TaskID    string
	WebhookID string
	Error     string
}

// Log is the persisted shape of a LogEntry
type Log struct {
	ApplicationID string    `bson:"application_id"`
	LogLevelID    int       `bson:"log_level_id"`
	Message       string    `bson:"message"`
	Caller        string    `bson:"caller,omitempty"`
	SystemID      string    `bson:"system_id,omitempty"`
	TaskID        string    `bson:"task_id,omitempty"`
	WebhookID     string    `bson:"webhook_id,omitempty"`
	Error         string    `bson:"error,omitempty"`
	CreatedOnUtc  time.Time `bson:"created_on_utc"`
}

// DBLogWriter handles the async writing
type DBLogWriter struct {
	db      *mongo.Database
	logChan chan LogEntry
	appId   string
}

// NewDBLogWriter initializes the worker
func NewDBLogWriter(mongodb *database.MongodbDB, cfg *config.Config) *DBLogWriter {
	writer := &DBLogWriter{
		db:      mongodb.DB,
		logChan: make(chan LogEntry, 1000),
		appId:   cfg.AppId,
	}

	go writer.processLogs()

	return writer
}

// AddLog is called by our Zap hook
func (w *DBLogWriter) AddLog(entry LogEntry) {
	select {
	case w.logChan <- entry:
	default:
		// Never block a request on log persistence.
		fmt.Println("DB Log Channel Full! Dropping log:", entry.Message)
	}
}

func (w *DBLogWriter) processLogs() {
	for entry := range w.logChan {
		logRecord := Log{
			ApplicationID: w.appId,
			LogLevelID:    mapLevelToInt(entry.Level),
			Message:       entry.Message,
			Caller:        entry.Caller,
			SystemID:      entry.SystemID,
			TaskID:        entry.TaskID,
			WebhookID:     entry.WebhookID,
			Error:         entry.Error,
			CreatedOnUtc:  time.Now().UTC(),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = w.db.Collection("logs").InsertOne(ctx, logRecord)
		cancel()
	}
}

func mapLevelToInt(l zapcore.Level) int {
	switch l {
	case zapcore.DebugLevel:
		return 10
	case zapcore.InfoLevel:
		return 20
	case zapcore.WarnLevel:
		return 30
	case zapcore.ErrorLevel:
		return 40
	case zapcore.FatalLevel:
		return 50
	default:
		return 20
	}
}
