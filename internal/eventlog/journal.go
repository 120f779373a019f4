// Package eventlog writes the controller's structured status and event records.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Publisher forwards event records to other systems.
type Publisher interface {
	Publish(ctx context.Context, subject string, msg []byte) error
	Close() error
}

// Record is the payload forwarded to the publisher.
type Record struct {
	Timestamp time.Time   `json:"timestamp"`
	Level     Level       `json:"level"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Journal keeps every record in the status log; records flagged as events
// also go to the append-only event log and the publisher.
type Journal struct {
	status    *zap.Logger
	events    *zap.Logger
	logger    *zap.Logger
	publisher Publisher
	subject   string
}

func New(statusLogger, eventLogger, logger *zap.Logger) *Journal {
	return &Journal{
		status: statusLogger,
		events: eventLogger,
		logger: logger,
	}
}

// Open creates JSON file loggers for the two record streams.
func Open(statusPath, eventPath, level string, logger *zap.Logger) (*Journal, error) {
	statusLogger, err := fileLogger(statusPath, level)
	if err != nil {
		return nil, fmt.Errorf("failed to open status log: %w", err)
	}
	eventLogger, err := fileLogger(eventPath, level)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return New(statusLogger, eventLogger, logger), nil
}

func fileLogger(path, level string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Sampling = nil
	cfg.OutputPaths = []string{path}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func (j *Journal) SetPublisher(p Publisher, subject string) {
	j.publisher = p
	j.subject = subject
}

func (j *Journal) Log(level Level, message string, data interface{}, isEvent bool) {
	fields := []zap.Field{zap.Any("data", data), zap.Bool("is_event", isEvent)}
	zl := zapLevel(level)
	if level == LevelCritical {
		fields = append(fields, zap.Bool("critical", true))
	}

	j.status.Log(zl, message, fields...)
	if !isEvent {
		return
	}

	j.events.Log(zl, message, fields...)

	if j.publisher == nil {
		return
	}
	msg, err := json.Marshal(Record{Timestamp: time.Now().UTC(), Level: level, Message: message, Data: data})
	if err != nil {
		j.logger.Warn("Failed to encode event", zap.Error(err))
		return
	}
	if err := j.publisher.Publish(context.Background(), j.subject, msg); err != nil {
		j.logger.Warn("Failed to publish event", zap.String("subject", j.subject), zap.Error(err))
	}
}

func (j *Journal) Close() error {
	_ = j.status.Sync()
	_ = j.events.Sync()
	if j.publisher != nil {
		return j.publisher.Close()
	}
	return nil
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelWarning:
		return zap.WarnLevel
	case LevelError, LevelCritical:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
