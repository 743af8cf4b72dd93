package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/polyrun/config"
)

// NewFromConfig builds the application logger from the logging section
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a new logger instance. Output always goes to stderr because
// stdout carries the MCP stdio transport.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("polyrun"), nil
}

// Field keys carried by every execution log line
const (
	KeyExecutionID = "execution_id"
	KeyLanguage    = "language"
	KeyCallerID    = "caller_id"
	KeyPath        = "path"
)

// ForExecution scopes log to a single execution. An empty caller id is omitted.
func ForExecution(log *zap.Logger, executionID, language, callerID string) *zap.Logger {
	fields := []zap.Field{
		zap.String(KeyExecutionID, executionID),
		zap.String(KeyLanguage, language),
	}
	if callerID != "" {
		fields = append(fields, zap.String(KeyCallerID, callerID))
	}
	return log.With(fields...)
}
