// Package logging builds the structured logger shared by the server and CLI.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON zap.Logger at level (debug, info, warn, error).
// An empty level means info.
func New(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return cfg.Build()
}

// Must is New for main packages. It falls back to a development logger
// when level cannot be parsed.
func Must(level string) *zap.Logger {
	logger, err := New(level)
	if err != nil {
		fallback := zap.Must(zap.NewDevelopment())
		fallback.Warn("falling back to development logger", zap.Error(err))
		return fallback
	}
	return logger
}
