// Package logging builds the process logger for aisort.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. verbose lowers the level to debug.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// Component returns a named child logger. A nil base yields a no-op logger,
// so components never have to nil-check.
func Component(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.Named(name)
}
