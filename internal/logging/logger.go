// Package logging builds the process-wide zap logger. Every package in
// this module takes a *zap.SugaredLogger rather than reaching for the
// stdlib log package directly.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap config by default, or a development config
// (console-encoded, caller-annotated, debug-level) when LOG_LEVEL=debug.
func New() *zap.SugaredLogger {
	var cfg zap.Config
	if os.Getenv("LOG_LEVEL") == "debug" {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			if parsed, err := zapcore.ParseLevel(lvl); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(parsed)
			}
		}
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a Nop logger rather than crash the process over a
		// logging misconfiguration.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
