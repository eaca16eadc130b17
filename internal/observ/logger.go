// Package observ builds the process-wide structured logger.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the root logger. Production emits JSON; any other
// environment gets a colored console encoder. An unknown level falls
// back to info rather than failing startup.
func NewLogger(env, level string) (*zap.Logger, error) {
	var cfg zap.Config

	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("muezzin"), nil
}

// Flush drains buffered entries. Sync can fail on stderr, so shutdown
// paths call this instead of checking the error themselves.
func Flush(logger *zap.Logger) {
	_ = logger.Sync()
}
