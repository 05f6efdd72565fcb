package internal

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the package-wide structured logger. It defaults to a no-op
// logger so library code and tests never nil-check it.
var logger = zap.NewNop().Sugar()

// InitLogger builds the process logger at the given level ("debug",
// "info", "warn", "error"). Verbose forces debug regardless of level.
func InitLogger(level string, verbose bool) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	if verbose {
		parsed = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = built.Sugar()
	return nil
}

// Logger exposes the package logger for the cmd layer.
func Logger() *zap.SugaredLogger {
	return logger
}

// SyncLogger flushes buffered log entries; call on shutdown.
func SyncLogger() {
	_ = logger.Sync()
}
