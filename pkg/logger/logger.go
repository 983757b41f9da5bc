// Package logger wraps a process-wide zap logger behind package-level helpers.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var l atomic.Pointer[zap.Logger]

func init() {
	l.Store(zap.NewNop())
}

// InitLogger builds the process logger. "prod" gets JSON output at the given
// level; anything else gets the development console encoder.
func InitLogger(env, level string) {
	var cfg zap.Config

	if env == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}

	l.Store(logger)
}

// Set replaces the process logger, mostly for tests.
func Set(logger *zap.Logger) {
	l.Store(logger)
}

// L returns the underlying logger.
func L() *zap.Logger {
	return l.Load()
}

func Info(msg string, fields ...zap.Field) {
	l.Load().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	l.Load().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	l.Load().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	l.Load().Warn(msg, fields...)
}

func Sync() error {
	return l.Load().Sync()
}
