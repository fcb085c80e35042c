// Package logx holds the process-wide structured logger. It is
// initialized once at startup; components retrieve it via L().
package logx

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.Mutex
	lg *zap.SugaredLogger
)

// Init builds the logger from LOG_LEVEL and LOG_FORMAT environment
// variables. LOG_LEVEL: debug|info|warn|error (default info).
// LOG_FORMAT: json|console (default json).
func Init() {
	mu.Lock()
	defer mu.Unlock()
	lg = build()
}

func build() *zap.SugaredLogger {
	level := zapcore.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "console" {
		cfg.Encoding = "console"
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		// Fall back to a no-op logger rather than failing startup.
		return zap.NewNop().Sugar()
	}
	return z.Sugar()
}

// L returns the process logger, initializing it on first use.
func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if lg == nil {
		lg = build()
	}
	return lg
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() { _ = L().Sync() }
