package obs

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
	level    = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newJSONLogger(zapcore.Lock(os.Stdout))
	}
	return logger
}

// SetLogger replaces the shared logger and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = l
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// SetLevel changes the verbosity of the default logger ("debug", "info", "warn", "error").
func SetLevel(lvl string) error {
	return level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(lvl))))
}

func newJSONLogger(ws zapcore.WriteSyncer) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		CallerKey:      zapcore.OmitKey,
		StacktraceKey:  zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(cfg), ws, level))
}
