package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger wraps a sugared zap logger with key/value helpers. Identities are
// player emails in practice, so keys that look like credentials are redacted.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zl.Sugar()}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// NewObserved returns a logger backed by an in-memory core so tests can
// assert on emitted entries.
func NewObserved() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.SugaredLogger.Debugw(msg, sanitizeKVs(kv)...)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.SugaredLogger.Infow(msg, sanitizeKVs(kv)...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.SugaredLogger.Warnw(msg, sanitizeKVs(kv)...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.SugaredLogger.Errorw(msg, sanitizeKVs(kv)...)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.SugaredLogger.Fatalw(msg, sanitizeKVs(kv)...)
}

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(kv)...)}
}

func sanitizeKVs(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := fmt.Sprint(kv[i])
		if isRedactKey(strings.ToLower(key)) {
			out = append(out, key, "[REDACTED]")
			continue
		}
		out = append(out, key, kv[i+1])
	}
	return out
}

func isRedactKey(key string) bool {
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "authorization"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "api_key"),
		strings.Contains(key, "apikey"):
		return true
	default:
		return false
	}
}
