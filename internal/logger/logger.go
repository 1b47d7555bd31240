// Package logger wraps zap with the key/value call style used across the service.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger. mode is "prod" for JSON output, anything else for the
// human-readable development encoder.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, sanitizeKVs(keysAndValues)...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(keysAndValues)...)}
}

var (
	redactOnce       sync.Once
	redactionEnabled bool
)

func redactionOn() bool {
	redactOnce.Do(func() {
		v := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_REDACT")))
		redactionEnabled = v == "1" || v == "true" || v == "yes"
	})
	return redactionEnabled
}

// sanitizeKVs always hides secrets; user content is reduced to its length
// only when LOG_REDACT is on.
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
		key, _ := kv[i].(string)
		out = append(out, kv[i], sanitizeValue(strings.ToLower(key), kv[i+1]))
	}
	return out
}

func sanitizeValue(key string, val interface{}) interface{} {
	switch {
	case isRedactKey(key):
		return "[REDACTED]"
	case key == "content" || key == "text":
		if !redactionOn() {
			return val
		}
		if s, ok := val.(string); ok {
			return map[string]int{"len": len(s)}
		}
		return "[REDACTED]"
	default:
		return val
	}
}

func isRedactKey(key string) bool {
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "password"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "_key"),
		strings.HasSuffix(key, "key_hex"):
		return true
	default:
		return false
	}
}
