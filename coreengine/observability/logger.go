package observability

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is the structured logger used across the engine.
// Messages are snake_case event names; fields are key/value pairs.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// ZapLogger implements Logger over a zap sugared logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a logger. Mode "production" emits JSON at info level;
// anything else emits console output at debug level.
func NewZapLogger(mode string) (*ZapLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: z.Sugar()}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(z *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: z.Sugar()}
}

func (l *ZapLogger) Debug(msg string, fields ...any) { l.sugar.Debugw(msg, redact(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...any)  { l.sugar.Infow(msg, redact(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...any)  { l.sugar.Warnw(msg, redact(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...any) { l.sugar.Errorw(msg, redact(fields)...) }

// Bind returns a child logger carrying the given fields.
func (l *ZapLogger) Bind(fields ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(redact(fields)...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() {
	_ = l.sugar.Sync()
}

var redactedKeys = []string{"token", "api_key", "apikey", "secret", "password", "authorization", "image_data"}

func redact(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		lk := strings.ToLower(key)
		for _, r := range redactedKeys {
			if strings.Contains(lk, r) {
				out[i+1] = "[REDACTED]"
				break
			}
		}
	}
	return out
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)  {}
func (NopLogger) Info(string, ...any)   {}
func (NopLogger) Warn(string, ...any)   {}
func (NopLogger) Error(string, ...any)  {}
func (n NopLogger) Bind(...any) Logger { return n }
