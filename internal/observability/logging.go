package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format selects "json" (production default) or "text".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in log records.
	AddSource bool
}

// defaultRedactPatterns covers common secrets that must never reach the
// log stream: provider API keys, bearer tokens, and JWTs.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`),
	regexp.MustCompile(`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{95,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
}

// NewLogger builds the process logger. String attribute values pass
// through secret redaction before they are emitted.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(redactString(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// LogLevelFromString converts a level name to a slog.Level, defaulting
// to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactString(s string) string {
	for _, re := range defaultRedactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// ContextKey is the type for correlation keys stored in contexts.
type ContextKey string

const (
	// RequestIDKey is the context key for request ids.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey is the context key for session ids.
	SessionIDKey ContextKey = "session_id"
)

// WithRequestID stores a request id on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSessionID stores a session id on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// RequestID retrieves the request id from the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// SessionID retrieves the session id from the context, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(SessionIDKey).(string)
	return id
}
