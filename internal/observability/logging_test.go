package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("backend configured", "detail", "api_key=sk-abcdefghijklmnop1234")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnop1234") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in %s", out)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	logger.Info("hello", "k", "v")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "hello" || record["k"] != "v" {
		t.Errorf("record = %v", record)
	}

	buf.Reset()
	logger = NewLogger(LogConfig{Format: "text", Output: &buf})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %s", buf.String())
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	if buf.Len() != 0 {
		t.Errorf("below-threshold records emitted: %s", buf.String())
	}

	logger.Warn("visible")
	if buf.Len() == 0 {
		t.Error("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextCorrelation(t *testing.T) {
	ctx := WithRequestID(t.Context(), "req-1")
	ctx = WithSessionID(ctx, "sess-1")

	if got := RequestID(ctx); got != "req-1" {
		t.Errorf("RequestID = %q", got)
	}
	if got := SessionID(ctx); got != "sess-1" {
		t.Errorf("SessionID = %q", got)
	}
	if got := RequestID(t.Context()); got != "" {
		t.Errorf("empty context RequestID = %q", got)
	}
}
