package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/codecraft/subsync/pkg/subsync"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("m") }, "debug"},
		{"info", func(l *Logger) { l.Info("m") }, "info"},
		{"warn", func(l *Logger) { l.Warn("m") }, "warn"},
		{"error", func(l *Logger) { l.Error("m") }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf)))
			entry := decodeLine(t, &buf)
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Warn("signature rejected",
		subsync.Field{Key: "event_id", Value: "evt_1"},
		subsync.Field{Key: "error", Value: errors.New("bad mac")},
	)

	entry := decodeLine(t, &buf)
	if entry["event_id"] != "evt_1" {
		t.Errorf("event_id = %v", entry["event_id"])
	}
	if entry["error"] != "bad mac" {
		t.Errorf("error = %v, want bad mac", entry["error"])
	}
	if entry["message"] != "signature rejected" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn should be written")
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf)).With(subsync.Field{Key: "component", Value: "executor"})

	logger.Info("hello")
	entry := decodeLine(t, &buf)
	if entry["component"] != "executor" {
		t.Errorf("component = %v", entry["component"])
	}
}

var _ subsync.Logger = (*Logger)(nil)
