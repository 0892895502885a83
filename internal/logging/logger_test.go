// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if Get().Level() != LevelInfo {
		t.Errorf("Level() = %v, want INFO", Get().Level())
	}

	Info("hello")
	if buf1.Len() == 0 || buf2.Len() != 0 {
		t.Error("global logger should write to the first writer only")
	}
}

// TestGet_concurrentFirstUse verifies concurrent first calls to Get share
// one logger.
func TestGet_concurrentFirstUse(t *testing.T) {
	global = nil
	once = *new(sync.Once)
	defer func() {
		global = nil
		once = *new(sync.Once)
		Init(io.Discard, LevelInfo)
	}()

	const n = 16
	got := make([]*Logger, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = Get()
		}(i)
	}
	wg.Wait()

	for i, l := range got {
		if l == nil || l != got[0] {
			t.Fatalf("Get() #%d = %p, want %p", i, l, got[0])
		}
	}
}

// TestLogger_Info verifies info logging with context fields.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("operation enqueued", map[string]interface{}{"operation_id": "op-1", "kind": "scan"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["message"] != "operation enqueued" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["operation_id"] != "op-1" || entry["kind"] != "scan" {
		t.Errorf("context fields missing: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("sync pass failed", "SYNC_FAILED", io.ErrUnexpectedEOF, map[string]interface{}{"pass": 3})

	entry := decodeLines(t, &buf)[0]
	if entry["level"] != "error" {
		t.Errorf("level = %v, want error", entry["level"])
	}
	if entry["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v", entry["error_code"])
	}
	if !strings.Contains(entry["error"].(string), io.ErrUnexpectedEOF.Error()) {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["pass"] != float64(3) {
		t.Errorf("pass = %v", entry["pass"])
	}
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(entries))
	}
	if entries[0]["level"] != "warning" {
		t.Errorf("First log level = %v, want warning", entries[0]["level"])
	}
	if entries[1]["level"] != "error" {
		t.Errorf("Second log level = %v, want error", entries[1]["level"])
	}
}

// TestParseLevel verifies config strings map onto levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
