package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestInitWriter_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	log := InitWriter(&buf, "barengine", slog.LevelInfo)
	log.Info("hello", LogWithRun(WithRunID(context.Background(), "r-1"))...)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "barengine" || rec["run_id"] != "r-1" || rec["msg"] != "hello" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RunID(ctx); id != "" {
		t.Errorf("expected empty run id, got %q", id)
	}

	ctx = WithRunID(ctx, "run-123")
	if id := RunID(ctx); id != "run-123" {
		t.Errorf("expected 'run-123', got %q", id)
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Fatal("expected distinct run ids")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected a UUID, got %q", a)
	}
}

func TestLogWithRun(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithRun(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no run id, got %v", attrs)
	}

	ctx = WithRunID(ctx, "abc-123")
	if attrs := LogWithRun(ctx); len(attrs) != 1 {
		t.Fatalf("expected one attr with run id set, got %v", attrs)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
