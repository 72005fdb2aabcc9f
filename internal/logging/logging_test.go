package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	ForLink(log, "uplink").Info(context.Background(), "link started",
		Uint64("bps", 12_000_000),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "link started" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	if rec["link"] != "uplink" {
		t.Fatalf("link = %v, want uplink", rec["link"])
	}
	if rec["bps"] != float64(12_000_000) {
		t.Fatalf("bps = %v", rec["bps"])
	}
	if rec["error"] != "boom" {
		t.Fatalf("error = %v", rec["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn message missing: %q", out)
	}
}

func TestRequestIDHelpers(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRequestID returned empty id")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, id)
	}
	again, id2 := EnsureRequestID(ctx)
	if id2 != id || RequestIDFromContext(again) != id {
		t.Fatalf("EnsureRequestID replaced an existing id")
	}
}

func TestLoggerFromContextFallsBackToNoop(t *testing.T) {
	if l := LoggerFromContext(context.Background()); l == nil {
		t.Fatalf("LoggerFromContext returned nil")
	}
	var buf bytes.Buffer
	base := New(Config{Output: &buf})
	ctx := ContextWithLogger(context.Background(), base)
	LoggerFromContext(ctx).Info(ctx, "via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatalf("logger stored on context was not used: %q", buf.String())
	}
}
