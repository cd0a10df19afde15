package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("NOTESYNC_TEST_INT", "42")
	got := intEnv("NOTESYNC_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("NOTESYNC_TEST_INT_BAD", "not-a-number")
	got := intEnv("NOTESYNC_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("NOTESYNC_TEST_DURATION", "150ms")
	got := durationEnv("NOTESYNC_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("NOTESYNC_TEST_DURATION_BAD", "soon")
	got := durationEnv("NOTESYNC_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("NOTESYNC_TEST_INT_UNSET")
	_ = os.Unsetenv("NOTESYNC_TEST_DURATION_UNSET")

	if got := intEnv("NOTESYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("NOTESYNC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestProfileStateDSNDefaults(t *testing.T) {
	t.Setenv("NOTESYNC_BACKEND_PROFILE", "memory")
	dsn, err := profileStateDSNFromEnv()
	if err != nil {
		t.Fatalf("memory profile: %v", err)
	}
	if dsn != "memory://" {
		t.Fatalf("expected memory:// dsn, got %q", dsn)
	}

	t.Setenv("NOTESYNC_BACKEND_PROFILE", "durable-local")
	t.Setenv("NOTESYNC_DATA_DIR", "data")
	dsn, err = profileStateDSNFromEnv()
	if err != nil {
		t.Fatalf("durable-local profile: %v", err)
	}
	if dsn != "file://"+filepath.Join("data", "state.json") {
		t.Fatalf("unexpected durable-local dsn %q", dsn)
	}

	t.Setenv("NOTESYNC_BACKEND_PROFILE", "production")
	t.Setenv("NOTESYNC_PRODUCTION_DSN", "")
	t.Setenv("NOTESYNC_POSTGRES_DSN", "")
	if _, err := profileStateDSNFromEnv(); err == nil {
		t.Fatalf("expected error for production profile without a DSN")
	}

	t.Setenv("NOTESYNC_BACKEND_PROFILE", "floppy-disk")
	if _, err := profileStateDSNFromEnv(); err == nil {
		t.Fatalf("expected error for unsupported profile")
	}
}
