package logging

import "testing"

func TestNewBuildsLogger(t *testing.T) {
	log, err := New(false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestNewLineLoggerDisabledWhenPathEmpty(t *testing.T) {
	log, err := NewLineLogger("")
	if err != nil {
		t.Fatalf("NewLineLogger: %v", err)
	}
	if log != nil {
		t.Fatalf("expected nil logger for empty path")
	}
}

func TestNewLineLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	log, err := NewLineLogger(dir + "/access.log")
	if err != nil {
		t.Fatalf("NewLineLogger: %v", err)
	}
	if log == nil {
		t.Fatalf("expected non-nil logger")
	}
	log.Info("test line")
	_ = log.Sync()
}

func TestNamedHandlesNilLogger(t *testing.T) {
	if got := Named(nil, "handler"); got == nil {
		t.Fatalf("expected no-op logger, got nil")
	}
}
