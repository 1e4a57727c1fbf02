package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := levelFromString(in); got != want {
			t.Errorf("levelFromString(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestNew_WithRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api.log")

	lg, err := New(Options{Level: "info", File: path, MaxAge: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lg.Sugar().Infow("hello", "k", "v")
	_ = lg.Sync()

	matches, err := filepath.Glob(filepath.Join(dir, "api.*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one rotated file, got %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("rotated log file is empty")
	}
}
