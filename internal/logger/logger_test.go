package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelDebug)
	log := slog.New(handler).With("room", "r1").WithGroup("protocol")
	log.Info("request applied", "asset", "A1")
	log.Debug("echo suppressed")

	if err := handler.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	text := string(data)
	for _, want := range []string{"request applied", "room=r1", "protocol.asset=A1", "echo suppressed"} {
		if !strings.Contains(text, want) {
			t.Errorf("log output missing %q:\n%s", want, text)
		}
	}
}

func TestAsyncHandlerLevelFilter(t *testing.T) {
	handler := NewAsyncHandler("", slog.LevelWarn)
	defer handler.Close()
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info must be filtered at warn level")
	}
	if !handler.Enabled(context.Background(), LevelFatal) {
		t.Fatal("fatal must pass the warn filter")
	}
}
