package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := ReadConfig(path)
	if !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	if cfg.AppName != "session-host" {
		t.Fatalf("unexpected app name %q", cfg.AppName)
	}
}

func TestReadConfigToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	data := `
app_name = "node-a"
debug_mode = true

[session]
transfer_timeout = "45s"
echo_flag_ttl = "750ms"

[relay]
dial_addr = "ws://relay.local:7351/ws"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.AppName != "node-a" || !cfg.DebugMode {
		t.Fatalf("top-level fields not decoded: %+v", cfg)
	}
	if got := Duration(cfg.Session.TransferTimeout, 0); got != 45*time.Second {
		t.Fatalf("transfer timeout = %v", got)
	}
	if got := Duration(cfg.Session.EchoFlagTTL, 0); got != 750*time.Millisecond {
		t.Fatalf("echo flag ttl = %v", got)
	}
	// untouched sections keep their defaults
	if cfg.Session.StopTimeout != "15s" {
		t.Fatalf("stop timeout default lost: %q", cfg.Session.StopTimeout)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SESSION_HOST_APP_NAME", "from-env")
	t.Setenv("SESSION_HOST_SESSION_STOP_TIMEOUT", "5s")
	t.Setenv("SESSION_HOST_DATABASE_PORT", "27018")

	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.AppName != "from-env" {
		t.Fatalf("app name = %q", cfg.AppName)
	}
	if cfg.Session.StopTimeout != "5s" {
		t.Fatalf("stop timeout = %q", cfg.Session.StopTimeout)
	}
	if cfg.Database.Port != 27018 {
		t.Fatalf("database port = %d", cfg.Database.Port)
	}
}

func TestValidateRejectsBadDuration(t *testing.T) {
	cfg := Default()
	cfg.Session.TransferTimeout = "soon"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error")
	}
}
