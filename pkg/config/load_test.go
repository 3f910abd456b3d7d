package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	content := `{
  "trace_dir": "/tmp/traces",
  "include_all": true,
  "max_body_size": 2048,
  "wrapped": {"binary": "mycoder", "grace_period": "10s"},
  "viewer": {"enabled": false},
  "telemetry": {"logging": {"level": "debug"}}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.TraceDir != "/tmp/traces" {
		t.Errorf("TraceDir = %q", cfg.TraceDir)
	}
	if !cfg.IncludeAll {
		t.Error("IncludeAll not applied")
	}
	if cfg.MaxBodySize != 2048 {
		t.Errorf("MaxBodySize = %d", cfg.MaxBodySize)
	}
	if cfg.Wrapped.Binary != "mycoder" {
		t.Errorf("Wrapped.Binary = %q", cfg.Wrapped.Binary)
	}
	if cfg.Wrapped.GracePeriod != 10*time.Second {
		t.Errorf("GracePeriod = %s", cfg.Wrapped.GracePeriod)
	}

	// A file can disable a true-by-default boolean.
	if cfg.Viewer.Enabled {
		t.Error("viewer.enabled=false not honored")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("logging level = %q", cfg.Telemetry.Logging.Level)
	}

	// Untouched fields keep their defaults.
	if cfg.Proxy.ListenAddress != "127.0.0.1:0" {
		t.Errorf("ListenAddress = %q, want default", cfg.Proxy.ListenAddress)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("metrics default lost")
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	os.WriteFile(path, []byte("{broken"), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestNewDefaultValues(t *testing.T) {
	cfg := NewDefault()

	if cfg.TraceDir != ".opencode-trace" {
		t.Errorf("TraceDir default = %q", cfg.TraceDir)
	}
	if cfg.MaxBodySize != 1<<20 {
		t.Errorf("MaxBodySize default = %d", cfg.MaxBodySize)
	}
	if cfg.Wrapped.Binary != "opencode" {
		t.Errorf("Wrapped.Binary default = %q", cfg.Wrapped.Binary)
	}
	if cfg.Wrapped.ExitTimeout != 60*time.Second {
		t.Errorf("ExitTimeout default = %s", cfg.Wrapped.ExitTimeout)
	}
	if !cfg.Viewer.Enabled {
		t.Error("viewer not enabled by default")
	}
	if cfg.IPC.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval default = %s", cfg.IPC.PollInterval)
	}
}
