package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/callisto/pkg/cli"
	"mercator-hq/callisto/pkg/config"
)

// testConfig builds a validated configuration that wraps a trivial shell
// command instead of a real assistant.
func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()

	cfg := config.NewDefault()
	cfg.TraceDir = filepath.Join(t.TempDir(), "traces")
	cfg.Wrapped.Path = "/bin/sh"
	cfg.Wrapped.Args = []string{"-c", script}
	cfg.Quiet = true
	// Self-metrics and tracing stay out of unit tests.
	cfg.Telemetry.Metrics.Enabled = false

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test configuration invalid: %v", err)
	}
	return cfg
}

func runCoordinator(t *testing.T, cfg *config.Config) (*Coordinator, int, error) {
	t.Helper()
	c, err := New(cfg, cli.NewPrinter(io.Discard, true, false))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	code, runErr := c.Run(context.Background())
	return c, code, runErr
}

func readLog(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("log line not valid JSON: %v\n%s", err, scanner.Text())
		}
		events = append(events, e)
	}
	return events
}

func TestSessionEndToEnd(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	c, code, err := runCoordinator(t, cfg)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	dir := filepath.Join(cfg.TraceDir, "sessions", c.SessionID())

	events := readLog(t, filepath.Join(dir, "session.jsonl"))
	if len(events) == 0 {
		t.Fatal("empty session log")
	}
	for i, e := range events {
		for _, key := range []string{"type", "timestamp", "session_id"} {
			if _, ok := e[key]; !ok {
				t.Errorf("event %d missing %q", i, key)
			}
		}
		if e["session_id"] != c.SessionID() {
			t.Errorf("event %d session id = %v", i, e["session_id"])
		}
	}

	types := map[string]bool{}
	for _, e := range events {
		types[e["type"].(string)] = true
	}
	for _, want := range []string{"session_start", "interception_initialized", "child_exit", "aggregation_summary", "session_end"} {
		if !types[want] {
			t.Errorf("lifecycle event %q missing from log", want)
		}
	}

	// state.json agrees with the log.
	stateData, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("state.json missing: %v", err)
	}
	var snap map[string]any
	if err := json.Unmarshal(stateData, &snap); err != nil {
		t.Fatalf("state.json not valid JSON: %v", err)
	}
	if snap["status"] != "completed" {
		t.Errorf("final status = %v, want completed", snap["status"])
	}
	if got := int(snap["events_processed"].(float64)); got != len(events) {
		t.Errorf("events_processed = %d, log has %d lines", got, len(events))
	}

	// metadata.json and the viewer artifact exist.
	if _, err := os.Stat(filepath.Join(dir, "metadata.json")); err != nil {
		t.Errorf("metadata.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "session.html")); err != nil {
		t.Errorf("session.html missing: %v", err)
	}
}

func TestSessionChildCrashStillFinalizes(t *testing.T) {
	cfg := testConfig(t, "exit 3")
	c, code, err := runCoordinator(t, cfg)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	// The wrapper exits 0 regardless of the child's code.
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	dir := filepath.Join(cfg.TraceDir, "sessions", c.SessionID())
	events := readLog(t, filepath.Join(dir, "session.jsonl"))

	var exitEvent map[string]any
	for _, e := range events {
		if e["type"] == "child_exit" {
			exitEvent = e
		}
	}
	if exitEvent == nil {
		t.Fatal("child_exit event missing")
	}
	data := exitEvent["data"].(map[string]any)
	if int(data["exit_code"].(float64)) != 3 {
		t.Errorf("recorded exit code = %v, want 3", data["exit_code"])
	}

	if _, err := os.Stat(filepath.Join(dir, "session.html")); err != nil {
		t.Errorf("viewer not produced after child crash: %v", err)
	}
}

func TestSessionBinaryNotFound(t *testing.T) {
	cfg := config.NewDefault()
	cfg.TraceDir = filepath.Join(t.TempDir(), "traces")
	cfg.Wrapped.Binary = "definitely-not-a-real-binary-8271"
	cfg.Quiet = true
	cfg.Telemetry.Metrics.Enabled = false

	_, code, err := runCoordinator(t, cfg)
	if err == nil {
		t.Fatal("missing binary accepted")
	}
	if code == 0 {
		t.Error("exit code 0 despite missing binary")
	}
}

func TestSessionCatalogUpdated(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	c, _, err := runCoordinator(t, cfg)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.TraceDir, "index.db")); err != nil {
		t.Fatalf("catalog missing: %v", err)
	}

	// --continue resolves to the finished session.
	cfg2 := config.NewDefault()
	cfg2.TraceDir = cfg.TraceDir
	cfg2.Session.Continue = true
	cfg2.Quiet = true
	c2, err := New(cfg2, cli.NewPrinter(io.Discard, true, false))
	if err != nil {
		t.Fatalf("New(continue) failed: %v", err)
	}
	if c2.SessionID() != c.SessionID() {
		t.Errorf("continue resolved %q, want %q", c2.SessionID(), c.SessionID())
	}
}

func TestSessionExplicitID(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	cfg.Session.ID = "pinned-id-1"
	c, _, err := runCoordinator(t, cfg)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if c.SessionID() != "pinned-id-1" {
		t.Errorf("session id = %q", c.SessionID())
	}
	if _, err := os.Stat(filepath.Join(cfg.TraceDir, "sessions", "pinned-id-1", "session.jsonl")); err != nil {
		t.Errorf("session directory not keyed by explicit id: %v", err)
	}
}

func TestDrainWindowIsBounded(t *testing.T) {
	cfg := testConfig(t, "exit 0")
	start := time.Now()
	if _, _, err := runCoordinator(t, cfg); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("session took %s, finalization not bounded", elapsed)
	}
}
