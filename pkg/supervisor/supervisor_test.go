package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"mercator-hq/callisto/pkg/trace"
)

type recordSink struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (s *recordSink) Offer(e *trace.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return true
}

func (s *recordSink) types() []trace.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trace.Type
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func TestLocateBinaryNotFound(t *testing.T) {
	_, err := LocateBinary("definitely-not-a-real-binary-8271")
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("err = %v, want ErrBinaryNotFound", err)
	}
}

func TestLocateBinaryOnPath(t *testing.T) {
	path, err := LocateBinary("sh")
	if err != nil {
		t.Fatalf("LocateBinary(sh) failed: %v", err)
	}
	if path == "" {
		t.Error("empty path for sh")
	}
}

func TestStartMissingBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryName = "definitely-not-a-real-binary-8271"
	s := New(cfg, nil, nil)

	if err := s.Start(); !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("Start() err = %v, want ErrBinaryNotFound", err)
	}
	if s.State() != StateError {
		t.Errorf("state = %s, want error", s.State())
	}
}

func TestChildExitCode(t *testing.T) {
	sink := &recordSink{}
	cfg := DefaultConfig()
	cfg.BinaryPath = "/bin/sh"
	cfg.Args = []string{"-c", "exit 3"}
	cfg.SettleDelay = 10 * time.Millisecond

	s := New(cfg, sink, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	if code := s.ExitCode(); code != 3 {
		t.Errorf("ExitCode() = %d, want 3", code)
	}
	if s.State() != StateError {
		t.Errorf("state = %s, want error for nonzero exit", s.State())
	}

	found := false
	for _, typ := range sink.types() {
		if typ == trace.TypeChildExit {
			found = true
		}
	}
	if !found {
		t.Error("child_exit event not emitted")
	}
}

func TestChildCleanExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = "/bin/sh"
	cfg.Args = []string{"-c", "exit 0"}
	cfg.SettleDelay = 10 * time.Millisecond

	s := New(cfg, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	<-s.Done()

	if code := s.ExitCode(); code != 0 {
		t.Errorf("ExitCode() = %d, want 0", code)
	}
	if s.State() != StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
}

func TestSettleTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = "/bin/sh"
	cfg.Args = []string{"-c", "sleep 2"}
	cfg.SettleDelay = 50 * time.Millisecond

	s := New(cfg, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Shutdown()

	if s.State() != StateStarting {
		t.Errorf("state right after spawn = %s, want starting", s.State())
	}

	time.Sleep(200 * time.Millisecond)
	if s.State() != StateRunning {
		t.Errorf("state after settle delay = %s, want running", s.State())
	}
}

func TestShutdownGraceful(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BinaryPath = "/bin/sh"
	cfg.Args = []string{"-c", "sleep 60"}
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.GracePeriod = 2 * time.Second

	s := New(cfg, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	start := time.Now()
	s.Shutdown()
	if elapsed := time.Since(start); elapsed > cfg.GracePeriod+time.Second {
		t.Errorf("shutdown took %s, want under grace+kill", elapsed)
	}

	select {
	case <-s.Done():
	default:
		t.Error("child still running after Shutdown")
	}
}

func TestMergeEnv(t *testing.T) {
	parent := []string{"PATH=/bin", "HTTP_PROXY=http://old:1", "HOME=/root"}
	merged := mergeEnv(parent, map[string]string{
		"HTTP_PROXY": "http://127.0.0.1:9", "NEW_VAR": "x",
	})

	got := map[string]string{}
	for _, kv := range merged {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if got["HTTP_PROXY"] != "http://127.0.0.1:9" {
		t.Errorf("HTTP_PROXY = %q, want override", got["HTTP_PROXY"])
	}
	if got["PATH"] != "/bin" || got["HOME"] != "/root" {
		t.Error("parent environment lost")
	}
	if got["NEW_VAR"] != "x" {
		t.Error("injected variable missing")
	}
	if len(merged) != 4 {
		t.Errorf("merged length = %d, want 4 (no duplicates)", len(merged))
	}
}
