package writer

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/callisto/pkg/trace"
)

func makeEvent(i int) *trace.Event {
	return &trace.Event{
		ID:        "evt-" + string(rune('a'+i%26)),
		Type:      trace.TypeBashCommand,
		SessionID: "s1",
		Timestamp: 1700000000000 + int64(i),
		Source:    trace.SourceIPC,
		Index:     int64(i),
		Data:      map[string]any{"command": "echo", "n": i},
	}
}

func TestWriterAppendsValidJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	in := make(chan *trace.Event, 64)
	w, err := New(DefaultConfig(path), in, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	go w.Run()

	const n = 40
	for i := 0; i < n; i++ {
		in <- makeEvent(i)
	}
	close(in)
	w.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if got := w.LinesWritten(); got != n {
		t.Errorf("LinesWritten() = %d, want %d", got, n)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		for _, key := range []string{"type", "timestamp", "session_id"} {
			if _, ok := decoded[key]; !ok {
				t.Errorf("line %d missing %q", lines, key)
			}
		}
		lines++
	}
	if lines != n {
		t.Errorf("log has %d lines, want %d", lines, n)
	}

	if w.BytesWritten() == 0 {
		t.Error("BytesWritten() = 0")
	}
}

func TestWriterCreatesFileBeforeFirstEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "session.jsonl")

	in := make(chan *trace.Event)
	w, err := New(DefaultConfig(path), in, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	go w.Run()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created up front: %v", err)
	}

	// No stray temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Expected only the log in %s, found %d entries", filepath.Dir(path), len(entries))
	}

	close(in)
	w.Wait()
	w.Close()
}

func TestWriterFatalAfterRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	in := make(chan *trace.Event, 4)
	cfg := DefaultConfig(path)
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = time.Millisecond

	var fatal error
	w, err := New(cfg, in, func(err error) { fatal = err })
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// Closing the handle out from under the writer makes every append
	// fail deterministically.
	w.file.Close()

	go w.Run()
	in <- makeEvent(0)
	close(in)
	w.Wait()

	if fatal == nil {
		t.Fatal("fatal callback not invoked")
	}
	var lossErr *EventLossError
	if !errors.As(w.Fatal(), &lossErr) {
		t.Errorf("Fatal() = %v, want *EventLossError", w.Fatal())
	}
}
