package viewer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestHTMLRendererInlinesEvents(t *testing.T) {
	log := writeLog(t,
		`{"type":"session_start","timestamp":1700000000000,"session_id":"s1","source":"internal","data":{}}`,
		`{"type":"http_request_start","timestamp":1700000000100,"session_id":"s1","source":"proxy","data":{"url":"https://api.anthropic.com/v1/messages"}}`,
	)

	r := &HTMLRenderer{}
	payload, err := r.Render(log, "", "default", Options{SessionID: "s1", Title: "my run"})
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}

	html := string(payload)
	if !strings.Contains(html, "my run") {
		t.Error("title missing from page")
	}
	if !strings.Contains(html, "api.anthropic.com") {
		t.Error("event data not inlined")
	}
	if !strings.Contains(html, "2 events") {
		t.Error("event count missing")
	}
}

func TestHTMLRendererSkipsBadLines(t *testing.T) {
	log := writeLog(t,
		`{"type":"session_start","timestamp":1,"session_id":"s1","source":"internal","data":{}}`,
		`{definitely not json`,
	)

	r := &HTMLRenderer{}
	payload, err := r.Render(log, "", "default", Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if !strings.Contains(string(payload), "1 unparseable lines skipped") {
		t.Error("skipped-line disclosure missing")
	}
}

func TestEmitterWritesOnceOnly(t *testing.T) {
	log := writeLog(t, `{"type":"session_start","timestamp":1,"session_id":"s1","source":"internal","data":{}}`)
	out := filepath.Join(filepath.Dir(log), "session.html")

	e := NewEmitter(nil)
	first := e.Emit(log, out, "default", Options{SessionID: "s1"})
	if first != out {
		t.Fatalf("Emit() = %q, want %q", first, out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("viewer not written: %v", err)
	}

	// The renderer is invoked exactly once per session.
	second := e.Emit(log, out, "default", Options{SessionID: "s1"})
	if second != "" {
		t.Errorf("second Emit() = %q, want empty", second)
	}
}

func TestEmitterMissingLogIsWarning(t *testing.T) {
	e := NewEmitter(nil)
	dir := t.TempDir()
	got := e.Emit(filepath.Join(dir, "nope.jsonl"), filepath.Join(dir, "out.html"), "default", Options{})
	if got != "" {
		t.Errorf("Emit() on missing log = %q, want empty", got)
	}
}
