package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestPrinterQuietSuppressesStatus(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true, false)

	p.Status("should not appear")
	p.Detail("nor this")
	if buf.Len() != 0 {
		t.Errorf("quiet printer wrote: %q", buf.String())
	}

	// The summary prints even in quiet mode.
	p.PrintSummary(Summary{
		SessionID:  "s1",
		TraceFile:  "/tmp/t/sessions/s1/session.jsonl",
		EventCount: 7,
		Duration:   1500 * time.Millisecond,
	})
	out := buf.String()
	if !strings.Contains(out, "s1") || !strings.Contains(out, "7 events") {
		t.Errorf("summary incomplete: %q", out)
	}
}

func TestPrinterVerboseDetail(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false, true)
	p.Detail("proxy on %d", 9000)
	if !strings.Contains(buf.String(), "proxy on 9000") {
		t.Errorf("detail missing: %q", buf.String())
	}

	var quietBuf bytes.Buffer
	NewPrinter(&quietBuf, false, false).Detail("hidden")
	if quietBuf.Len() != 0 {
		t.Error("detail printed without verbose")
	}
}

func TestSummaryIncludesViewer(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false, false).PrintSummary(Summary{
		SessionID:  "s2",
		ViewerFile: "/tmp/t/sessions/s2/session.html",
	})
	if !strings.Contains(buf.String(), "session.html") {
		t.Errorf("viewer path missing: %q", buf.String())
	}
}
