package viewer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

// HTMLRenderer is the built-in renderer: it inlines the parsed event log
// into a single HTML page with no external assets.
type HTMLRenderer struct{}

// Render reads the JSONL log and returns the HTML payload. Unparseable
// lines are skipped; an empty log still renders.
func (r *HTMLRenderer) Render(jsonlPath, outputHTMLPath, templateName string, opts Options) ([]byte, error) {
	events, skipped, err := readEvents(jsonlPath)
	if err != nil {
		return nil, err
	}

	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}

	title := opts.Title
	if title == "" {
		title = opts.SessionID
	}

	var buf bytes.Buffer
	data := struct {
		Title      string
		SessionID  string
		EventCount int
		Skipped    int
		EventsJSON template.JS
	}{
		Title:      title,
		SessionID:  opts.SessionID,
		EventCount: len(events),
		Skipped:    skipped,
		EventsJSON: template.JS(eventsJSON),
	}
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", templateName, err)
	}
	return buf.Bytes(), nil
}

// readEvents parses the log line by line. The count of unparseable lines
// is reported so the page can disclose gaps.
func readEvents(path string) ([]map[string]any, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var events []map[string]any
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal(line, &event); err != nil {
			skipped++
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read log: %w", err)
	}
	return events, skipped, nil
}

// writeFileAtomic writes payload via temp file + rename.
func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".viewer-*.html.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

var pageTemplate = template.Must(template.New("session").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}} · callisto trace</title>
<style>
body { font: 13px/1.5 ui-monospace, monospace; margin: 2rem; color: #222; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; vertical-align: top; }
tr:hover td { background: #f6f6f6; }
.type { white-space: nowrap; }
.payload { max-width: 48rem; overflow-wrap: anywhere; color: #555; }
.meta { color: #888; margin-bottom: 1rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">session {{.SessionID}} · {{.EventCount}} events{{if .Skipped}} · {{.Skipped}} unparseable lines skipped{{end}}</p>
<table id="events">
<thead><tr><th>#</th><th>time</th><th class="type">type</th><th>source</th><th class="payload">payload</th></tr></thead>
<tbody></tbody>
</table>
<script>
const events = {{.EventsJSON}} || [];
const tbody = document.querySelector("#events tbody");
for (const e of events) {
  const tr = document.createElement("tr");
  const cells = [
    e.index ?? "",
    e.timestamp ? new Date(e.timestamp).toISOString() : "",
    e.type ?? "",
    e.source ?? "",
    JSON.stringify(e.data ?? {}),
  ];
  for (const c of cells) {
    const td = document.createElement("td");
    td.textContent = String(c);
    tr.appendChild(td);
  }
  tbody.appendChild(tr);
}
</script>
</body>
</html>
`))
