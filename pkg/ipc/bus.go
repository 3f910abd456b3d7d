// Package ipc receives events from auxiliary co-processes through a
// filesystem drop-box. Polling is the contract, since plain files are
// the only medium available to co-processes of arbitrary languages;
// fsnotify wakeups are layered on top so messages are usually picked up
// immediately.
package ipc

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"

	"mercator-hq/callisto/pkg/trace"
)

// EventSink receives forwarded events.
type EventSink interface {
	Offer(e *trace.Event) bool
}

// Config contains configuration for the IPC Bus.
type Config struct {
	// SessionID scopes the drop-box directory.
	SessionID string

	// Dir overrides the drop-box location.
	// Default: <os temp dir>/callisto-ipc-<session id>
	Dir string

	// PollInterval is the scan cadence. fsnotify wakeups accelerate
	// pickup but the poll remains the correctness mechanism.
	// Default: 500ms
	PollInterval time.Duration
}

// messageName matches valid drop-box file names: msg-<millis>-<random>.json.
var messageName = regexp.MustCompile(`^msg-\d+-[A-Za-z0-9_-]+\.json$`)

// message is the on-disk shape of one IPC message. Co-processes write
// sessionId; session_id is also accepted.
type message struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId"`
	SessionID2 string         `json:"session_id"`
	Timestamp  int64          `json:"timestamp"`
	Source     string         `json:"source"`
	Data       map[string]any `json:"data"`
}

// Bus polls the drop-box and forwards valid messages to the aggregator.
type Bus struct {
	config  Config
	sink    EventSink
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	done chan struct{}
}

// New creates the drop-box directory and a Bus reading from it.
func New(config Config, sink EventSink) (*Bus, error) {
	if config.Dir == "" {
		config.Dir = filepath.Join(os.TempDir(), "callisto-ipc-"+config.SessionID)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}

	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, err
	}

	b := &Bus{
		config: config,
		sink:   sink,
		logger: slog.Default().With("component", "ipc"),
		done:   make(chan struct{}),
	}

	// Watcher failures degrade to pure polling.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(config.Dir); err == nil {
			b.watcher = watcher
		} else {
			watcher.Close()
			b.logger.Debug("drop-box watch unavailable, polling only", "error", err)
		}
	} else {
		b.logger.Debug("fsnotify unavailable, polling only", "error", err)
	}

	return b, nil
}

// Dir returns the drop-box directory co-processes write into.
func (b *Bus) Dir() string { return b.config.Dir }

// Run scans the drop-box until stop closes, then performs a final scan so
// late messages are not stranded.
func (b *Bus) Run(stop <-chan struct{}) {
	defer close(b.done)

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	if b.watcher != nil {
		watchEvents = make(chan fsnotify.Event, 16)
		go func() {
			for ev := range b.watcher.Events {
				select {
				case watchEvents <- ev:
				default:
				}
			}
		}()
	}

	for {
		select {
		case <-stop:
			b.scan()
			return
		case <-ticker.C:
			b.scan()
		case <-watchEvents:
			b.scan()
		}
	}
}

// Wait blocks until Run has exited.
func (b *Bus) Wait() {
	<-b.done
}

// Cleanup removes the drop-box directory.
func (b *Bus) Cleanup() {
	if b.watcher != nil {
		b.watcher.Close()
	}
	if err := os.RemoveAll(b.config.Dir); err != nil {
		b.logger.Warn("drop-box cleanup failed", "dir", b.config.Dir, "error", err)
	}
}

// scan processes every well-named file currently in the drop-box. Files
// are deleted after forwarding; deletion races with other scanners are
// tolerated.
func (b *Bus) scan() {
	entries, err := os.ReadDir(b.config.Dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			b.logger.Warn("drop-box scan failed", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !messageName.MatchString(entry.Name()) {
			continue
		}
		b.consume(filepath.Join(b.config.Dir, entry.Name()))
	}
}

// consume reads, forwards and deletes one message file. Invalid files are
// deleted with a warning so they cannot wedge the poll loop.
func (b *Bus) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Another scanner won the race; nothing to do.
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		b.logger.Warn("message unreadable", "path", path, "error", err)
		b.remove(path)
		return
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		b.logger.Warn("invalid message discarded", "path", path, "error", err)
		b.remove(path)
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = msg.SessionID2
	}
	source := trace.SourceIPC
	if msg.Source != "" {
		source = trace.Source(msg.Source)
	}

	b.sink.Offer(&trace.Event{
		Type:      trace.Type(msg.Type),
		SessionID: sessionID,
		Timestamp: msg.Timestamp,
		Source:    source,
		Data:      msg.Data,
	})
	b.remove(path)
}

func (b *Bus) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("message delete failed", "path", path, "error", err)
	}
}
