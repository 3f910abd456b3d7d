// Package writer appends validated events to the session's line-delimited
// JSON log. The writer exclusively owns the open log file handle.
package writer

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mercator-hq/callisto/pkg/trace"
)

// Config contains configuration for the log Writer.
type Config struct {
	// Path is the target .jsonl file.
	Path string

	// BatchThreshold is the queue depth at which pending events are
	// coalesced into a single write.
	// Default: 16
	BatchThreshold int

	// MaxBatch bounds how many events one write call may carry.
	// Default: 64
	MaxBatch int

	// MaxRetries is the number of append attempts before the writer gives
	// up and surfaces a fatal event-loss error.
	// Default: 5
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; each retry doubles it.
	// Default: 50ms
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the default writer configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		BatchThreshold: 16,
		MaxBatch:       64,
		MaxRetries:     5,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// EventLossError is the fatal error surfaced when an append cannot be
// completed after all retries. Events after the failure point are lost.
type EventLossError struct {
	Path string
	Err  error
}

func (e *EventLossError) Error() string {
	return fmt.Sprintf("event loss: append to %s failed after retries: %v", e.Path, e.Err)
}

func (e *EventLossError) Unwrap() error { return e.Err }

// Writer consumes enriched events and appends them as canonical JSONL.
type Writer struct {
	config Config
	in     <-chan *trace.Event
	file   *os.File
	logger *slog.Logger

	// onFatal is invoked at most once, from the consumer goroutine, when
	// retries are exhausted.
	onFatal func(error)

	// onBatch observes each successful write (event count, bytes).
	onBatch func(events, bytes int)

	mu           sync.Mutex
	linesWritten int64
	bytesWritten int64
	fatal        error

	done chan struct{}
}

// New creates the log file and a Writer consuming in. File creation uses
// a temp-file + rename so readers never observe a partially created log;
// all subsequent appends are single write calls of whole lines.
func New(config Config, in <-chan *trace.Event, onFatal func(error)) (*Writer, error) {
	if config.BatchThreshold <= 0 {
		config.BatchThreshold = 16
	}
	if config.MaxBatch < config.BatchThreshold {
		config.MaxBatch = config.BatchThreshold * 4
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 50 * time.Millisecond
	}

	if err := createAtomically(config.Path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(config.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log for append: %w", err)
	}

	return &Writer{
		config:  config,
		in:      in,
		file:    file,
		logger:  slog.Default().With("component", "trace.writer"),
		onFatal: onFatal,
		done:    make(chan struct{}),
	}, nil
}

// createAtomically materializes an empty log via temp file + rename, so a
// crash mid-create never leaves a half-made file at the final path.
func createAtomically(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.jsonl.tmp")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp log: %w", err)
	}
	return nil
}

// Run is the single consumer loop. It exits when the input channel is
// closed and drained, or permanently after a fatal event-loss error.
func (w *Writer) Run() {
	defer close(w.done)

	for e := range w.in {
		batch := []*trace.Event{e}

		// Coalesce whatever is already queued into one write.
		if len(w.in) >= w.config.BatchThreshold-1 {
			for len(batch) < w.config.MaxBatch {
				select {
				case next, ok := <-w.in:
					if !ok {
						w.writeBatch(batch)
						return
					}
					batch = append(batch, next)
				default:
					goto flush
				}
			}
		}
	flush:
		if !w.writeBatch(batch) {
			// Fatal: stop consuming. The coordinator tears the session
			// down; anything still queued is acknowledged as lost.
			for range w.in {
			}
			return
		}
	}
}

// writeBatch serializes the batch and appends it with bounded retries.
// Returns false only on fatal event loss.
func (w *Writer) writeBatch(batch []*trace.Event) bool {
	var buf bytes.Buffer
	lines := 0
	for _, e := range batch {
		line, err := e.MarshalLine()
		if err != nil {
			w.logger.Warn("event not serializable, skipped", "id", e.ID, "type", e.Type, "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		lines++
	}
	if buf.Len() == 0 {
		return true
	}

	delay := w.config.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= w.config.MaxRetries; attempt++ {
		n, err := w.file.Write(buf.Bytes())
		if err == nil {
			w.mu.Lock()
			w.linesWritten += int64(lines)
			w.bytesWritten += int64(n)
			w.mu.Unlock()
			if w.onBatch != nil {
				w.onBatch(lines, n)
			}
			return true
		}
		lastErr = err
		w.logger.Warn("log append failed, retrying",
			"attempt", attempt,
			"max_attempts", w.config.MaxRetries,
			"error", err,
		)
		// A short write would corrupt the line framing; truncate away any
		// partial write so the retry rewrites the whole batch from a clean
		// line boundary.
		if n > 0 {
			w.truncatePartial(int64(n))
		}
		time.Sleep(delay)
		delay *= 2
	}

	fatal := &EventLossError{Path: w.config.Path, Err: lastErr}
	w.mu.Lock()
	w.fatal = fatal
	w.mu.Unlock()
	w.logger.Error("log append failed permanently", "error", fatal)
	if w.onFatal != nil {
		w.onFatal(fatal)
	}
	return false
}

// truncatePartial removes a partially appended batch so no reader ever
// sees a torn line.
func (w *Writer) truncatePartial(written int64) {
	info, err := w.file.Stat()
	if err != nil {
		return
	}
	if err := w.file.Truncate(info.Size() - written); err != nil {
		w.logger.Warn("could not roll back partial append", "error", err)
	}
}

// SetBatchHook installs an observer for successful writes. Call before
// Run starts consuming.
func (w *Writer) SetBatchHook(fn func(events, bytes int)) {
	w.onBatch = fn
}

// Wait blocks until the consumer loop has exited.
func (w *Writer) Wait() {
	<-w.done
}

// Close flushes and closes the log file. Callers must stop the producer
// side (close the channel) and Wait first.
func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		w.logger.Warn("log sync failed", "error", err)
	}
	return w.file.Close()
}

// Fatal returns the fatal event-loss error, if one occurred.
func (w *Writer) Fatal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// LinesWritten returns how many events have been appended.
func (w *Writer) LinesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.linesWritten
}

// BytesWritten returns the total bytes appended.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}
