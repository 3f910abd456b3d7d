// Package aggregator is the single ingress for all events destined for the
// session log. It validates, de-duplicates, correlates and enriches events
// before handing them to the writer in arrival order.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mercator-hq/callisto/pkg/trace"
	"mercator-hq/callisto/pkg/trace/sanitize"
)

// Config contains configuration for the Aggregator.
type Config struct {
	// SessionID is stamped on every event that arrives without one.
	SessionID string

	// QueueSize is the capacity of the bounded intake channel. Producers
	// that find it full drop the event with a warning instead of blocking.
	// Default: 1024
	QueueSize int

	// DedupWindow is the maximum timestamp distance between two events for
	// them to be considered duplicates.
	// Default: 1s
	DedupWindow time.Duration

	// FileCorrelationWindow bounds how far back a file_*_complete event
	// searches for its matching file_*_start.
	// Default: 10s
	FileCorrelationWindow time.Duration

	// ErrorAdjacencyWindow bounds the temporal neighborhood correlated
	// with *_error events.
	// Default: 5s
	ErrorAdjacencyWindow time.Duration

	// TrendSamples is how many recent same-type durations feed the trend
	// indicator.
	// Default: 10
	TrendSamples int
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig(sessionID string) Config {
	return Config{
		SessionID:             sessionID,
		QueueSize:             1024,
		DedupWindow:           time.Second,
		FileCorrelationWindow: 10 * time.Second,
		ErrorAdjacencyWindow:  5 * time.Second,
		TrendSamples:          10,
	}
}

// Counters receives aggregation outcomes. The state store implements it;
// a nil-safe no-op keeps tests small.
type Counters interface {
	EventProcessed(typ trace.Type)
	DuplicateFiltered()
	ValidationFailed()
}

// Stats is a snapshot of the aggregator's totals.
type Stats struct {
	Processed  int64
	Duplicates int64
	Invalid    int64
	Dropped    int64
}

// Aggregator consumes the intake channel, enriches events and forwards
// them to the writer channel. It exclusively owns the in-memory event
// index; no other component reads or mutates it.
type Aggregator struct {
	config    Config
	validator *sanitize.Validator
	out       chan<- *trace.Event
	counters  Counters
	logger    *slog.Logger

	in     chan *trace.Event
	index  *eventIndex
	nextIx int64

	mu     sync.Mutex
	closed bool
	stats  Stats

	done chan struct{}
}

// New creates an Aggregator that forwards enriched events to out. The
// caller retains ownership of out; the aggregator closes it when Run
// finishes draining.
func New(config Config, validator *sanitize.Validator, out chan<- *trace.Event, counters Counters) *Aggregator {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = time.Second
	}
	if config.FileCorrelationWindow <= 0 {
		config.FileCorrelationWindow = 10 * time.Second
	}
	if config.ErrorAdjacencyWindow <= 0 {
		config.ErrorAdjacencyWindow = 5 * time.Second
	}
	if config.TrendSamples <= 0 {
		config.TrendSamples = 10
	}

	return &Aggregator{
		config:    config,
		validator: validator,
		out:       out,
		counters:  counters,
		logger:    slog.Default().With("component", "trace.aggregator"),
		in:        make(chan *trace.Event, config.QueueSize),
		index:     newEventIndex(),
		done:      make(chan struct{}),
	}
}

// Offer deposits an event for aggregation without blocking. When the
// intake channel is full or the aggregator has been closed the event is
// dropped with a warning; producers must never stall a forwarded request
// on the pipeline.
func (a *Aggregator) Offer(e *trace.Event) bool {
	if e == nil {
		return false
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Warn("event dropped, aggregator closed", "type", e.Type)
		return false
	}
	select {
	case a.in <- e:
		a.mu.Unlock()
		return true
	default:
		a.stats.Dropped++
		a.mu.Unlock()
		a.logger.Warn("event dropped, intake queue full", "type", e.Type, "queue_size", a.config.QueueSize)
		return false
	}
}

// Close stops intake. Run drains whatever is already queued and then
// closes the writer channel.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.in)
}

// Run is the single consumer loop. It returns after Close has been called
// and the intake channel is fully drained, or when ctx is canceled mid-
// drain. The writer channel is closed on the way out.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	defer close(a.out)

	for e := range a.in {
		enriched, ok := a.process(e)
		if !ok {
			continue
		}
		// Backpressure from the writer blocks the aggregator by design.
		select {
		case a.out <- enriched:
		case <-ctx.Done():
			a.logger.Warn("aggregation aborted by cancellation", "pending", len(a.in))
			return
		}
	}
}

// Wait blocks until Run has returned.
func (a *Aggregator) Wait() {
	<-a.done
}

// Stats returns a snapshot of the aggregation totals.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// SummaryData builds the payload for an aggregation_summary event.
func (a *Aggregator) SummaryData() map[string]any {
	stats := a.Stats()
	return map[string]any{
		"events_processed":    stats.Processed,
		"duplicates_filtered": stats.Duplicates,
		"invalid_events":      stats.Invalid,
		"dropped_events":      stats.Dropped,
	}
}

// process validates, de-duplicates and enriches one event. The returned
// bool is false when the event was rejected or filtered.
func (a *Aggregator) process(e *trace.Event) (*trace.Event, bool) {
	if err := a.validator.Validate(e); err != nil {
		a.mu.Lock()
		a.stats.Invalid++
		a.mu.Unlock()
		if a.counters != nil {
			a.counters.ValidationFailed()
		}
		a.logger.Warn("event rejected", "error", err, "source", e.Source)
		return nil, false
	}

	if e.SessionID == "" {
		e.SessionID = a.config.SessionID
	}
	if e.ID == "" {
		e.ID = e.DeterministicID()
	}

	if dup := a.index.findDuplicate(e, a.config.DedupWindow); dup != nil {
		a.mu.Lock()
		a.stats.Duplicates++
		a.mu.Unlock()
		if a.counters != nil {
			a.counters.DuplicateFiltered()
		}
		a.logger.Debug("duplicate event filtered", "type", e.Type, "kept", dup.ID)
		return nil, false
	}

	a.mu.Lock()
	e.Index = a.nextIx
	a.nextIx++
	a.stats.Processed++
	a.mu.Unlock()

	a.correlate(e)
	a.enrichPerformance(e)
	a.index.insert(e)

	if a.counters != nil {
		a.counters.EventProcessed(e.Type)
	}
	return e, true
}

// correlate fills the event's correlation list from the index. The
// correlator is allowed to miss, never to invent: every id it emits names
// an event already admitted to the log.
func (a *Aggregator) correlate(e *trace.Event) {
	var related []string

	if e.IsComplete() || e.IsError() {
		if start := a.index.findStart(e, a.config.FileCorrelationWindow); start != nil {
			related = append(related, start.ID)
			if e.ParentID == "" {
				e.ParentID = start.ID
			}
		}
	}

	// Errors additionally pull in their temporal neighborhood, but only
	// once anchored to a start: a completion-shaped event with no matching
	// start must carry no correlations at all. The correlator may miss,
	// never lie.
	if e.IsError() && len(related) > 0 {
		for _, adj := range a.index.adjacent(e, a.config.ErrorAdjacencyWindow, maxAdjacent) {
			if !contains(related, adj.ID) {
				related = append(related, adj.ID)
			}
		}
	}

	e.Correlations = related
}

// maxAdjacent bounds how many neighborhood ids an error event collects.
const maxAdjacent = 16

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
