package trace

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Source identifies the producer of an event.
type Source string

const (
	// SourceProxy marks events emitted by the HTTP/HTTPS proxy.
	SourceProxy Source = "proxy"
	// SourceIPC marks events received through the filesystem IPC bus.
	SourceIPC Source = "ipc"
	// SourceSupervisor marks events emitted by the process supervisor.
	SourceSupervisor Source = "supervisor"
	// SourceInternal marks events emitted by the wrapper itself.
	SourceInternal Source = "internal"
)

// Type is the tag of an event variant.
type Type string

// Event type tags. Unknown tags are accepted at the log boundary (IPC
// messages from co-processes may carry variants this build does not know
// about) but internal producers only emit the tags below.
const (
	TypeHTTPSConnectStart    Type = "https_connect_start"
	TypeHTTPSConnectComplete Type = "https_connect_complete"
	TypeHTTPSConnectError    Type = "https_connect_error"

	TypeHTTPRequestStart    Type = "http_request_start"
	TypeHTTPRequestComplete Type = "http_request_complete"
	TypeHTTPRequestError    Type = "http_request_error"

	TypeFileReadStart      Type = "file_read_start"
	TypeFileReadComplete   Type = "file_read_complete"
	TypeFileReadError      Type = "file_read_error"
	TypeFileWriteStart     Type = "file_write_start"
	TypeFileWriteComplete  Type = "file_write_complete"
	TypeFileWriteError     Type = "file_write_error"
	TypeFileCreateStart    Type = "file_create_start"
	TypeFileCreateComplete Type = "file_create_complete"
	TypeFileCreateError    Type = "file_create_error"
	TypeFileDeleteStart    Type = "file_delete_start"
	TypeFileDeleteComplete Type = "file_delete_complete"
	TypeFileDeleteError    Type = "file_delete_error"
	TypeFileEditStart      Type = "file_edit_start"
	TypeFileEditComplete   Type = "file_edit_complete"
	TypeFileEditError      Type = "file_edit_error"

	TypeBashCommand   Type = "bash_command"
	TypeToolExecution Type = "tool_execution"

	TypeToolExecutionStart    Type = "tool_execution_start"
	TypeToolExecutionComplete Type = "tool_execution_complete"

	TypeSessionStart             Type = "session_start"
	TypeSessionEnd               Type = "session_end"
	TypeAggregationSummary       Type = "aggregation_summary"
	TypeInterceptionInitialized  Type = "interception_initialized"
	TypeInterceptionCleanup      Type = "interception_cleanup"
	TypeChildUnhealthy           Type = "child_unhealthy"
	TypeChildRecovered           Type = "child_recovered"
	TypeChildExit                Type = "child_exit"
)

// Event is one record in the session log.
//
// Required fields are Type, SessionID, Timestamp (milliseconds since epoch)
// and Source. Data carries the variant-specific payload. Once written to
// the log an event is immutable.
type Event struct {
	// ID uniquely identifies the event within its session. The aggregator
	// assigns a deterministic id when the producer left it empty.
	ID string `json:"id"`

	// Type is the variant tag.
	Type Type `json:"type"`

	// SessionID is the id of the owning session.
	SessionID string `json:"session_id"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	// Source names the producer (proxy, ipc, supervisor, internal).
	Source Source `json:"source"`

	// Index is the aggregator-assigned, monotonically increasing position
	// of the event within the session.
	Index int64 `json:"index"`

	// Data is the variant-specific payload.
	Data map[string]any `json:"data"`

	// Correlations lists ids of related events, filled by the aggregator.
	Correlations []string `json:"correlations"`

	// Performance carries timing enrichment for events with a duration.
	Performance *Performance `json:"performance"`

	// ParentID optionally names an enclosing event.
	ParentID string `json:"parent_id"`
}

// Performance is the timing enrichment attached to events that carry a
// duration.
type Performance struct {
	// DurationMs is the measured duration in milliseconds.
	DurationMs float64 `json:"duration_ms"`

	// Category buckets the duration as "fast", "medium" or "slow" using
	// type-specific thresholds.
	Category string `json:"category"`

	// Percentile is the rank of this duration among same-type events seen
	// so far, in [0, 100].
	Percentile float64 `json:"percentile"`

	// Trend is "stable", "improving" or "degrading", derived from the last
	// ten same-type durations.
	Trend string `json:"trend"`
}

// NewEvent creates an event of the given type with the current wall-clock
// timestamp. SessionID and Index are stamped by the aggregator.
func NewEvent(typ Type, source Source, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		Type:      typ,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// DeterministicID derives a stable id for an event that arrived without
// one. The id is a hash of the type, timestamp and canonicalized payload,
// so re-aggregating the same inputs yields the same ids.
func (e *Event) DeterministicID() string {
	payload, err := CanonicalMarshal(e.Data)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", e.Data))
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", e.Type, e.Timestamp)
	h.Write(payload)
	return "evt-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// DurationMs returns the payload duration in milliseconds and whether the
// payload carries one. Both "duration" and "duration_ms" keys are accepted.
func (e *Event) DurationMs() (float64, bool) {
	for _, key := range []string{"duration_ms", "duration"} {
		switch v := e.Data[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

// IsComplete reports whether the event is a *_complete variant.
func (e *Event) IsComplete() bool {
	return hasSuffix(string(e.Type), "_complete")
}

// IsError reports whether the event is an *_error variant.
func (e *Event) IsError() bool {
	return hasSuffix(string(e.Type), "_error")
}

// IsStart reports whether the event is a *_start variant.
func (e *Event) IsStart() bool {
	return hasSuffix(string(e.Type), "_start")
}

// StartType returns the *_start tag matching a *_complete or *_error tag,
// or "" when the type has no start counterpart.
func (e *Event) StartType() Type {
	s := string(e.Type)
	switch {
	case hasSuffix(s, "_complete"):
		return Type(s[:len(s)-len("_complete")] + "_start")
	case hasSuffix(s, "_error"):
		return Type(s[:len(s)-len("_error")] + "_start")
	}
	return ""
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// sessionIDPattern constrains session ids to filesystem- and URL-safe names.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// NewSessionID generates a session id from the current time plus a random
// suffix, e.g. "20260801T142312-7f3a9c". The result always satisfies
// ValidSessionID.
func NewSessionID() string {
	var buf [3]byte
	readRandom(buf[:])
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), hex.EncodeToString(buf[:]))
}

// SessionStatus is the lifecycle state of a session. Transitions are
// monotonic: initializing -> active -> finalizing -> completed | error.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusFinalizing   SessionStatus = "finalizing"
	StatusCompleted    SessionStatus = "completed"
	StatusError        SessionStatus = "error"
)

// CanTransition reports whether moving from s to next respects the
// monotonic lifecycle.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	order := map[SessionStatus]int{
		StatusInitializing: 0,
		StatusActive:       1,
		StatusFinalizing:   2,
		StatusCompleted:    3,
		StatusError:        3,
	}
	from, ok := order[s]
	if !ok {
		return false
	}
	to, ok := order[next]
	if !ok {
		return false
	}
	return to > from
}

func readRandom(p []byte) {
	if _, err := rand.Read(p); err != nil {
		// Timestamp fallback keeps ids usable if the entropy source fails.
		now := time.Now().UnixNano()
		for i := range p {
			p[i] = byte(now >> (8 * (i % 8)))
		}
	}
}
