package aggregator

import (
	"reflect"
	"strings"
	"time"

	"mercator-hq/callisto/pkg/trace"
)

// eventIndex is the aggregator's private in-memory index of admitted
// events. It serves duplicate detection, correlation lookups and the
// error-adjacency search. All access is from the single consumer
// goroutine, so no locking is needed.
type eventIndex struct {
	all       []*trace.Event
	byType    map[trace.Type][]*trace.Event
	byStart   map[string]*trace.Event
	durations map[trace.Type][]float64
}

func newEventIndex() *eventIndex {
	return &eventIndex{
		byType:  make(map[trace.Type][]*trace.Event),
		byStart: make(map[string]*trace.Event),
	}
}

func (ix *eventIndex) insert(e *trace.Event) {
	ix.all = append(ix.all, e)
	ix.byType[e.Type] = append(ix.byType[e.Type], e)
	if e.IsStart() {
		if key := correlationKey(e, e.Type); key != "" {
			ix.byStart[key] = e
		}
	}
}

// findDuplicate returns an already-admitted event that the incoming event
// duplicates, or nil. Two events are duplicates iff they share a type,
// their timestamps are within the window, and the type-specific similarity
// predicate holds.
func (ix *eventIndex) findDuplicate(e *trace.Event, window time.Duration) *trace.Event {
	candidates := ix.byType[e.Type]
	windowMs := window.Milliseconds()

	// Same-type events arrive roughly in time order; scanning backward
	// lets us stop at the first candidate outside the window.
	for i := len(candidates) - 1; i >= 0; i-- {
		prev := candidates[i]
		delta := e.Timestamp - prev.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta > windowMs {
			break
		}
		if similar(e, prev) {
			return prev
		}
	}
	return nil
}

// findStart locates the *_start event matching a *_complete or *_error
// event. HTTP events match on url+method; filesystem events match on
// path+operation within the window; tool executions match on a shared
// execution id.
func (ix *eventIndex) findStart(e *trace.Event, fileWindow time.Duration) *trace.Event {
	startType := e.StartType()
	if startType == "" {
		return nil
	}

	key := correlationKey(e, startType)
	if key == "" {
		return nil
	}
	start, ok := ix.byStart[key]
	if !ok {
		return nil
	}

	if isFileType(e.Type) {
		if e.Timestamp-start.Timestamp > fileWindow.Milliseconds() {
			return nil
		}
	}
	return start
}

// adjacent returns up to limit events whose timestamps fall within window
// of e, most recent first.
func (ix *eventIndex) adjacent(e *trace.Event, window time.Duration, limit int) []*trace.Event {
	windowMs := window.Milliseconds()
	var out []*trace.Event
	for i := len(ix.all) - 1; i >= 0 && len(out) < limit; i-- {
		other := ix.all[i]
		delta := e.Timestamp - other.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta > windowMs {
			break
		}
		out = append(out, other)
	}
	return out
}

// correlationKey builds the lookup key under which a start event is
// indexed, and under which its completion searches. startType names the
// *_start variant the key is scoped to.
func correlationKey(e *trace.Event, startType trace.Type) string {
	switch {
	case isHTTPType(startType):
		url := stringField(e, "url")
		method := stringField(e, "method")
		if url == "" {
			return ""
		}
		return "http|" + url + "|" + method
	case isConnectType(startType):
		if id := requestID(e); id != "" {
			return "connect|" + id
		}
		host := stringField(e, "host")
		if host == "" {
			return ""
		}
		return "connect|" + host
	case isFileType(startType):
		path := stringField(e, "path")
		if path == "" {
			return ""
		}
		return "file|" + path + "|" + fileOperation(startType, e)
	case isToolType(startType):
		if id := executionID(e); id != "" {
			return "tool|" + id
		}
		return ""
	}
	return ""
}

// similar is the type-specific duplicate predicate.
func similar(a, b *trace.Event) bool {
	switch {
	case isHTTPType(a.Type) || isConnectType(a.Type):
		if stringField(a, "url") != "" && stringField(a, "url") == stringField(b, "url") {
			if stringField(a, "method") == stringField(b, "method") {
				return true
			}
			if anyField(a, "status") != nil && reflect.DeepEqual(anyField(a, "status"), anyField(b, "status")) {
				return true
			}
			return false
		}
		if isConnectType(a.Type) && stringField(a, "host") != "" {
			return stringField(a, "host") == stringField(b, "host") &&
				requestID(a) == requestID(b)
		}
		return false
	case isFileType(a.Type):
		return stringField(a, "path") != "" &&
			stringField(a, "path") == stringField(b, "path") &&
			fileOperation(a.Type, a) == fileOperation(b.Type, b)
	case isToolType(a.Type) || a.Type == trace.TypeBashCommand:
		if id := executionID(a); id != "" && id == executionID(b) {
			return true
		}
		cmd := stringField(a, "command")
		return cmd != "" && cmd == stringField(b, "command")
	default:
		return reflect.DeepEqual(a.Data, b.Data)
	}
}

func isHTTPType(t trace.Type) bool {
	return strings.HasPrefix(string(t), "http_request_")
}

func isConnectType(t trace.Type) bool {
	return strings.HasPrefix(string(t), "https_connect_")
}

func isFileType(t trace.Type) bool {
	return strings.HasPrefix(string(t), "file_")
}

func isToolType(t trace.Type) bool {
	return strings.HasPrefix(string(t), "tool_execution")
}

// fileOperation extracts the operation kind: the payload's "operation"
// field when present, otherwise the middle segment of the type tag
// (file_<op>_<phase>).
func fileOperation(t trace.Type, e *trace.Event) string {
	if op := stringField(e, "operation"); op != "" {
		return op
	}
	parts := strings.Split(string(t), "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func stringField(e *trace.Event, key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

func anyField(e *trace.Event, key string) any {
	if e.Data == nil {
		return nil
	}
	return e.Data[key]
}

func requestID(e *trace.Event) string {
	for _, key := range []string{"requestId", "request_id"} {
		if s := stringField(e, key); s != "" {
			return s
		}
	}
	return ""
}

func executionID(e *trace.Event) string {
	for _, key := range []string{"executionId", "execution_id", "toolUseId", "tool_use_id"} {
		if s := stringField(e, key); s != "" {
			return s
		}
	}
	return ""
}
