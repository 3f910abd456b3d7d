// Package sanitize validates events and scrubs sensitive material from
// their payloads before persistence.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"mercator-hq/callisto/pkg/trace"
)

// Marker is the fixed opaque string written in place of sensitive values.
const Marker = "[REDACTED]"

// Tier classifies how aggressively a pattern is applied.
type Tier int

const (
	// TierHigh patterns are always redacted.
	TierHigh Tier = iota
	// TierMedium patterns are redacted by default.
	TierMedium
	// TierLow patterns are redacted only in high-security mode.
	TierLow
)

// Config contains configuration for the Sanitizer.
type Config struct {
	// HighSecurity additionally redacts low-tier matches (emails, IPv4
	// addresses, phone numbers).
	// Default: false
	HighSecurity bool

	// MaxStringLength caps string payload values. Longer strings are
	// truncated with a marker recording the number of discarded bytes.
	// Default: 8192
	MaxStringLength int
}

// DefaultConfig returns the default sanitizer configuration.
func DefaultConfig() Config {
	return Config{MaxStringLength: 8192}
}

type pattern struct {
	tier        Tier
	regex       *regexp.Regexp
	replacement string
}

// Sanitizer applies tiered redaction to event payloads. Sanitization is
// idempotent: applying it twice yields the same output as applying it once.
type Sanitizer struct {
	config   Config
	patterns []pattern
}

// sensitiveFieldPattern matches payload property names whose value must be
// replaced wholesale, regardless of content.
var sensitiveFieldPattern = regexp.MustCompile(`(?i)^(password|passwd|pwd|api[_-]?key|secret|token|bearer[_-]?token|access[_-]?token|refresh[_-]?token|private[_-]?key|ssh[_-]?key|client[_-]?secret|session[_-]?id|credit[_-]?card|ssn)$`)

// truncationSuffix recognizes a previously applied truncation marker so a
// second pass does not truncate again.
var truncationSuffix = regexp.MustCompile(`\[TRUNCATED \d+ bytes\]$`)

// New creates a Sanitizer with the built-in pattern set.
func New(config Config) *Sanitizer {
	if config.MaxStringLength <= 0 {
		config.MaxStringLength = DefaultConfig().MaxStringLength
	}

	s := &Sanitizer{config: config}

	add := func(tier Tier, expr, replacement string) {
		s.patterns = append(s.patterns, pattern{tier, regexp.MustCompile(expr), replacement})
	}

	// High tier: always redacted.
	add(TierHigh, `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, Marker)
	add(TierHigh, `(?i)(password|passwd|pwd)(\s*[:=]\s*)\S+`, "${1}${2}"+Marker)

	// Medium tier: redacted by default.
	add(TierMedium, `\bsk-[A-Za-z0-9_-]{10,}`, Marker)
	add(TierMedium, `(?i)(api[_-]?key)(\s*[:=]\s*)[A-Za-z0-9_-]{10,}`, "${1}${2}"+Marker)
	add(TierMedium, `(?i)Bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`, "Bearer "+Marker)
	add(TierMedium, `\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`, "${1}"+Marker+"@")

	// Low tier: redacted only in high-security mode.
	add(TierLow, `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Marker)
	add(TierLow, `\b(?:\d{1,3}\.){3}\d{1,3}\b`, Marker)
	add(TierLow, `\b\+?\d{1,2}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`, Marker)

	return s
}

// String redacts sensitive substrings and applies the size cap.
func (s *Sanitizer) String(value string) string {
	if value == "" {
		return ""
	}

	for _, p := range s.patterns {
		if p.tier == TierLow && !s.config.HighSecurity {
			continue
		}
		value = p.regex.ReplaceAllString(value, p.replacement)
	}

	return s.truncate(value)
}

// Value recursively sanitizes a payload value. Object properties with a
// sensitive name have their entire value replaced by the marker.
func (s *Sanitizer) Value(v any) any {
	switch val := v.(type) {
	case string:
		return s.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveFieldPattern.MatchString(k) {
				out[k] = Marker
				continue
			}
			out[k] = s.Value(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.Value(inner)
		}
		return out
	default:
		return v
	}
}

// Event sanitizes an event's payload in place and returns the event.
// Failures never propagate: the worst case leaves the payload untouched.
func (s *Sanitizer) Event(e *trace.Event) *trace.Event {
	if e == nil || e.Data == nil {
		return e
	}
	sanitized, ok := s.Value(e.Data).(map[string]any)
	if ok {
		e.Data = sanitized
	}
	return e
}

// truncate applies the configured size cap. Strings already carrying a
// truncation marker are left alone so sanitization stays idempotent.
func (s *Sanitizer) truncate(value string) string {
	if len(value) <= s.config.MaxStringLength || truncationSuffix.MatchString(value) {
		return value
	}
	discarded := len(value) - s.config.MaxStringLength
	return value[:s.config.MaxStringLength] + fmt.Sprintf("[TRUNCATED %d bytes]", discarded)
}

// TruncationMarker renders the marker noting n discarded bytes. The proxy
// uses the same shape when capping captured bodies.
func TruncationMarker(discarded int) string {
	return fmt.Sprintf("[TRUNCATED %d bytes]", discarded)
}

// Validator checks events for structural validity and fills contextual
// fields the producer omitted.
type Validator struct {
	sessionID string
	sanitizer *Sanitizer
}

// NewValidator creates a Validator bound to a session.
func NewValidator(sessionID string, sanitizer *Sanitizer) *Validator {
	return &Validator{sessionID: sessionID, sanitizer: sanitizer}
}

// ErrMissingType rejects events without a type tag.
var ErrMissingType = fmt.Errorf("event has no type")

// Validate rejects events missing a type, fills timestamp and session id
// when absent, and sanitizes the payload. The event is mutated in place.
func (v *Validator) Validate(e *trace.Event) error {
	if e == nil || strings.TrimSpace(string(e.Type)) == "" {
		return ErrMissingType
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowMillis()
	}
	if e.SessionID == "" {
		e.SessionID = v.sessionID
	}
	v.sanitizer.Event(e)
	return nil
}
