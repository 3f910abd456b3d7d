package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"mercator-hq/callisto/pkg/trace/sanitize"
)

// sanitizedHeaders is the set of header names whose values never reach an
// event, case-insensitive.
var sanitizedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
	"x-auth-token":  true,
}

// sanitizeHeaders flattens headers into a map with lowercase keys,
// replacing sensitive values with the redaction marker.
func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if sanitizedHeaders[key] {
			out[key] = sanitize.Marker
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

// copyHeaders copies all header values from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// hopByHopHeaders must not be forwarded between hops (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// binaryContentPlaceholder summarizes a body the log should not carry
// verbatim.
func binaryContentPlaceholder(contentType string, size int) string {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return fmt.Sprintf("[binary %s, %d bytes]", contentType, size)
}

// isTextContentType reports whether a body of this content type is worth
// capturing as text.
func isTextContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "", strings.HasPrefix(ct, "text/"):
		return true
	case strings.HasSuffix(ct, "+json"), strings.HasSuffix(ct, "+xml"):
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/x-www-form-urlencoded",
		"application/javascript", "application/x-ndjson", "text/event-stream":
		return true
	}
	return false
}

// captureBody renders a fully buffered request body for an event payload,
// applying the binary placeholder and the body cap.
func (p *Proxy) captureBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	if !isTextContentType(contentType) {
		return binaryContentPlaceholder(contentType, len(body))
	}
	if len(body) > p.config.MaxBodySize {
		discarded := len(body) - p.config.MaxBodySize
		return string(body[:p.config.MaxBodySize]) + sanitize.TruncationMarker(discarded)
	}
	return string(body)
}

// limitedBuffer captures up to max bytes of a streamed body while counting
// everything that flows through it.
type limitedBuffer struct {
	max   int
	buf   []byte
	total int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.total += len(p)
	if remaining := l.max - len(l.buf); remaining > 0 {
		if len(p) > remaining {
			l.buf = append(l.buf, p[:remaining]...)
		} else {
			l.buf = append(l.buf, p...)
		}
	}
	return len(p), nil
}

// captured renders the buffered body for an event payload. Overflow is
// truncated with a marker noting the discarded byte count; binary content
// types are replaced by a placeholder.
func (l *limitedBuffer) captured(contentType string) string {
	if l.total == 0 {
		return ""
	}
	if !isTextContentType(contentType) {
		return binaryContentPlaceholder(contentType, l.total)
	}
	if l.total > l.max {
		return string(l.buf) + sanitize.TruncationMarker(l.total-l.max)
	}
	return string(l.buf)
}
