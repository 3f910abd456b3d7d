package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// redaction is the replacement written over sensitive log field values.
const redaction = "***"

// valuePatterns match secrets appearing inside attribute values.
var valuePatterns = []*regexp.Regexp{
	// API keys (OpenAI, Anthropic, generic sk- prefix)
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	// Bearer tokens
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	// URLs with embedded credentials
	regexp.MustCompile(`\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`),
}

// sensitiveKeys flags attribute names whose whole value is redacted.
var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"secret", "token", "api_key", "apikey",
	"auth", "authorization",
	"private_key", "privatekey",
	"cookie",
}

// redactAttr is the slog ReplaceAttr hook. Sensitive keys are redacted
// wholesale; other string values are scrubbed with the value patterns.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redaction)
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, RedactString(a.Value.String()))
	}
	return a
}

// RedactString scrubs secrets out of a string value.
func RedactString(value string) string {
	if value == "" {
		return value
	}
	for _, p := range valuePatterns {
		value = p.ReplaceAllString(value, redaction)
	}
	return value
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
