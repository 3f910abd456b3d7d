package config

import (
	"fmt"
	"net"
	"strings"

	"mercator-hq/callisto/pkg/trace"
)

// FieldError represents a validation error for a specific configuration
// field.
type FieldError struct {
	// Field is the dotted path to the configuration field.
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every validation failure in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks the configuration before the coordinator starts. All
// errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	if cfg.TraceDir == "" {
		errs = append(errs, FieldError{"trace_dir", "must not be empty"})
	}
	if cfg.MaxBodySize <= 0 {
		errs = append(errs, FieldError{"max_body_size", "must be positive"})
	}

	if cfg.Session.ID != "" && !trace.ValidSessionID(cfg.Session.ID) {
		errs = append(errs, FieldError{"session.id",
			fmt.Sprintf("%q must match [A-Za-z0-9_-]{1,50}", cfg.Session.ID)})
	}
	if cfg.Session.ID != "" && cfg.Session.Continue {
		errs = append(errs, FieldError{"session.continue", "cannot combine with an explicit session id"})
	}

	if cfg.Quiet && cfg.Verbose {
		errs = append(errs, FieldError{"quiet", "cannot combine with verbose"})
	}

	if cfg.Wrapped.Binary == "" && cfg.Wrapped.Path == "" {
		errs = append(errs, FieldError{"wrapped.binary", "must not be empty"})
	}

	if host, _, err := net.SplitHostPort(cfg.Proxy.ListenAddress); err != nil {
		errs = append(errs, FieldError{"proxy.listen_address",
			fmt.Sprintf("%q is not host:port", cfg.Proxy.ListenAddress)})
	} else if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
		errs = append(errs, FieldError{"proxy.listen_address", "must bind a loopback address"})
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"telemetry.logging.level",
			fmt.Sprintf("unknown level %q", cfg.Telemetry.Logging.Level)})
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format",
			fmt.Sprintf("unknown format %q", cfg.Telemetry.Logging.Format)})
	}

	if cfg.Retention.Days < 0 {
		errs = append(errs, FieldError{"retention.days", "must not be negative"})
	}
	if ratio := cfg.Telemetry.Tracing.SampleRatio; ratio < 0 || ratio > 1 {
		errs = append(errs, FieldError{"telemetry.tracing.sample_ratio", "must be within [0, 1]"})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
