// Package config defines the wrapper's configuration, its defaults, file
// discovery and validation. Precedence is builtin defaults, then a
// discovered JSON config file, then command-line flags (last wins).
package config

import "time"

// Config is the root configuration for the Callisto wrapper.
type Config struct {
	// TraceDir is the root under which session directories are created.
	// Default: ".opencode-trace"
	TraceDir string `yaml:"trace_dir"`

	// IncludeAll captures traffic to hosts that are not known providers.
	// Default: false
	IncludeAll bool `yaml:"include_all"`

	// MaxBodySize caps captured HTTP bodies in bytes.
	// Default: 1048576 (1MB)
	MaxBodySize int `yaml:"max_body_size"`

	// Session carries session identity options.
	Session SessionConfig `yaml:"session"`

	// Wrapped configures discovery of the wrapped binary.
	Wrapped WrappedConfig `yaml:"wrapped"`

	// Proxy configures the capture proxy.
	Proxy ProxyConfig `yaml:"proxy"`

	// Sanitize configures payload sanitization.
	Sanitize SanitizeConfig `yaml:"sanitize"`

	// IPC configures the co-process drop-box.
	IPC IPCConfig `yaml:"ipc"`

	// Viewer configures the HTML viewer emission.
	Viewer ViewerConfig `yaml:"viewer"`

	// Retention configures pruning of old session directories.
	Retention RetentionConfig `yaml:"retention"`

	// Telemetry configures the wrapper's own observability.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	// Verbose enables verbose progress output.
	Verbose bool `yaml:"verbose"`

	// Quiet suppresses non-error output. Mutually exclusive with Verbose.
	Quiet bool `yaml:"quiet"`
}

// SessionConfig carries session identity options.
type SessionConfig struct {
	// ID pins the session identifier instead of generating one. Must
	// match [A-Za-z0-9_-]{1,50}.
	ID string `yaml:"id"`

	// Name is an optional display name recorded in metadata.
	Name string `yaml:"name"`

	// Continue resumes the most recent session under TraceDir.
	Continue bool `yaml:"continue"`

	// Tags are free-form labels recorded in metadata.
	Tags []string `yaml:"tags"`
}

// WrappedConfig configures discovery of the wrapped binary.
type WrappedConfig struct {
	// Binary is the command name searched on PATH and in well-known
	// locations.
	// Default: "opencode"
	Binary string `yaml:"binary"`

	// Path, when set, runs this executable directly without discovery.
	Path string `yaml:"path"`

	// Args are passed through to the wrapped binary. Set from the CLI
	// positional arguments, not from the config file.
	Args []string `yaml:"-"`

	// GracePeriod bounds graceful termination before a forceful kill.
	// Default: 5s
	GracePeriod time.Duration `yaml:"grace_period"`

	// ExitTimeout force-finalizes the session when the wrapped binary is
	// still running this long after every component reported ready. A
	// negative value disables the fallback.
	// Default: 60s
	ExitTimeout time.Duration `yaml:"exit_timeout"`
}

// ProxyConfig configures the capture proxy.
type ProxyConfig struct {
	// ListenAddress is the loopback bind address. Port 0 lets the OS
	// choose.
	// Default: "127.0.0.1:0"
	ListenAddress string `yaml:"listen_address"`

	// DrainTimeout bounds shutdown draining of in-flight requests.
	// Default: 5s
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// DialTimeout bounds upstream connection establishment.
	// Default: 10s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// PortRetries is how many adjacent ports to try when the requested
	// port is taken.
	// Default: 3
	PortRetries int `yaml:"port_retries"`
}

// SanitizeConfig configures payload sanitization.
type SanitizeConfig struct {
	// HighSecurity additionally redacts emails, IPv4 addresses and phone
	// numbers.
	// Default: false
	HighSecurity bool `yaml:"high_security"`

	// MaxStringLength caps string payload values before truncation.
	// Default: 8192
	MaxStringLength int `yaml:"max_string_length"`
}

// IPCConfig configures the co-process drop-box.
type IPCConfig struct {
	// Dir overrides the drop-box directory.
	// Default: <os temp dir>/callisto-ipc-<session id>
	Dir string `yaml:"dir"`

	// PollInterval is the drop-box scan cadence.
	// Default: 500ms
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ViewerConfig configures the HTML viewer emission.
type ViewerConfig struct {
	// Enabled controls whether session.html is produced at finalization.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Template names the renderer template.
	// Default: "default"
	Template string `yaml:"template"`
}

// RetentionConfig configures pruning of old session directories.
type RetentionConfig struct {
	// Days is the retention horizon. Zero disables pruning.
	// Default: 0
	Days int `yaml:"days"`

	// Schedule is an optional cron expression for pruning while a long
	// session runs (e.g. "0 3 * * *"). Empty means no scheduled pruning;
	// with Days set, pruning still runs on demand and at the end of every
	// session.
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig configures the wrapper's own observability.
type TelemetryConfig struct {
	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint on the proxy listener.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures OTLP span export for the wrapper itself.
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json", "text" or "console".
	// Default: "text"
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves GET /metrics on the proxy listener.
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	// Enabled turns on span export.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// SampleRatio is the fraction of traces sampled, in [0, 1].
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`
}
