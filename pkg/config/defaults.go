package config

import "time"

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Boolean defaults that are true (viewer, metrics) are handled by the
// loader before file values are merged, so a file can still disable them.
func ApplyDefaults(cfg *Config) {
	if cfg.TraceDir == "" {
		cfg.TraceDir = ".opencode-trace"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}

	if cfg.Wrapped.Binary == "" {
		cfg.Wrapped.Binary = "opencode"
	}
	if cfg.Wrapped.GracePeriod <= 0 {
		cfg.Wrapped.GracePeriod = 5 * time.Second
	}
	if cfg.Wrapped.ExitTimeout == 0 {
		cfg.Wrapped.ExitTimeout = 60 * time.Second
	}

	if cfg.Proxy.ListenAddress == "" {
		cfg.Proxy.ListenAddress = "127.0.0.1:0"
	}
	if cfg.Proxy.DrainTimeout <= 0 {
		cfg.Proxy.DrainTimeout = 5 * time.Second
	}
	if cfg.Proxy.DialTimeout <= 0 {
		cfg.Proxy.DialTimeout = 10 * time.Second
	}
	if cfg.Proxy.PortRetries <= 0 {
		cfg.Proxy.PortRetries = 3
	}

	if cfg.Sanitize.MaxStringLength <= 0 {
		cfg.Sanitize.MaxStringLength = 8192
	}

	if cfg.IPC.PollInterval <= 0 {
		cfg.IPC.PollInterval = 500 * time.Millisecond
	}

	if cfg.Viewer.Template == "" {
		cfg.Viewer.Template = "default"
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = "info"
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = "text"
	}
	if cfg.Telemetry.Tracing.Endpoint == "" {
		cfg.Telemetry.Tracing.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Tracing.SampleRatio <= 0 {
		cfg.Telemetry.Tracing.SampleRatio = 1.0
	}
}

// NewDefault returns a configuration with every default applied,
// including the true-by-default booleans.
func NewDefault() *Config {
	cfg := &Config{}
	cfg.Viewer.Enabled = true
	cfg.Telemetry.Metrics.Enabled = true
	ApplyDefaults(cfg)
	return cfg
}
