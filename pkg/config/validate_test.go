package config

import (
	"strings"
	"testing"
)

func TestValidateDefaults(t *testing.T) {
	if err := Validate(NewDefault()); err != nil {
		t.Errorf("default configuration invalid: %v", err)
	}
}

func TestValidateSessionIDBounds(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"length 1", "a", true},
		{"length 50", strings.Repeat("b", 50), true},
		{"length 0 means generated", "", true},
		{"length 51", strings.Repeat("b", 51), false},
		{"bad characters", "has space", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			cfg.Session.ID = tt.id
			err := Validate(cfg)
			if tt.valid && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.valid && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestValidateQuietVerboseExclusive(t *testing.T) {
	cfg := NewDefault()
	cfg.Quiet = true
	cfg.Verbose = true
	if err := Validate(cfg); err == nil {
		t.Error("quiet+verbose accepted")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := NewDefault()
	cfg.MaxBodySize = -1
	cfg.Quiet = true
	cfg.Verbose = true
	cfg.Telemetry.Logging.Level = "shout"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("invalid configuration accepted")
	}
	verr, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want ValidationError", err)
	}
	if len(verr.Errors) != 3 {
		t.Errorf("collected %d errors, want 3: %v", len(verr.Errors), verr)
	}
}

func TestValidateLoopbackOnly(t *testing.T) {
	cfg := NewDefault()
	cfg.Proxy.ListenAddress = "0.0.0.0:8080"
	if err := Validate(cfg); err == nil {
		t.Error("non-loopback proxy address accepted")
	}

	cfg.Proxy.ListenAddress = "127.0.0.1:8080"
	if err := Validate(cfg); err != nil {
		t.Errorf("loopback address rejected: %v", err)
	}
}

func TestValidateContinueWithExplicitID(t *testing.T) {
	cfg := NewDefault()
	cfg.Session.ID = "abc"
	cfg.Session.Continue = true
	if err := Validate(cfg); err == nil {
		t.Error("continue combined with explicit id accepted")
	}
}
