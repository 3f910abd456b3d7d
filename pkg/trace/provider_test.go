package trace

import "testing"

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		host string
		want Provider
	}{
		{"api.anthropic.com", ProviderAnthropic},
		{"api.anthropic.com:443", ProviderAnthropic},
		{"claude.ai", ProviderAnthropic},
		{"API.OPENAI.COM", ProviderOpenAI},
		{"api.openai.com", ProviderOpenAI},
		{"generativelanguage.googleapis.com", ProviderGoogle},
		{"storage.googleapis.com", ProviderGoogle},
		{"api.cohere.ai", ProviderCohere},
		{"api.cohere.com", ProviderCohere},
		{"api.replicate.com", ProviderReplicate},
		{"pbxt.replicate.delivery", ProviderReplicate},
		{"example.com", ProviderNone},
		{"evil-anthropic.com", ProviderNone},
		{"anthropic.com.evil.net", ProviderNone},
		{"", ProviderNone},
	}

	for _, tt := range tests {
		if got := DetectProvider(tt.host); got != tt.want {
			t.Errorf("DetectProvider(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}
