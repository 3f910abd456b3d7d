package trace

import "strings"

// Provider is a detected AI provider label.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderCohere    Provider = "cohere"
	ProviderReplicate Provider = "replicate"
	// ProviderNone means the host did not match any known provider. It is
	// the enumeration's null member: event payloads serialize it as JSON
	// null, never as an empty string.
	ProviderNone Provider = ""
)

// providerDomains maps domain suffixes to provider labels. Matching is by
// exact host or dot-separated suffix, so "evil-anthropic.com" does not
// match but "gateway.api.anthropic.com" does.
var providerDomains = []struct {
	suffix   string
	provider Provider
}{
	{"anthropic.com", ProviderAnthropic},
	{"claude.ai", ProviderAnthropic},
	{"openai.com", ProviderOpenAI},
	{"oaistatic.com", ProviderOpenAI},
	{"generativelanguage.googleapis.com", ProviderGoogle},
	{"aiplatform.googleapis.com", ProviderGoogle},
	{"googleapis.com", ProviderGoogle},
	{"gemini.google.com", ProviderGoogle},
	{"cohere.ai", ProviderCohere},
	{"cohere.com", ProviderCohere},
	{"replicate.com", ProviderReplicate},
	{"replicate.delivery", ProviderReplicate},
}

// DetectProvider maps a URL host to a provider label. It is a pure
// function: the port, if present, is ignored, and matching is
// case-insensitive.
func DetectProvider(host string) Provider {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	for _, d := range providerDomains {
		if host == d.suffix || strings.HasSuffix(host, "."+d.suffix) {
			return d.provider
		}
	}
	return ProviderNone
}
