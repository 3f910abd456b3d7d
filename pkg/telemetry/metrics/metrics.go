// Package metrics exposes Prometheus instrumentation for the capture
// pipeline. The proxy serves the registry on origin-form GET /metrics
// requests addressed to the proxy itself.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline bundles the pipeline's metric instruments behind one registry.
type Pipeline struct {
	registry *prometheus.Registry

	// EventsProcessed counts events admitted by the aggregator, by type.
	EventsProcessed *prometheus.CounterVec

	// EventsDropped counts producer-side drops (full intake queue).
	EventsDropped prometheus.Counter

	// DuplicatesFiltered counts events discarded by de-duplication.
	DuplicatesFiltered prometheus.Counter

	// ProxyRequests counts proxied calls by provider label and outcome.
	ProxyRequests *prometheus.CounterVec

	// RequestDuration observes proxied request latencies in seconds.
	RequestDuration *prometheus.HistogramVec

	// TunnelsOpen gauges currently established CONNECT tunnels.
	TunnelsOpen prometheus.Gauge

	// WriterBatches counts coalesced write calls.
	WriterBatches prometheus.Counter

	// BytesWritten counts bytes appended to the session log.
	BytesWritten prometheus.Counter
}

// NewPipeline creates and registers the pipeline instruments. If registry
// is nil a private registry is used.
func NewPipeline(registry *prometheus.Registry) *Pipeline {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	const namespace = "callisto"

	p := &Pipeline{
		registry: registry,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events admitted by the aggregator, by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped at the intake queue.",
		}),
		DuplicatesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_filtered_total",
			Help:      "Events discarded by de-duplication.",
		}),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Proxied request latency.",
			// Provider round-trips span sub-second to tens of seconds.
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		TunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_tunnels_open",
			Help:      "Currently established CONNECT tunnels.",
		}),
		WriterBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_batches_total",
			Help:      "Coalesced log write calls.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_bytes_total",
			Help:      "Bytes appended to the session log.",
		}),
	}

	registry.MustRegister(
		p.EventsProcessed,
		p.EventsDropped,
		p.DuplicatesFiltered,
		p.ProxyRequests,
		p.RequestDuration,
		p.TunnelsOpen,
		p.WriterBatches,
		p.BytesWritten,
	)

	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
