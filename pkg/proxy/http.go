package proxy

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"mercator-hq/callisto/pkg/telemetry/tracing"
	"mercator-hq/callisto/pkg/trace"
)

// handleHTTP forwards a plain HTTP proxy request, capturing request and
// response when the capture policy admits the target host.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := trace.DetectProvider(r.URL.Host)
	capture := p.shouldCapture(provider)
	requestID := uuid.New().String()

	ctx, span := tracing.Tracer(tracerName).Start(r.Context(), "proxy.http_request",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.full", r.URL.String()),
			attribute.String("callisto.provider", providerMetricLabel(provider)),
			attribute.String("callisto.request_id", requestID),
		))
	defer span.End()

	// Read the request body up front so it can be both captured and
	// forwarded. The wrapped binary's uploads are request-sized, not
	// stream-sized.
	var reqBody []byte
	if r.Body != nil {
		var err error
		reqBody, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			span.SetStatus(codes.Error, "unreadable request body")
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
	}

	if capture {
		p.emit(&trace.Event{
			Type:      trace.TypeHTTPRequestStart,
			Source:    trace.SourceProxy,
			Timestamp: start.UnixMilli(),
			Data: map[string]any{
				"requestId": requestID,
				"method":    r.Method,
				"url":       r.URL.String(),
				"provider":  providerValue(provider),
				"headers":   sanitizeHeaders(r.Header),
				"body":      p.captureBody(reqBody, r.Header.Get("Content-Type")),
			},
		})
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), bytes.NewReader(reqBody))
	if err != nil {
		span.SetStatus(codes.Error, "malformed request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)
	// Ask upstream for an uncompressed response; the capture must be
	// readable text, and the client gets the re-framed plain body.
	outReq.Header.Del("Accept-Encoding")

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.Warn("upstream request failed", "url", r.URL.String(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		if capture {
			p.emit(&trace.Event{
				Type:      trace.TypeHTTPRequestError,
				Source:    trace.SourceProxy,
				Timestamp: time.Now().UnixMilli(),
				Data: map[string]any{
					"requestId":   requestID,
					"method":      r.Method,
					"url":         r.URL.String(),
					"provider":    providerValue(provider),
					"error":       err.Error(),
					"duration_ms": float64(time.Since(start).Milliseconds()),
				},
			})
		}
		p.observe(provider, "error", time.Since(start))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	copyHeaders(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	// Relay the response while capturing up to the body cap. Relay errors
	// (client went away) do not invalidate the capture.
	captureBuf := newLimitedBuffer(p.config.MaxBodySize)
	var body io.Writer = w
	if capture {
		body = io.MultiWriter(w, captureBuf)
	}
	if _, err := io.Copy(body, resp.Body); err != nil {
		p.logger.Debug("response relay interrupted", "url", r.URL.String(), "error", err)
	}

	if capture {
		p.emit(&trace.Event{
			Type:      trace.TypeHTTPRequestComplete,
			Source:    trace.SourceProxy,
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]any{
				"requestId":   requestID,
				"method":      r.Method,
				"url":         r.URL.String(),
				"provider":    providerValue(provider),
				"status":      resp.StatusCode,
				"headers":     sanitizeHeaders(resp.Header),
				"body":        captureBuf.captured(resp.Header.Get("Content-Type")),
				"duration_ms": float64(time.Since(start).Milliseconds()),
			},
		})
	}
	p.observe(provider, "ok", time.Since(start))
}

// observe records proxy metrics when a pipeline is attached.
func (p *Proxy) observe(provider trace.Provider, outcome string, d time.Duration) {
	if p.metrics == nil {
		return
	}
	label := providerMetricLabel(provider)
	p.metrics.ProxyRequests.WithLabelValues(label, outcome).Inc()
	p.metrics.RequestDuration.WithLabelValues(label).Observe(d.Seconds())
}

// providerValue renders the detected provider for an event payload. The
// fixed enumeration's no-provider member serializes as JSON null, never
// as an empty string.
func providerValue(p trace.Provider) any {
	if p == trace.ProviderNone {
		return nil
	}
	return string(p)
}

// providerMetricLabel renders the provider for metric and span labels,
// which cannot be null.
func providerMetricLabel(p trace.Provider) string {
	if p == trace.ProviderNone {
		return "other"
	}
	return string(p)
}
