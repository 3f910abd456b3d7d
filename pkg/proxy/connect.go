package proxy

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"mercator-hq/callisto/pkg/telemetry/tracing"
	"mercator-hq/callisto/pkg/trace"
)

// handleConnect tunnels an HTTPS CONNECT request as an opaque byte stream.
// TLS is never terminated; the proxy observes only the connection
// endpoints, timing and byte counts.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host, port := splitHostPort(r.Host, "443")
	provider := trace.DetectProvider(host)
	capture := p.shouldCapture(provider)
	requestID := uuid.New().String()

	// The span covers the whole tunnel lifetime and is ended by whichever
	// path closes it: dial failure, hijack failure, or tunnel teardown.
	_, span := tracing.Tracer(tracerName).Start(r.Context(), "proxy.https_connect",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("server.address", host),
			attribute.Int("server.port", port),
			attribute.String("callisto.provider", providerMetricLabel(provider)),
			attribute.String("callisto.request_id", requestID),
		))

	if capture {
		p.emit(&trace.Event{
			Type:      trace.TypeHTTPSConnectStart,
			Source:    trace.SourceProxy,
			Timestamp: start.UnixMilli(),
			Data: map[string]any{
				"requestId": requestID,
				"host":      host,
				"port":      port,
				"provider":  providerValue(provider),
			},
		})
	}

	// Dial upstream before answering 200 so connection failures surface
	// as a proper gateway error instead of a dead tunnel.
	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), p.config.DialTimeout)
	if err != nil {
		p.logger.Warn("tunnel dial failed", "host", host, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tunnel dial failed")
		span.End()
		if capture {
			p.emitConnectError(requestID, host, port, provider, start, err)
		}
		p.observe(provider, "error", time.Since(start))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		span.SetStatus(codes.Error, "hijacking unsupported")
		span.End()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		p.logger.Error("hijack failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "hijack failed")
		span.End()
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "tunnel response not written")
		span.End()
		if capture {
			p.emitConnectError(requestID, host, port, provider, start, err)
		}
		return
	}

	if p.metrics != nil {
		p.metrics.TunnelsOpen.Inc()
	}

	p.tunnels.Add(1)
	go func() {
		defer p.tunnels.Done()
		defer span.End()
		up, down, tunnelErr := tunnel(client, upstream)
		if p.metrics != nil {
			p.metrics.TunnelsOpen.Dec()
		}

		duration := time.Since(start)
		span.SetAttributes(
			attribute.Int64("callisto.tunnel.bytes_up", up),
			attribute.Int64("callisto.tunnel.bytes_down", down),
		)
		if tunnelErr != nil {
			span.RecordError(tunnelErr)
			span.SetStatus(codes.Error, "tunnel interrupted")
		}

		if !capture {
			p.observe(provider, "ok", duration)
			return
		}
		if tunnelErr != nil {
			p.emitConnectError(requestID, host, port, provider, start, tunnelErr)
			p.observe(provider, "error", duration)
			return
		}
		p.emit(&trace.Event{
			Type:      trace.TypeHTTPSConnectComplete,
			Source:    trace.SourceProxy,
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]any{
				"requestId":   requestID,
				"host":        host,
				"port":        port,
				"provider":    providerValue(provider),
				"status":      200,
				"bytes_up":    up,
				"bytes_down":  down,
				"duration_ms": float64(duration.Milliseconds()),
			},
		})
		p.observe(provider, "ok", duration)
	}()
}

func (p *Proxy) emitConnectError(requestID, host string, port int, provider trace.Provider, start time.Time, err error) {
	p.emit(&trace.Event{
		Type:      trace.TypeHTTPSConnectError,
		Source:    trace.SourceProxy,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"requestId":   requestID,
			"host":        host,
			"port":        port,
			"provider":    providerValue(provider),
			"error":       err.Error(),
			"duration_ms": float64(time.Since(start).Milliseconds()),
		},
	})
}

// tunnel shuttles bytes in both directions until either side closes,
// returning bytes copied upstream and downstream. A clean EOF on either
// side counts as an orderly close.
func tunnel(client, upstream net.Conn) (up int64, down int64, err error) {
	var upstreamBytes, downstreamBytes atomic.Int64
	errCh := make(chan error, 2)

	go func() {
		n, copyErr := io.Copy(upstream, client)
		upstreamBytes.Store(n)
		// Half-close toward upstream so it can finish its response.
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errCh <- copyErr
	}()
	go func() {
		n, copyErr := io.Copy(client, upstream)
		downstreamBytes.Store(n)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errCh <- copyErr
	}()

	err1 := <-errCh
	err2 := <-errCh
	client.Close()
	upstream.Close()

	err = firstTunnelError(err1, err2)
	return upstreamBytes.Load(), downstreamBytes.Load(), err
}

// firstTunnelError filters expected close conditions out of the copy
// errors.
func firstTunnelError(errs ...error) error {
	for _, err := range errs {
		if err == nil || err == io.EOF {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return err
		}
		// "use of closed network connection" after the peer hung up is
		// the normal teardown path, not a failure.
		if isClosedConnError(err) {
			continue
		}
		return err
	}
	return nil
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// splitHostPort splits an authority into host and numeric port, applying
// defaultPort when none is present.
func splitHostPort(authority, defaultPort string) (string, int) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		portStr = defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 443
	}
	return host, port
}
