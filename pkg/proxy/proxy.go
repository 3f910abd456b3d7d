// Package proxy implements the loopback forward proxy the wrapped binary
// is steered through. Plain HTTP requests are parsed, forwarded and
// captured; CONNECT requests are tunneled as opaque byte streams with
// connection-level events. The proxy never breaks the application: capture
// and event-emission failures leave forwarding untouched.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"mercator-hq/callisto/pkg/telemetry/metrics"
	"mercator-hq/callisto/pkg/trace"
)

// EventSink receives capture events. Offer must not block; the aggregator
// satisfies this by dropping with a warning when its queue is full.
type EventSink interface {
	Offer(e *trace.Event) bool
}

// Config contains configuration for the proxy.
type Config struct {
	// ListenAddress is the loopback address to bind. Port 0 lets the OS
	// choose.
	// Default: "127.0.0.1:0"
	ListenAddress string

	// IncludeAll captures traffic to unknown hosts as well. Provider
	// traffic is always captured.
	// Default: false
	IncludeAll bool

	// MaxBodySize caps captured request/response bodies in bytes. Bodies
	// at the cap are kept whole; one byte over is truncated with a marker.
	// Default: 1048576
	MaxBodySize int

	// DrainTimeout bounds how long Stop waits for in-flight requests.
	// Default: 5s
	DrainTimeout time.Duration

	// DialTimeout bounds upstream connection establishment.
	// Default: 10s
	DialTimeout time.Duration
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddress: "127.0.0.1:0",
		MaxBodySize:   1 << 20,
		DrainTimeout:  5 * time.Second,
		DialTimeout:   10 * time.Second,
	}
}

// ErrPortInUse reports that the requested listen port is taken.
var ErrPortInUse = errors.New("proxy port in use")

// tracerName scopes the proxy's self-tracing spans. Spans are no-ops
// unless an OTLP tracer provider has been installed.
const tracerName = "mercator-hq/callisto/pkg/proxy"

// Proxy is the forward proxy. Create with New, then Start, then inject
// Env() into the wrapped binary.
type Proxy struct {
	config  Config
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics.Pipeline

	server   *http.Server
	listener net.Listener
	client   *http.Client
	self     http.Handler

	mu   sync.Mutex
	host string
	port int

	tunnels sync.WaitGroup
}

// New creates a Proxy emitting capture events into sink. When pipeline is
// non-nil its exposition handler is served on origin-form GET /metrics
// requests addressed to the proxy itself.
func New(config Config, sink EventSink, pipeline *metrics.Pipeline) *Proxy {
	if config.ListenAddress == "" {
		config.ListenAddress = "127.0.0.1:0"
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 1 << 20
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	p := &Proxy{
		config:  config,
		sink:    sink,
		logger:  slog.Default().With("component", "proxy"),
		metrics: pipeline,
	}
	if pipeline != nil {
		p.self = pipeline.Handler()
	}

	p.client = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   config.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// The wrapped binary follows its own redirects.
			return http.ErrUseLastResponse
		},
		// No client timeout: provider responses stream for minutes.
	}

	p.server = &http.Server{
		Handler:     p,
		IdleTimeout: 120 * time.Second,
	}

	return p
}

// Start binds the listener and begins serving in the background. It
// returns the bound host and port.
func (p *Proxy) Start() (string, int, error) {
	ln, err := net.Listen("tcp", p.config.ListenAddress)
	if err != nil {
		if isAddrInUse(err) {
			return "", 0, fmt.Errorf("%w: %s", ErrPortInUse, p.config.ListenAddress)
		}
		return "", 0, fmt.Errorf("proxy listen: %w", err)
	}

	addr := ln.Addr().(*net.TCPAddr)
	p.mu.Lock()
	p.listener = ln
	p.host = addr.IP.String()
	p.port = addr.Port
	p.mu.Unlock()

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy serve failed", "error", err)
		}
	}()

	p.logger.Info("proxy listening", "host", addr.IP.String(), "port", addr.Port)
	return addr.IP.String(), addr.Port, nil
}

// Addr returns the bound address as host:port.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// Env returns the environment variables that steer a child process
// through the proxy, in both the upper- and lowercase conventions.
func (p *Proxy) Env() map[string]string {
	url := "http://" + p.Addr()
	return map[string]string{
		"HTTP_PROXY":  url,
		"HTTPS_PROXY": url,
		"http_proxy":  url,
		"https_proxy": url,
	}
}

// Stop closes the listener and drains in-flight requests and tunnels
// within the configured grace period.
func (p *Proxy) Stop(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, p.config.DrainTimeout)
	defer cancel()

	err := p.server.Shutdown(drainCtx)

	// CONNECT tunnels are hijacked connections the server cannot see;
	// wait for them separately, bounded by the same grace period.
	done := make(chan struct{})
	go func() {
		p.tunnels.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		p.logger.Warn("tunnels still open after drain grace period")
	}

	return err
}

// ServeHTTP dispatches CONNECT tunnels, absolute-form proxy requests and
// origin-form requests addressed to the proxy itself.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		p.handleConnect(w, r)
	case r.URL.IsAbs():
		p.handleHTTP(w, r)
	default:
		p.handleSelf(w, r)
	}
}

// handleSelf serves the proxy's own endpoints.
func (p *Proxy) handleSelf(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/metrics" && p.self != nil:
		p.self.ServeHTTP(w, r)
	case r.URL.Path == "/healthz":
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	default:
		// A non-proxy request we do not serve is a malformed proxy call.
		http.Error(w, "expected absolute-form proxy request", http.StatusBadRequest)
	}
}

// shouldCapture applies the capture policy: provider traffic always, the
// rest only when include-all is set.
func (p *Proxy) shouldCapture(provider trace.Provider) bool {
	return provider != trace.ProviderNone || p.config.IncludeAll
}

// emit hands an event to the sink. Emission failures are logged and
// swallowed; they must never fail the forwarded request.
func (p *Proxy) emit(e *trace.Event) {
	if e == nil || e.Type == "" {
		p.logger.Warn("malformed capture event dropped")
		return
	}
	if p.sink == nil {
		return
	}
	if !p.sink.Offer(e) && p.metrics != nil {
		p.metrics.EventsDropped.Inc()
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return false
}
