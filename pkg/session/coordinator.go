// Package session owns the lifecycle of one tracing session: it wires the
// proxy, supervisor, IPC bus, aggregation pipeline and state store to a
// single session id, and guarantees orderly finalization.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"mercator-hq/callisto/pkg/cli"
	"mercator-hq/callisto/pkg/config"
	"mercator-hq/callisto/pkg/index"
	"mercator-hq/callisto/pkg/ipc"
	"mercator-hq/callisto/pkg/proxy"
	"mercator-hq/callisto/pkg/supervisor"
	"mercator-hq/callisto/pkg/telemetry/metrics"
	"mercator-hq/callisto/pkg/telemetry/tracing"
	"mercator-hq/callisto/pkg/trace"
	"mercator-hq/callisto/pkg/trace/aggregator"
	"mercator-hq/callisto/pkg/trace/sanitize"
	"mercator-hq/callisto/pkg/trace/state"
	"mercator-hq/callisto/pkg/trace/writer"
	"mercator-hq/callisto/pkg/viewer"
)

// drainWindow is how long the pipeline keeps accepting events after the
// completion signal, so in-flight captures land in the log.
const drainWindow = 2 * time.Second

// writerQueueSize bounds the aggregator -> writer channel.
const writerQueueSize = 256

// Coordinator runs exactly one session. Within one coordinator only one
// session is ever active.
type Coordinator struct {
	cfg     *config.Config
	printer *cli.Printer
	logger  *slog.Logger

	sessionID string
	dir       string
	startMono time.Time
	startWall time.Time

	pipeline *metrics.Pipeline
	store    *state.Store
	agg      *aggregator.Aggregator
	wr       *writer.Writer
	bus      *ipc.Bus
	px       *proxy.Proxy
	sup      *supervisor.Supervisor
	emitter  *viewer.Emitter

	writerFatal chan error
}

// New resolves the session identity and creates a Coordinator. The
// configuration must already be validated.
func New(cfg *config.Config, printer *cli.Printer) (*Coordinator, error) {
	c := &Coordinator{
		cfg:         cfg,
		printer:     printer,
		logger:      slog.Default().With("component", "session"),
		startMono:   time.Now(),
		startWall:   time.Now(),
		writerFatal: make(chan error, 1),
	}

	id, err := c.resolveSessionID()
	if err != nil {
		return nil, err
	}
	c.sessionID = id
	c.dir = filepath.Join(cfg.TraceDir, "sessions", id)
	return c, nil
}

// resolveSessionID picks the explicit id, the most recent session for
// --continue, or a fresh timestamp+random id.
func (c *Coordinator) resolveSessionID() (string, error) {
	if id := c.cfg.Session.ID; id != "" {
		if !trace.ValidSessionID(id) {
			return "", cli.NewConfigError("session.id", fmt.Sprintf("%q must match [A-Za-z0-9_-]{1,50}", id))
		}
		return id, nil
	}
	if c.cfg.Session.Continue {
		id, ok := c.latestSessionID()
		if !ok {
			return "", cli.NewConfigError("session.continue", "no previous session found under "+c.cfg.TraceDir)
		}
		return id, nil
	}
	return trace.NewSessionID(), nil
}

// latestSessionID consults the catalog first and falls back to directory
// modification times for trace roots written before the catalog existed.
func (c *Coordinator) latestSessionID() (string, bool) {
	if catalog, err := index.Open(filepath.Join(c.cfg.TraceDir, "index.db")); err == nil {
		defer catalog.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if id, ok, err := catalog.LatestSessionID(ctx); err == nil && ok {
			return id, true
		}
	}

	entries, err := os.ReadDir(filepath.Join(c.cfg.TraceDir, "sessions"))
	if err != nil {
		return "", false
	}
	var best string
	var bestTime time.Time
	for _, entry := range entries {
		if !entry.IsDir() || !trace.ValidSessionID(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestTime) {
			best, bestTime = entry.Name(), info.ModTime()
		}
	}
	return best, best != ""
}

// SessionID returns the resolved session id.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Run executes the whole session and returns the wrapper's exit code:
// zero on successful finalization regardless of the child's exit code,
// non-zero on finalization failure or fatal event loss.
func (c *Coordinator) Run(ctx context.Context) (int, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 1, fmt.Errorf("create session directory: %w", err)
	}

	c.pipeline = metrics.NewPipeline(nil)

	// State store first: every later component reports health into it.
	c.store = state.New(state.Config{
		Path: filepath.Join(c.dir, "state.json"),
	}, c.sessionID)
	stateStop := make(chan struct{})
	go c.store.Run(stateStop)

	// Writer consumes the far end of the pipeline.
	writerCh := make(chan *trace.Event, writerQueueSize)
	wr, err := writer.New(writer.DefaultConfig(filepath.Join(c.dir, "session.jsonl")), writerCh, func(fatal error) {
		select {
		case c.writerFatal <- fatal:
		default:
		}
	})
	if err != nil {
		close(stateStop)
		return 1, fmt.Errorf("create log writer: %w", err)
	}
	c.wr = wr
	c.store.SetBytesFn(wr.BytesWritten)
	wr.SetBatchHook(func(events, bytes int) {
		c.pipeline.WriterBatches.Inc()
		c.pipeline.BytesWritten.Add(float64(bytes))
	})
	go wr.Run()

	// Aggregator in the middle.
	sanitizer := sanitize.New(sanitize.Config{
		HighSecurity:    c.cfg.Sanitize.HighSecurity,
		MaxStringLength: c.cfg.Sanitize.MaxStringLength,
	})
	validator := sanitize.NewValidator(c.sessionID, sanitizer)
	aggCfg := aggregator.DefaultConfig(c.sessionID)
	c.agg = aggregator.New(aggCfg, validator, writerCh, &counterFan{state: c.store, metrics: c.pipeline})
	// The aggregator must finish draining even after a cancel signal; the
	// wrapped binary's termination, not ctx, ends the pipeline.
	go c.agg.Run(context.WithoutCancel(ctx))

	// IPC bus feeds the same aggregator.
	bus, err := ipc.New(ipc.Config{
		SessionID:    c.sessionID,
		Dir:          c.cfg.IPC.Dir,
		PollInterval: c.cfg.IPC.PollInterval,
	}, c.agg)
	if err != nil {
		c.logger.Warn("IPC bus unavailable", "error", err)
	} else {
		c.bus = bus
	}
	busStop := make(chan struct{})
	if c.bus != nil {
		go c.bus.Run(busStop)
		c.store.SetComponent("ipc", "running", 0)
	}

	// Proxy, with adjacent-port retry when the requested port is taken.
	host, port, err := c.startProxy()
	if err != nil {
		close(busStop)
		close(stateStop)
		return 1, err
	}
	c.store.SetComponent("proxy", "running", 0)
	c.printer.Detail("proxy listening on %s:%d", host, port)

	c.writeMetadata(host, port)

	c.offer(trace.NewEvent(trace.TypeSessionStart, trace.SourceInternal, map[string]any{
		"session_name": c.cfg.Session.Name,
		"tags":         c.cfg.Session.Tags,
		"trace_dir":    c.cfg.TraceDir,
	}))
	c.offer(trace.NewEvent(trace.TypeInterceptionInitialized, trace.SourceInternal, map[string]any{
		"proxy_host": host,
		"proxy_port": port,
	}))

	// Supervisor last: the child only starts once capture is in place.
	env := c.px.Env()
	if c.bus != nil {
		env["CALLISTO_IPC_DIR"] = c.bus.Dir()
	}
	env["CALLISTO_SESSION_ID"] = c.sessionID

	c.sup = supervisor.New(supervisor.Config{
		BinaryName:  c.cfg.Wrapped.Binary,
		BinaryPath:  c.cfg.Wrapped.Path,
		Args:        c.cfg.Wrapped.Args,
		Env:         env,
		GracePeriod: c.cfg.Wrapped.GracePeriod,
	}, c.agg, c.store)

	if err := c.sup.Start(); err != nil {
		close(busStop)
		if c.bus != nil {
			c.bus.Wait()
		}
		c.finalize(ctx, trace.StatusError, -1)
		close(stateStop)
		c.store.Wait()
		if errors.Is(err, supervisor.ErrBinaryNotFound) {
			return 1, err
		}
		return 1, fmt.Errorf("start wrapped binary: %w", err)
	}
	monitorStop := make(chan struct{})
	go c.sup.Monitor(monitorStop)

	if err := c.store.SetStatus(trace.StatusActive); err != nil {
		c.logger.Warn("session status not advanced", "error", err)
	}
	c.printer.Status("tracing session %s (pid %d)", c.sessionID, c.sup.PID())

	// Long sessions prune old traces on the configured cron schedule.
	if c.cfg.Retention.Days > 0 && c.cfg.Retention.Schedule != "" {
		if catalog, err := index.Open(filepath.Join(c.cfg.TraceDir, "index.db")); err == nil {
			pruner := index.NewPruner(catalog, c.cfg.TraceDir, c.cfg.Retention.Days)
			scheduler := index.NewScheduler(pruner, c.cfg.Retention.Schedule)
			if err := scheduler.Start(ctx); err != nil {
				c.logger.Warn("retention scheduler not started", "error", err)
				catalog.Close()
			} else {
				defer func() {
					scheduler.Stop()
					catalog.Close()
				}()
			}
		}
	}

	// Force-finalize when the child neither exits nor is interrupted
	// within the fallback horizon.
	var fallback <-chan time.Time
	if c.cfg.Wrapped.ExitTimeout > 0 {
		timer := time.NewTimer(c.cfg.Wrapped.ExitTimeout)
		defer timer.Stop()
		fallback = timer.C
	}

	status := trace.StatusCompleted
	select {
	case <-c.sup.Done():
		// Completion signal: the wrapped binary exited.
	case <-ctx.Done():
		c.printer.Status("shutting down...")
		c.sup.Shutdown()
	case fatal := <-c.writerFatal:
		c.logger.Error("event loss, aborting session", "error", fatal)
		c.sup.Shutdown()
		status = trace.StatusError
	case <-fallback:
		c.logger.Warn("wrapped binary still running at fallback horizon, force-finalizing",
			"timeout", c.cfg.Wrapped.ExitTimeout)
		c.sup.Shutdown()
	}
	close(monitorStop)

	exitCode := c.sup.ExitCode()
	close(busStop)
	if c.bus != nil {
		c.bus.Wait()
	}

	finalErr := c.finalize(ctx, status, exitCode)
	close(stateStop)
	c.store.Wait()

	if finalErr != nil {
		return 1, finalErr
	}
	if c.wr.Fatal() != nil {
		return 1, c.wr.Fatal()
	}
	return 0, nil
}

// startProxy starts the proxy, retrying adjacent ports when the requested
// one is in use.
func (c *Coordinator) startProxy() (string, int, error) {
	addr := c.cfg.Proxy.ListenAddress
	hostPart, portPart, err := splitAddr(addr)
	if err != nil {
		return "", 0, cli.NewConfigError("proxy.listen_address", err.Error())
	}

	attempts := 1
	if portPart != 0 {
		attempts = c.cfg.Proxy.PortRetries + 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cfg := proxy.DefaultConfig()
		cfg.ListenAddress = fmt.Sprintf("%s:%d", hostPart, portPick(portPart, i))
		cfg.IncludeAll = c.cfg.IncludeAll
		cfg.MaxBodySize = c.cfg.MaxBodySize
		cfg.DrainTimeout = c.cfg.Proxy.DrainTimeout
		cfg.DialTimeout = c.cfg.Proxy.DialTimeout

		pipeline := c.pipeline
		if !c.cfg.Telemetry.Metrics.Enabled {
			pipeline = nil
		}
		px := proxy.New(cfg, c.agg, pipeline)
		host, port, err := px.Start()
		if err == nil {
			c.px = px
			return host, port, nil
		}
		lastErr = err
		if !errors.Is(err, proxy.ErrPortInUse) {
			break
		}
		c.logger.Warn("proxy port in use, trying adjacent port", "address", cfg.ListenAddress)
	}
	return "", 0, fmt.Errorf("start proxy: %w", lastErr)
}

func portPick(base, attempt int) int {
	if base == 0 {
		return 0
	}
	return base + attempt
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not numeric", portStr)
	}
	return host, port, nil
}

// offer pushes an internal event into the pipeline.
func (c *Coordinator) offer(e *trace.Event) {
	c.agg.Offer(e)
}

// finalize runs the ordered shutdown path: drain window, proxy stop,
// summary events, aggregation close, writer flush, final snapshot, viewer
// emission, catalog update and IPC cleanup.
func (c *Coordinator) finalize(ctx context.Context, status trace.SessionStatus, childExit int) error {
	// The finalization span survives the shutdown signal that usually
	// triggers it; it records the drain-and-flush sequence end to end.
	_, span := tracing.Tracer("mercator-hq/callisto/pkg/session").Start(
		context.WithoutCancel(ctx), "session.finalize",
		oteltrace.WithAttributes(
			attribute.String("callisto.session_id", c.sessionID),
			attribute.Int("callisto.child_exit_code", childExit),
		))
	defer span.End()

	if err := c.store.SetStatus(trace.StatusFinalizing); err != nil {
		c.logger.Debug("finalize transition", "error", err)
	}

	// Keep accepting trailing events briefly; in-flight proxy captures
	// complete inside this window.
	time.Sleep(drainWindow)

	if c.px != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Proxy.DrainTimeout+time.Second)
		if err := c.px.Stop(stopCtx); err != nil {
			c.logger.Warn("proxy stop", "error", err)
		}
		cancel()
		c.store.SetComponent("proxy", "stopped", 0)
	}

	c.offer(trace.NewEvent(trace.TypeAggregationSummary, trace.SourceInternal, c.agg.SummaryData()))
	c.offer(trace.NewEvent(trace.TypeInterceptionCleanup, trace.SourceInternal, map[string]any{
		"child_exit_code": childExit,
	}))
	c.offer(trace.NewEvent(trace.TypeSessionEnd, trace.SourceInternal, map[string]any{
		"status":          string(status),
		"child_exit_code": childExit,
		"duration_ms":     float64(time.Since(c.startMono).Milliseconds()),
	}))

	// Stop intake, drain the pipeline end to end, close the log.
	c.agg.Close()
	c.agg.Wait()
	c.wr.Wait()
	closeErr := c.wr.Close()

	finalStatus := status
	if fatal := c.wr.Fatal(); fatal != nil {
		finalStatus = trace.StatusError
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "event loss")
	}
	span.SetAttributes(
		attribute.Int64("callisto.events_written", c.wr.LinesWritten()),
		attribute.String("callisto.session_status", string(finalStatus)),
	)
	if err := c.store.SetStatus(finalStatus); err != nil {
		c.logger.Debug("final transition", "error", err)
	}
	c.store.WriteSnapshot()

	// Viewer runs only after the writer has released the log.
	viewerPath := ""
	if c.cfg.Viewer.Enabled {
		c.emitter = viewer.NewEmitter(nil)
		viewerPath = c.emitter.Emit(
			filepath.Join(c.dir, "session.jsonl"),
			filepath.Join(c.dir, "session.html"),
			c.cfg.Viewer.Template,
			viewer.Options{Title: c.cfg.Session.Name, SessionID: c.sessionID},
		)
	}

	c.updateCatalog(ctx, finalStatus, viewerPath)

	if c.bus != nil {
		c.bus.Cleanup()
	}

	stats := c.agg.Stats()
	c.printer.PrintSummary(cli.Summary{
		SessionID:          c.sessionID,
		TraceFile:          filepath.Join(c.dir, "session.jsonl"),
		ViewerFile:         viewerPath,
		EventCount:         c.wr.LinesWritten(),
		DuplicatesFiltered: stats.Duplicates,
		Duration:           time.Since(c.startMono),
		ChildExitCode:      childExit,
	})

	if closeErr != nil {
		return fmt.Errorf("close session log: %w", closeErr)
	}
	return nil
}

// updateCatalog records the finished session in the trace root's catalog
// and applies on-finalize retention pruning.
func (c *Coordinator) updateCatalog(ctx context.Context, status trace.SessionStatus, viewerPath string) {
	catalog, err := index.Open(filepath.Join(c.cfg.TraceDir, "index.db"))
	if err != nil {
		c.logger.Warn("session catalog unavailable", "error", err)
		return
	}
	defer catalog.Close()

	snap := c.store.Current()
	// Finalization must complete even when the surrounding context was
	// canceled by the shutdown signal.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := catalog.Upsert(opCtx, index.Record{
		SessionID:          c.sessionID,
		Name:               c.cfg.Session.Name,
		Status:             string(status),
		Tags:               c.cfg.Session.Tags,
		StartedAt:          c.startWall.UnixMilli(),
		EndedAt:            time.Now().UnixMilli(),
		Events:             snap.EventsProcessed,
		DuplicatesFiltered: snap.DuplicatesFiltered,
		Errors:             snap.Errors,
		TraceFile:          filepath.Join(c.dir, "session.jsonl"),
		ViewerFile:         viewerPath,
	}); err != nil {
		c.logger.Warn("session catalog update failed", "error", err)
	}

	if c.cfg.Retention.Days > 0 {
		pruner := index.NewPruner(catalog, c.cfg.TraceDir, c.cfg.Retention.Days)
		if _, err := pruner.Prune(opCtx); err != nil {
			c.logger.Warn("retention pruning failed", "error", err)
		}
	}
}

// counterFan multiplexes aggregation counters into the state store and
// the metrics pipeline.
type counterFan struct {
	state   *state.Store
	metrics *metrics.Pipeline
}

func (f *counterFan) EventProcessed(typ trace.Type) {
	f.state.EventProcessed(typ)
	f.metrics.EventsProcessed.WithLabelValues(string(typ)).Inc()
}

func (f *counterFan) DuplicateFiltered() {
	f.state.DuplicateFiltered()
	f.metrics.DuplicatesFiltered.Inc()
}

func (f *counterFan) ValidationFailed() {
	f.state.ValidationFailed()
}
