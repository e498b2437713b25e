// Opsrelay polls vendor monitoring APIs, normalizes their alerts into a
// durable queue, and drains the transactional outbox to downstream sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/opsrelay/internal/auth"
	"github.com/linnemanlabs/opsrelay/internal/authmw"
	oc "github.com/linnemanlabs/opsrelay/internal/cfg"
	"github.com/linnemanlabs/opsrelay/internal/ingest"
	"github.com/linnemanlabs/opsrelay/internal/outbox"
	"github.com/linnemanlabs/opsrelay/internal/pgstore"
	"github.com/linnemanlabs/opsrelay/internal/postgres"
	"github.com/linnemanlabs/opsrelay/internal/source"
	"github.com/linnemanlabs/opsrelay/internal/statusapi"
	"github.com/linnemanlabs/opsrelay/internal/vendor"
)

const appName = "opsrelay"
const component = "worker"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    oc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix OPSRELAY_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "OPSRELAY_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"refresh_interval_seconds", appCfg.RefreshIntervalSeconds,
		"poll_interval_seconds", appCfg.PollIntervalSeconds,
		"outbox_interval_seconds", appCfg.OutboxIntervalSeconds,
		"outbox_batch_size", appCfg.OutboxBatchSize,
		"outbox_max_retries", appCfg.OutboxMaxRetries,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Worker identity stamped onto outbox claims; hostname is a good default
	// since one worker per host is the normal deployment.
	workerID := appCfg.WorkerID
	if workerID == "" {
		if host, err := os.Hostname(); err == nil {
			workerID = host
		} else {
			workerID = "opsrelay-worker"
		}
	}

	// Open the postgres pool and the store on top of it
	pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()
	store, err := pgstore.New(ctx, pool, workerID)
	if err != nil {
		return fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "postgres store ready", "worker_id", workerID)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsrelay_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker_component", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, workerComponent, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(workerComponent, outcome).Observe(dur.Seconds())
		},
	))

	// Auth broker resolves per-source vendor API credentials, caching OAuth2
	// token sources across cycles.
	broker := auth.NewBroker(nil)

	// Register the vendor adapters. Catalog rows dispatch by vendor tag; a
	// row with no registered adapter is skipped with a warning at poll time.
	adapters := vendor.NewRegistry()
	adapters.Register(vendor.NewInsight360(nil, broker))
	adapters.Register(vendor.NewFranklinMonitors(nil, broker))
	adapters.Register(vendor.NewTempTicks(nil, broker))
	adapters.Register(vendor.NewTeamViewer(nil, broker, store))
	for _, name := range adapters.Vendors() {
		L.Info(ctx, "registered vendor adapter", "vendor", name)
	}

	// Source registry: in-memory snapshot of the catalog, atomically swapped
	// on refresh. The first refresh failing is not fatal; the scheduler
	// retries on its interval.
	registry := source.NewRegistry(store, L)
	if err := registry.Refresh(ctx); err != nil {
		L.Error(ctx, err, "initial source refresh failed, starting with empty registry")
	}

	// Ingestion pipeline: adapters -> gate -> queue, with health tracking.
	ingestMetrics := ingest.NewMetrics(m.Registry())
	gate := ingest.NewGate(store, store, L, ingestMetrics)
	healthTracker := ingest.NewHealthTracker()
	pipeline := ingest.NewPipeline(
		registry, adapters, gate, store, healthTracker, L, ingestMetrics,
		time.Duration(appCfg.PollTimeoutSeconds)*time.Second,
	)

	// Outbox dispatcher: sink by priority, fan-in over webhook; with neither
	// configured, events surface as integration-error records.
	var sink outbox.Sink
	if url := appCfg.SinkURL(); url != "" {
		sink = outbox.NewWebhookSink(url, nil)
		L.Info(ctx, "outbox sink configured", "target", url)
	} else {
		L.Warn(ctx, "no outbox sink configured, events will be recorded as integration errors")
	}
	outboxMetrics := outbox.NewMetrics(m.Registry())
	dispatcher := outbox.NewDispatcher(store, sink, L, outboxMetrics,
		appCfg.OutboxBatchSize, appCfg.OutboxMaxRetries)

	// The dispatcher runs its own claim/deliver loop with backoff semantics;
	// cron fires the catalog refresh and ingestion cycles.
	dispatcherCtx := postgres.WithComponent(log.WithContext(context.Background(), L), "outbox")
	dispatcherCtx, cancelDispatcher := context.WithCancel(dispatcherCtx)
	defer cancelDispatcher()
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(dispatcherCtx, time.Duration(appCfg.OutboxIntervalSeconds)*time.Second)
	}()

	sched := cron.New()
	jobCtx := log.WithContext(context.Background(), L)
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", appCfg.RefreshIntervalSeconds), func() {
		rctx := postgres.WithComponent(jobCtx, "registry")
		if err := registry.Refresh(rctx); err != nil {
			L.Error(rctx, err, "source refresh failed, keeping previous snapshot")
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh job: %w", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", appCfg.PollIntervalSeconds), func() {
		ictx := postgres.NewCycleDBStatsContext(postgres.WithComponent(jobCtx, "ingest"))
		pipeline.RunCycle(ictx)
		if stats, ok := postgres.CycleDBStatsFromContext(ictx); ok && stats.QueryCount > 0 {
			L.Info(ictx, "ingestion cycle db stats",
				"queries", stats.QueryCount,
				"db_time", stats.TotalDuration.Seconds(),
				"db_errors", stats.ErrorCount,
			)
		}
	}); err != nil {
		return fmt.Errorf("schedule ingest job: %w", err)
	}
	sched.Start()

	// setup toggle for worker shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup status api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label any DB queries issued by status handlers for query metrics.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithComponent(req.Context(), "statusapi")))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 16)) // status surface is read-only, requests carry no bodies

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register status routes behind the bearer gate (no-op when no token set)
	statusHTTP := statusapi.New(L, healthTracker, adapters.Vendors())
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(appCfg.StatusAPIToken))
		statusHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	statusOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start status HTTP server with middleware and handlers
	statusHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, statusOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start status http listener")
		return err
	}
	defer func() {
		err := statusHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop status http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// stop scheduling new cycles; in-flight jobs finish during the drain
	cronCtx := sched.Stop()

	// Wait for in-flight cycles to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-cronCtx.Done():
		L.Info(context.Background(), "scheduled jobs drained")
		select {
		case <-time.After(time.Second):
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// stop the dispatcher loop and wait for the in-flight batch
	cancelDispatcher()
	select {
	case <-dispatcherDone:
	case <-time.After(15 * time.Second):
		L.Warn(context.Background(), "dispatcher did not stop within budget")
	}

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"status http server", statusHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
