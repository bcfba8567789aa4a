// Package main is the entry point for the complyflow orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/capability"
	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/internal/impact"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/internal/openapi"
	"github.com/pitabwire/complyflow/internal/transport"
	"github.com/pitabwire/complyflow/internal/trigger"
	"github.com/pitabwire/complyflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "complyflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Stores.
	stores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.Close()

	redisClient, err := buildRedis(ctx, cfg)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return 1
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	idem := buildIdempotencyStore(cfg.Idempotency, redisClient, logger)

	// Step 5: Events. The in-process bus feeds internal triggers; Redis
	// fans changes out to other consumers when configured.
	bus := events.NewMemoryBus(cfg.Events.BufferSize, metrics, logger)
	defer bus.Close()
	// Trigger firings go only to external consumers: the bus subscriber
	// is the evaluator itself.
	var external events.Multi
	var redisPublisher *events.RedisPublisher
	if cfg.Events.Driver == "redis" {
		redisPublisher = events.NewRedisPublisher(redisClient, cfg.Events.ChannelPrefix, metrics)
		external = append(external, redisPublisher)
	}
	publisher := append(events.Multi{bus}, external...)

	// Step 6: Engine.
	sink := audit.MultiSink{audit.NewStoreSink(stores.executions), audit.NewLogSink(logger)}
	registry := definition.NewRegistry(stores.definitions, stores.executions, sink, logger)
	scheduler := workflow.NewScheduler(registry, stores.executions, publisher, metrics, logger,
		workflow.OptionsFromConfig(cfg.Engine))

	var assessor trigger.Assessor
	var impactClient *impact.Client
	if cfg.Impact.BaseURL != "" {
		impactClient = impact.New(cfg.Impact, metrics, logger)
		assessor = impactClient
	} else {
		logger.Warn("impact assessor not configured, regulatory changes start without assessment")
	}

	evaluator := trigger.NewEvaluator(stores.triggers, sink, logger,
		trigger.WithDeduplication(idem, cfg.Idempotency.TTL),
		trigger.WithStateProvider(scheduler),
		trigger.WithPublisher(external),
		trigger.WithRetry(cfg.Engine.Retry),
		trigger.WithMetrics(metrics),
	)
	dispatcher := trigger.NewDispatcher(scheduler, assessor, cfg.Engine, metrics, logger)
	intake := trigger.NewIntake(evaluator, dispatcher, logger)
	unsubscribe := bus.Subscribe("internal-triggers", intake.HandleStateChange)
	defer unsubscribe()

	// Step 7: Seed definitions from disk.
	var definitionsLoaded atomic.Bool
	if cfg.Definitions.SeedOnBoot {
		n, err := seedDefinitions(ctx, registry, cfg.Definitions.Directories, logger)
		if err != nil {
			logger.Error("definition seeding failed", zap.Error(err))
			return 1
		}
		logger.Info("definitions seeded", zap.Int("files", n))
	}
	definitionsLoaded.Store(true)

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: definitionsLoaded.Load,
		IdempotencyStore:  healthChecker(idem),
	}
	if hc, ok := stores.executions.(observability.HealthChecker); ok {
		readiness.ExecutionStore = hc
	}
	if redisPublisher != nil {
		readiness.EventBus = redisPublisher
	}
	if impactClient != nil {
		readiness.ImpactAssessor = impactClient
	}

	var capabilities transport.CapabilityResolver
	if cfg.Authorization.PolicyFile != "" {
		policy, err := capability.NewStaticPolicy(cfg.Authorization.PolicyFile)
		if err != nil {
			logger.Error("authorization policy failed to load", zap.Error(err))
			return 1
		}
		capabilities = capability.NewResolver(policy, cfg.Authorization.CacheTTL)
	} else {
		logger.Warn("authorization policy not configured, authenticated callers have every capability")
	}

	api, err := openapi.Load()
	if err != nil {
		logger.Error("api description failed to load", zap.Error(err))
		return 1
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Definitions:  registry,
		Scheduler:    scheduler,
		Intake:       intake,
		Idempotency:  idem,
		Readiness:    readiness,
		Capabilities: capabilities,
		API:          api,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background work.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	scheduled := trigger.NewScheduledSource(stores.triggers, intake, logger)
	jobs, err := newJobs(bgCtx, cfg.Engine, scheduler, scheduled, logger)
	if err != nil {
		logger.Error("background job setup failed", zap.Error(err))
		return 1
	}

	bg, bgCtx := errgroup.WithContext(bgCtx)
	bg.Go(func() error { return dispatcher.Run(bgCtx) })
	jobs.Start()

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let running jobs finish, then stop the dispatcher.
	select {
	case <-jobs.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("background jobs did not stop in time")
	}
	bgCancel()
	if err := bg.Wait(); err != nil {
		logger.Error("background worker error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}
