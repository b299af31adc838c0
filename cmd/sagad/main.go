// Package main is the entry point for the sagaflow daemon.
// It wires the event bus, workflow engine, step executor and admin API
// together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/sagaflow/internal/config"
	"github.com/pitabwire/sagaflow/internal/definition"
	"github.com/pitabwire/sagaflow/internal/eventbus"
	"github.com/pitabwire/sagaflow/internal/executor"
	"github.com/pitabwire/sagaflow/internal/observability"
	"github.com/pitabwire/sagaflow/internal/transport"
	"github.com/pitabwire/sagaflow/internal/workflow"
	"github.com/pitabwire/sagaflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var (
	_ eventbus.Observer = (*observability.Metrics)(nil)
	_ workflow.Recorder = (*observability.Metrics)(nil)
	_ executor.Recorder = (*observability.Metrics)(nil)
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", os.Getenv("SAGAFLOW_CONFIG"), "path to configuration file")
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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sagaflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.InitMetrics(reg)

	// Step 4: Load definitions, validate, build registry.
	defs, err := loadDefinitions(cfg.Definitions, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(len(registry.Types()))

	// Step 5: Initialize workflow store.
	store, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the bus, engine and executor.
	bus := eventbus.New(
		eventbus.WithLogger(logger.Named("bus")),
		eventbus.WithObserver(metrics),
	)

	engine := workflow.NewEngine(bus, registry,
		workflow.WithStore(store),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(metrics),
		workflow.WithRetention(cfg.Workflow.RetentionTTL, cfg.Workflow.RetentionMaxEntries),
	)
	if err := engine.Register(bus); err != nil {
		logger.Error("workflow engine registration failed", zap.Error(err))
		return 1
	}

	var exec *executor.Executor
	if cfg.Executor.Enabled {
		exec = executor.New(bus,
			executor.WithLogger(logger.Named("executor")),
			executor.WithMetrics(metrics),
			executor.WithMaxConcurrency(cfg.Executor.MaxConcurrency),
			executor.WithRetryPolicy(retryPolicy(cfg.Executor.Retry)),
		)
		registerStepFuncs(exec, cfg.Executor, registry)
		if err := exec.Register(bus); err != nil {
			logger.Error("executor registration failed", zap.Error(err))
			return 1
		}
		logger.Info("step executor enabled", zap.Strings("step_types", exec.StepTypes()))
	}

	// Step 7: Build HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.Types()) > 0 },
		BusSubscribed: func() bool {
			return bus.Stats().Subscriptions[model.EventStepCompleted] > 0
		},
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger.Named("http"),
		Workflows:   engine,
		Bus:         bus,
		Definitions: registry,
		Readiness:   readiness,
		Metrics:     metrics,
		Gatherer:    reg,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Reload definitions on SIGHUP.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go watchReload(bgCtx, cfg, registry, exec, metrics, logger)

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Strings("workflow_types", registry.Types()),
		zap.String("store", cfg.Workflow.Store.Driver),
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

	bgCancel()

	// Stop running steps, then let the bus deliver their outcomes.
	if exec != nil {
		if err := exec.Close(shutdownCtx); err != nil {
			logger.Error("executor shutdown error", zap.Error(err))
		}
	}
	if err := bus.Flush(shutdownCtx); err != nil {
		logger.Error("event bus flush error", zap.Error(err))
	}

	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("workflow store close error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// loadDefinitions reads the configured directories, adds the built-in
// definitions when enabled, and validates the set as a whole.
func loadDefinitions(cfg config.DefinitionsConfig, logger *zap.Logger) ([]model.DefinitionFile, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	if cfg.IncludeBuiltins {
		defs = append([]model.DefinitionFile{definition.DefaultDefinitions()}, defs...)
	}

	verrs := definition.NewValidator().Validate(defs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("%d definition validation errors", len(verrs))
	}
	return defs, nil
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, wcfg config.WorkflowConfig, logger *zap.Logger) (workflow.WorkflowStore, error) {
	cfg := wcfg.Store
	switch cfg.Driver {
	case config.StoreMemory, "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(
			workflow.WithMemoryRetention(wcfg.RetentionTTL, wcfg.RetentionMaxEntries),
		), nil

	case config.StorePostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using postgres workflow store")
		return store, nil

	case config.StoreSqlite:
		store, err := workflow.OpenSqliteWorkflowStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using sqlite workflow store", zap.String("path", cfg.Path))
		return store, nil

	case config.StoreRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("workflow store: ping: %w", err)
		}
		logger.Info("using redis workflow store", zap.String("addr", addr))
		return workflow.NewRedisWorkflowStore(rdb,
			workflow.WithKeyPrefix(cfg.KeyPrefix),
			workflow.WithTerminalTTL(cfg.TerminalTTL),
		), nil

	default:
		return nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

func retryPolicy(cfg config.RetryConfig) executor.RetryPolicy {
	return executor.RetryPolicy{
		InitialInterval: cfg.BackoffInitial,
		MaxInterval:     cfg.BackoffMax,
		Multiplier:      cfg.BackoffMultiplier,
		MaxElapsedTime:  cfg.MaxElapsed,
		MaxRetries:      cfg.MaxRetries,
	}
}

// registerStepFuncs binds the passthrough step func to the configured step
// types, or to every step type the registry knows when none are configured.
func registerStepFuncs(exec *executor.Executor, cfg config.ExecutorConfig, registry *definition.Registry) {
	types := cfg.StepTypes
	if len(types) == 0 {
		types = stepTypes(registry)
	}
	for _, t := range types {
		exec.Handle(t, executor.Passthrough)
	}
}

func stepTypes(registry *definition.Registry) []string {
	seen := make(map[string]struct{})
	for _, wf := range registry.All() {
		for _, step := range wf.Steps {
			seen[step.Type] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// watchReload swaps the definition registry on SIGHUP. A set that fails to
// load or validate leaves the current definitions in place.
func watchReload(ctx context.Context, cfg *config.Config, registry *definition.Registry, exec *executor.Executor, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			defs, err := loadDefinitions(cfg.Definitions, logger)
			if err != nil {
				metrics.RecordDefinitionReload("error")
				logger.Error("definition reload failed", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			if exec != nil {
				registerStepFuncs(exec, cfg.Executor, registry)
			}
			metrics.RecordDefinitionReload("success")
			metrics.SetDefinitionsLoaded(len(registry.Types()))
			logger.Info("definitions reloaded",
				zap.Strings("workflow_types", registry.Types()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}
