package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/admission"
	"github.com/fyrsmithlabs/researchd/internal/cancel"
	"github.com/fyrsmithlabs/researchd/internal/checkpoint"
	"github.com/fyrsmithlabs/researchd/internal/clarify"
	"github.com/fyrsmithlabs/researchd/internal/coerce"
	"github.com/fyrsmithlabs/researchd/internal/config"
	"github.com/fyrsmithlabs/researchd/internal/events"
	"github.com/fyrsmithlabs/researchd/internal/httpapi"
	"github.com/fyrsmithlabs/researchd/internal/llm"
	"github.com/fyrsmithlabs/researchd/internal/logging"
	"github.com/fyrsmithlabs/researchd/internal/orchestrator"
	"github.com/fyrsmithlabs/researchd/internal/stage"
	"github.com/fyrsmithlabs/researchd/internal/telemetry"
)

// serve starts the daemon and blocks until the process receives SIGINT
// or SIGTERM.
//
// Initialization order:
//  1. Configuration and logger
//  2. Telemetry providers
//  3. Checkpoint store, event publisher, coercion tables
//  4. Pipeline, invoker, executor, gate, monitor, admission
//  5. Orchestrator (resumes interrupted runs)
//  6. HTTP server
func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting researchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("service", cfg.Observability.ServiceName),
	)

	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	if cfg.Observability.OTLPEndpoint != "" {
		telCfg.Endpoint = cfg.Observability.OTLPEndpoint
	}
	if cfg.Observability.OTLPProtocol != "" {
		telCfg.Protocol = cfg.Observability.OTLPProtocol
	}
	telCfg.Insecure = cfg.Observability.OTLPInsecure
	telCfg.SamplingRate = cfg.Observability.SamplingRate

	tel, err := telemetry.New(ctx, telCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	orch, err := initOrchestrator(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to resume runs: %w", err)
	}
	defer func() {
		_ = orch.Close()
	}()

	srv, err := httpapi.NewServer(orch, logger, &httpapi.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelFn := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancelFn()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// dependencies holds infrastructure collaborators.
type dependencies struct {
	store     checkpoint.Store
	publisher events.Publisher
	tables    coerce.TableProvider
	logger    *zap.Logger

	closers []func() error
}

func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("failed to close dependency", zap.Error(err))
		}
	}
}

func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	switch cfg.Storage.Driver {
	case "memory":
		deps.store = checkpoint.NewMemoryStore()
		logger.Warn("using in-memory checkpoint store; runs will not survive restarts")
	default:
		store, err := checkpoint.NewSQLiteStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		deps.store = store
		logger.Info("checkpoint store ready", zap.String("path", cfg.Storage.Path))
	}
	deps.closers = append(deps.closers, deps.store.Close)

	deps.publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		publisher, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		deps.publisher = publisher
		deps.closers = append(deps.closers, publisher.Close)
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	deps.tables = coerce.StaticTables{}
	if cfg.Coercion.TablesPath != "" {
		if cfg.Coercion.Watch {
			watcher, err := coerce.NewTableWatcher(cfg.Coercion.TablesPath, logger)
			if err != nil {
				deps.Close()
				return nil, fmt.Errorf("failed to watch coercion tables: %w", err)
			}
			deps.tables = watcher
			deps.closers = append(deps.closers, watcher.Close)
		} else {
			tables, err := coerce.LoadTables(cfg.Coercion.TablesPath)
			if err != nil {
				deps.Close()
				return nil, fmt.Errorf("failed to load coercion tables: %w", err)
			}
			deps.tables = coerce.StaticTables{T: tables}
		}
		logger.Info("coercion tables loaded",
			zap.String("path", cfg.Coercion.TablesPath),
			zap.Bool("watch", cfg.Coercion.Watch),
		)
	}

	return deps, nil
}

func initOrchestrator(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	pipeline, err := stage.LoadPipeline(cfg.Pipeline.DefinitionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	logger.Info("pipeline loaded",
		zap.String("path", cfg.Pipeline.DefinitionPath),
		zap.Int("stages", len(pipeline.Stages)),
	)

	invoker, err := llm.NewInvoker(&llm.Config{
		APIKey:    cfg.Anthropic.APIKey.Value(),
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoker: %w", err)
	}

	executor, err := stage.NewExecutor(&stage.Config{
		InvokeTimeout: cfg.Pipeline.InvokeTimeout.Duration(),
		MaxRawRefLen:  stage.DefaultConfig().MaxRawRefLen,
	}, deps.store, invoker, pipeline, deps.tables, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	gate, err := clarify.NewGate(&clarify.Config{
		AnswerTTL: cfg.Clarification.AnswerTTL.Duration(),
	}, deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create clarification gate: %w", err)
	}

	monitor, err := cancel.NewMonitor(deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cancellation monitor: %w", err)
	}

	admitter, err := admission.NewQuotaController(&admission.Config{
		MaxStagesPerRun:    cfg.Admission.MaxStagesPerRun,
		RunQuotaPerOwner:   cfg.Admission.RunQuotaPerOwner,
		StartRatePerMinute: cfg.Admission.StartRatePerMinute,
		StartBurst:         cfg.Admission.StartBurst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission controller: %w", err)
	}

	return orchestrator.New(&orchestrator.Config{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Pipeline.MaxBackoff.Duration(),
		SweepInterval:  cfg.Clarification.SweepInterval.Duration(),
	}, deps.store, executor, pipeline, gate, monitor, admitter, deps.publisher, logger)
}
