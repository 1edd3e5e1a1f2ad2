package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/audit"
	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/config"
	"github.com/BaSui01/cardflow/internal/database"
	"github.com/BaSui01/cardflow/internal/metrics"
	"github.com/BaSui01/cardflow/internal/server"
	"github.com/BaSui01/cardflow/internal/telemetry"
	"github.com/BaSui01/cardflow/ledger"
	"github.com/BaSui01/cardflow/llm"
	"github.com/BaSui01/cardflow/llm/providers"
	"github.com/BaSui01/cardflow/policy"
	"github.com/BaSui01/cardflow/store"
	"github.com/BaSui01/cardflow/workflow"
)

// =============================================================================
// 🏗️ 运行时装配
// =============================================================================

// app holds everything one CLI invocation needs and releases it on close.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	view    *cards.View
	report  *cards.LoadReport
	engine  *workflow.Engine
	metrics *metrics.Collector

	closers []func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadCards loads the baseline registry and the workspace overlay.
func loadCards(cfg config.RegistryConfig, logger *zap.Logger) (*cards.View, *cards.LoadReport, error) {
	base, report, err := cards.NewLoader(logger).Load(cfg.Root)
	if err != nil {
		return nil, nil, err
	}
	for _, le := range report.Errors {
		logger.Warn("card rejected", zap.String("path", le.Path), zap.String("id", le.ID), zap.Error(le.Err))
	}
	var overlay *cards.Overlay
	if cfg.OverlayRoot != "" {
		overlay, err = cards.OpenOverlay(cfg.OverlayRoot, logger)
		if err != nil {
			return nil, nil, err
		}
	} else {
		overlay = cards.NewOverlay(logger)
	}
	return cards.NewView(base, overlay), report, nil
}

// newApp wires the engine from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	otel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		a.closers = append(a.closers, otel.Shutdown)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollectorWith(reg, cfg.Metrics.Namespace, logger)
	if cfg.Metrics.Addr != "" {
		srvCfg := server.DefaultConfig()
		srvCfg.Addr = cfg.Metrics.Addr
		srv := server.NewManager(server.MetricsHandler(reg), srvCfg, logger)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, srv.Shutdown)
	}

	a.view, a.report, err = loadCards(cfg.Registry, logger)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		return nil, err
	}

	sink, err := a.openAudit(ctx)
	if err != nil {
		return nil, err
	}

	interrupts, err := a.openInterrupts()
	if err != nil {
		return nil, err
	}

	adapters := llm.NewRegistry(logger)
	providers.RegisterBuiltins(adapters)

	resolver := policy.NewDefaultResolver(cfg, logger)
	a.engine = workflow.NewEngine(a.view, resolver, adapters, l, cfg.Executor,
		workflow.WithLogger(logger),
		workflow.WithAudit(sink),
		workflow.WithMetrics(a.metrics),
		workflow.WithRetrievalTopK(cfg.Retrieval.TopK),
		workflow.WithInterruptStore(interrupts),
	)
	ok = true
	return a, nil
}

// openAudit builds the dispatcher for the configured sink.
func (a *app) openAudit(ctx context.Context) (*audit.Dispatcher, error) {
	var w audit.Writer
	switch a.cfg.Audit.Sink {
	case "file":
		fw, err := audit.NewFileWriter(a.cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		w = fw
	case "database":
		pm, err := database.Open(ctx, a.cfg.Database, a.logger)
		if err != nil {
			return nil, err
		}
		pm.WithStatsHook(func(driver string, stats sql.DBStats) {
			a.metrics.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
		})
		a.closers = append(a.closers, func(context.Context) error { return pm.Close() })
		dw, err := audit.NewDBWriter(pm.DB())
		if err != nil {
			return nil, err
		}
		w = dw
	default:
		w = audit.NewLogWriter(a.logger)
	}
	d := audit.NewDispatcher(w, a.cfg.Audit.BufferSize, a.metrics.RecordAuditDropped, a.logger)
	a.closers = append(a.closers, d.Close)
	return d, nil
}

// openInterrupts returns the checkpoint store shared by runs and resumes.
func (a *app) openInterrupts() (workflow.InterruptStore, error) {
	if a.cfg.Executor.CheckpointStore == "redis" {
		client := store.NewRedisClient(a.cfg.Redis)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return workflow.NewRedisInterruptStore(client, a.cfg.Redis.KeyPrefix+"checkpoint:", a.cfg.Executor.CheckpointTTL, a.logger), nil
	}
	return workflow.NewFileInterruptStore(filepath.Clean(a.cfg.Executor.CheckpointDir))
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}
