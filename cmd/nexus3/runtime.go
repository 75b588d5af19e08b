package main

import (
	"context"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexus3/nexus3/internal/agent/providers"
	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/multiagent"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/permissions"
	"github.com/nexus3/nexus3/internal/sessions"
)

const defaultConfigName = "nexus3.yaml"

// resolveConfigPath applies the NEXUS3_CONFIG variable and the default file
// name when no --config flag was given.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("NEXUS3_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// loadConfig loads the resolved config file. A missing file is only an error
// when the path was given explicitly; otherwise built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	resolved := resolveConfigPath(path)
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) && strings.TrimSpace(path) == "" {
			return config.Default(), nil
		}
		return nil, err
	}
	return config.Load(resolved)
}

// runtime bundles the long-lived pieces a command needs to run agents.
type runtime struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	gatherer  *prometheus.Registry
	providers *providers.Registry
	store     sessions.Store
	pool      *multiagent.Pool

	shutdownTracer func(context.Context) error
}

// newRuntime constructs logger, metrics, tracer, provider registry, session
// store, and agent pool from one config. The confirmation callback may be
// nil, in which case held tool calls are denied.
func newRuntime(ctx context.Context, cfg *config.Config, confirm permissions.ConfirmationCallback) (*runtime, error) {
	logger := observability.NewLogger(cfg.Logging)

	gatherer := prometheus.NewRegistry()
	metrics := observability.NewMetrics(gatherer)

	tracer, shutdownTracer := observability.NewTracer(ctx, cfg.Tracing)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry(cfg, logger, metrics)
	pool := multiagent.NewPool(multiagent.PoolOptions{
		Config:   cfg,
		Registry: registry,
		Store:    store,
		Confirm:  confirm,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	return &runtime{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		gatherer:       gatherer,
		providers:      registry,
		store:          store,
		pool:           pool,
		shutdownTracer: shutdownTracer,
	}, nil
}

// Close tears the runtime down in dependency order: agents first, then the
// provider clients and store they use.
func (r *runtime) Close(ctx context.Context) {
	r.pool.Close()
	r.providers.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn(ctx, "store close failed", "error", err)
	}
	if r.shutdownTracer != nil {
		if err := r.shutdownTracer(ctx); err != nil {
			r.logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}
}

// openStore picks SQLite when a path is configured and an in-memory store
// otherwise.
func openStore(cfg *config.Config) (sessions.Store, error) {
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return sessions.NewMemoryStore(), nil
	}
	return sessions.NewSQLiteStore(cfg.Store.Path)
}
