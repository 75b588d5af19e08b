package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexus3/nexus3/internal/config"
)

const shutdownTimeout = 10 * time.Second

// buildServeCmd creates the "serve" command: run the runtime until a signal
// arrives, saving every live session on the way out.
func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime until interrupted",
		Long: `Run the agent runtime as a long-lived process.

Saved sessions are restored on startup and every live session is saved on
shutdown. When metrics are enabled the Prometheus endpoint serves /metrics
on the configured listen address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default nexus3.yaml, or NEXUS3_CONFIG)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	log := rt.logger

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics endpoint failed", "error", err)
			}
		}()
		log.Info(ctx, "metrics endpoint listening", "addr", cfg.Metrics.Listen)
	}

	// Surface config edits; applying them needs a restart.
	if _, statErr := os.Stat(configPath); statErr == nil {
		watcher, watchErr := config.Watch(configPath, func() {
			log.Info(context.Background(), "configuration changed on disk, restart to apply", "path", configPath)
		})
		if watchErr != nil {
			log.Warn(ctx, "config watch unavailable", "error", watchErr)
		} else {
			defer watcher.Close()
		}
	}

	restored := restoreSavedSessions(ctx, rt)
	log.Info(ctx, "runtime started", "agents_restored", restored)

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := rt.pool.SaveAll(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "session save incomplete", "error", err)
	}
	return nil
}

// restoreSavedSessions readmits every stored session. Sessions whose model
// or preset no longer resolves are skipped with a warning rather than
// aborting startup.
func restoreSavedSessions(ctx context.Context, rt *runtime) int {
	metas, err := rt.store.List(ctx)
	if err != nil {
		rt.logger.Warn(ctx, "session restore skipped", "error", err)
		return 0
	}
	restored := 0
	for _, meta := range metas {
		if _, err := rt.pool.RestoreSession(ctx, meta.AgentID, ""); err != nil {
			rt.logger.Warn(ctx, "session restore failed", "agent_id", meta.AgentID, "error", err)
			continue
		}
		restored++
	}
	return restored
}
