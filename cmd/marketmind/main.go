// Package main provides the CLI entry point for the MarketMind gateway.
//
// MarketMind is a conversational equity-analysis service: chats come in
// over HTTP, analysis output streams back over per-session WebSockets,
// and an LLM backend drives market data tools under budget and rate
// limits.
//
// # Basic Usage
//
// Start the server:
//
//	marketmind serve --config marketmind.yaml
//
// # Environment Variables
//
//   - MARKETMIND_CONFIG: Path to configuration file
//   - ANTHROPIC_API_KEY: Anthropic API key for the analysis backend
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marketmind/marketmind/internal/agent"
	"github.com/marketmind/marketmind/internal/agent/providers"
	"github.com/marketmind/marketmind/internal/budget"
	"github.com/marketmind/marketmind/internal/cache"
	"github.com/marketmind/marketmind/internal/config"
	"github.com/marketmind/marketmind/internal/gateway"
	"github.com/marketmind/marketmind/internal/hooks"
	"github.com/marketmind/marketmind/internal/observability"
	"github.com/marketmind/marketmind/internal/ratelimit"
	"github.com/marketmind/marketmind/internal/sessions"
	"github.com/marketmind/marketmind/internal/stream"
	"github.com/marketmind/marketmind/internal/transport"
	"github.com/marketmind/marketmind/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "marketmind",
		Short:        "MarketMind - conversational equity analysis gateway",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("MARKETMIND_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "marketmind",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer shutdownTracer(context.Background())

	// Core state.
	store := sessions.NewStore(logger)
	ledger := budget.NewLedger()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimit.Capacity,
		RefillRate: cfg.RateLimit.RefillPerSecond,
		StaleAfter: time.Duration(cfg.RateLimit.StaleMinutes) * time.Minute,
	}, logger)
	results := cache.NewResultCache(cache.ResultCacheOptions{})

	// Streaming plane.
	bus := stream.NewBus()
	registry := stream.NewRegistry(bus, logger)
	defer registry.Close()
	defer bus.Close()

	pipeline := hooks.NewPipeline(store, ledger, results, bus, logger)

	// Metrics registry with the standard process collectors.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg,
		func() float64 { return float64(store.ActiveCount()) },
		func() float64 { return float64(registry.SinkCount()) },
	)
	registry.Observe(metrics.EventRouted, metrics.EventDropped)

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}

	toolbox := gateway.NewToolbox()
	gateway.RegisterBuiltins(toolbox, buildMarketData())

	orch := gateway.NewOrchestrator(gateway.Options{
		Store:        store,
		Ledger:       ledger,
		Limiter:      limiter,
		Pipeline:     pipeline,
		Bus:          bus,
		Registry:     registry,
		Backend:      backend,
		Toolbox:      toolbox,
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       logger,
		SystemPrompt: cfg.Backend.SystemPrompt,
		MaxTokens:    cfg.Backend.MaxTokens,
		MaxToolTurns: cfg.Backend.MaxToolTurns,
		BudgetConfig: cfg.Budget,
	})
	defer orch.Close()

	// Background maintenance.
	sweeper := sessions.NewSweeper(store, sessions.SweeperConfig{
		Interval:  time.Duration(cfg.Session.SweepSeconds) * time.Second,
		TTL:       time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		Retention: time.Duration(cfg.Session.RetentionMinutes) * time.Minute,
	}, logger)
	sweeper.Start()
	defer sweeper.Stop()
	stopLimiterSweep := limiter.StartSweeper(time.Duration(cfg.RateLimit.SweepSeconds) * time.Second)
	defer stopLimiterSweep()

	// HTTP servers: client traffic and metrics on separate listeners.
	mux := http.NewServeMux()
	transport.NewServer(orch, logger).Routes(mux)
	apiServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsListen,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api server listening", "addr", cfg.Server.Listen)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Server.MetricsListen)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	return nil
}

func buildBackend(cfg *config.Config, logger *slog.Logger) (agent.Backend, error) {
	switch cfg.Backend.Provider {
	case "anthropic":
		return providers.NewAnthropicBackend(providers.AnthropicOptions{
			APIKey:  cfg.Backend.APIKey,
			BaseURL: cfg.Backend.BaseURL,
			Model:   cfg.Backend.Model,
			Logger:  logger,
		})
	case "scripted":
		return demoBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}

// demoBackend replays a canned analysis so the full pipeline can be
// exercised without upstream credentials.
func demoBackend() agent.Backend {
	chunk := func(text string) *models.AnalystEvent {
		ev := &models.AnalystEvent{Type: models.EventChunk}
		ev.Text = &models.TextPayload{Delta: text}
		return ev
	}
	completed := &models.AnalystEvent{
		Type:  models.EventCompleted,
		Stats: &models.StatsPayload{InputTokens: 120, OutputTokens: 80},
	}
	return &agent.ScriptedBackend{Turns: [][]*models.AnalystEvent{{
		chunk("Demo mode: no analysis backend is configured. "),
		chunk("Set backend.provider to \"anthropic\" and provide an API key."),
		completed,
	}}}
}

// buildMarketData loads the fixture data source. Production deployments
// swap in a live provider behind the same interface.
func buildMarketData() gateway.MarketDataSource {
	src := gateway.NewStaticMarketData()
	src.Load("DEMO", "quote", `{"ticker":"DEMO","price":101.25,"currency":"USD","as_of":"2026-08-25T20:00:00Z"}`)
	src.Load("DEMO", "fundamentals", `{"ticker":"DEMO","market_cap":1.2e9,"pe":18.4,"revenue_ttm":3.4e8,"fcf_ttm":5.1e7}`)
	src.Load("DEMO", "filings", `{"ticker":"DEMO","filings":[{"form":"10-K","filed":"2026-02-27"},{"form":"10-Q","filed":"2026-05-08"}]}`)
	return src
}
