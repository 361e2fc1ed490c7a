// Command briefwire is the main entry point for the briefwire
// event-intelligence worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/veyra-labs/briefwire/internal/config"
	"github.com/veyra-labs/briefwire/internal/health"
	"github.com/veyra-labs/briefwire/internal/httpapi"
	"github.com/veyra-labs/briefwire/internal/lifecycle"
	"github.com/veyra-labs/briefwire/internal/observe"
	"github.com/veyra-labs/briefwire/internal/orchestrator"
	"github.com/veyra-labs/briefwire/internal/processor"
	"github.com/veyra-labs/briefwire/internal/runtime"
	oaembed "github.com/veyra-labs/briefwire/pkg/provider/embeddings/openai"
	oarealtime "github.com/veyra-labs/briefwire/pkg/provider/realtime/openai"
	"github.com/veyra-labs/briefwire/pkg/push"
	"github.com/veyra-labs/briefwire/pkg/store"
	"github.com/veyra-labs/briefwire/pkg/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "briefwire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "briefwire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("briefwire starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"transcript_only", cfg.Runtime.TranscriptOnly,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "briefwire",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Durable store ─────────────────────────────────────────────────────────
	st, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, cfg.Store.EmbeddingDimensions)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer st.Close()

	// ── Providers ─────────────────────────────────────────────────────────────
	var rtOpts []oarealtime.Option
	if cfg.Providers.Realtime.BaseURL != "" {
		rtOpts = append(rtOpts, oarealtime.WithBaseURL(cfg.Providers.Realtime.BaseURL))
	}
	realtimeProvider := oarealtime.New(cfg.Providers.Realtime.APIKey, rtOpts...)

	var embedOpts []oaembed.Option
	if cfg.Providers.Embeddings.BaseURL != "" {
		embedOpts = append(embedOpts, oaembed.WithBaseURL(cfg.Providers.Embeddings.BaseURL))
	}
	embedder, err := oaembed.New(cfg.Providers.Embeddings.APIKey, cfg.Providers.Embeddings.Model, embedOpts...)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}

	// ── Push bus ──────────────────────────────────────────────────────────────
	var pushOpts []push.HTTPOption
	if cfg.Push.AuthToken != "" {
		pushOpts = append(pushOpts, push.WithAuthToken(cfg.Push.AuthToken))
	}
	if cfg.Push.QueueSize > 0 {
		pushOpts = append(pushOpts, push.WithQueueSize(cfg.Push.QueueSize))
	}
	publisher := push.NewHTTPPublisher(cfg.Push.Endpoint, pushOpts...)
	defer publisher.Close()

	// ── Core wiring ───────────────────────────────────────────────────────────
	manager := runtime.NewManager(st, logger)
	manager.SetTranscriptOnly(cfg.Runtime.TranscriptOnly)

	factory := &lifecycle.Factory{
		Provider:   realtimeProvider,
		ModelSets:  modelSets(cfg),
		DefaultSet: cfg.ResolveDefaultSet(),
		Logger:     logger,
	}
	lc := lifecycle.New(lifecycle.Config{
		Store:    st,
		Factory:  factory,
		Embedder: embedder,
		Metrics:  metrics,
		Logger:   logger,
	})
	proc := processor.New(processor.Config{
		Store:         st,
		Publisher:     publisher,
		FactsDebounce: cfg.Runtime.FactsDebounce,
		Metrics:       metrics,
		Logger:        logger,
	})
	orch := orchestrator.New(orchestrator.Config{
		Store:           st,
		Manager:         manager,
		Lifecycle:       lc,
		Factory:         factory,
		Processor:       proc,
		Publisher:       publisher,
		Metrics:         metrics,
		Logger:          logger,
		ResumeLimit:     cfg.Runtime.ResumeLimit,
		SummaryInterval: cfg.Runtime.SummaryInterval,
	})

	if err := orch.Initialize(ctx); err != nil {
		slog.Error("failed to initialise orchestrator", "err", err)
		return 1
	}

	pollers := orchestrator.NewPollerSet(orch, orchestrator.PollerConfig{
		StartupInterval:     cfg.Polling.Startup,
		PauseResumeInterval: cfg.Polling.PauseResume,
		StageInterval:       cfg.Polling.Stage,
	})
	pollers.Start(ctx)

	go orch.StatusUpdater().Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	httpapi.New(orch, logger).Register(mux)
	probes := health.New(
		health.Checker{Name: "database", Check: st.Ping},
		health.Checker{Name: "push_bus", Check: publisher.Ping},
	)
	probes.SetLiveEvents(func() int { return len(manager.Runtimes()) })
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "addr", cfg.Server.ListenAddr)
		if cfg.Server.TLS != nil {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	slog.Info("worker ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	pollers.Shutdown()
	orch.Shutdown(shutdownCtx)

	slog.Info("goodbye")
	return 0
}

// modelSets converts the config schema into the lifecycle factory form.
func modelSets(cfg *config.Config) map[string]lifecycle.ModelSet {
	out := make(map[string]lifecycle.ModelSet, len(cfg.ModelSets))
	for name, set := range cfg.ModelSets {
		out[name] = lifecycle.ModelSet{
			Transcript:    set.Transcript,
			Cards:         set.Cards,
			Facts:         set.Facts,
			Transcription: set.Transcription,
		}
	}
	return out
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Compile-time check that the orchestrator satisfies the HTTP control
// surface.
var _ httpapi.Control = (*orchestrator.Orchestrator)(nil)

// Compile-time check that the postgres store satisfies the full store
// contract.
var _ store.Store = (*postgres.Store)(nil)
