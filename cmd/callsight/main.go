package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callsight/callsight/internal/analyze"
	"github.com/callsight/callsight/internal/api"
	"github.com/callsight/callsight/internal/ari"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/dispatch"
	"github.com/callsight/callsight/internal/finalize"
	"github.com/callsight/callsight/internal/metrics"
	"github.com/callsight/callsight/internal/session"
	"github.com/callsight/callsight/internal/storage"
)

// reapInterval is how often sessions stuck in teardown are swept.
const reapInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting callsight",
		"http_port", cfg.HTTPPort,
		"ari_host", cfg.ARIHost,
		"ari_app", cfg.ARIApp,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := session.NewStore(db)

	// Metrics registry: event/control-plane counters plus a live-calls
	// gauge read from the session store at scrape time.
	registry := prometheus.NewRegistry()
	met := metrics.New(registry)
	registry.MustRegister(metrics.NewActiveCallsCollector(store))

	blobs, err := storage.NewFileStore(filepath.Join(cfg.DataDir, "recordings"))
	if err != nil {
		slog.Error("failed to create recording store", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Finalization pipeline: recording download, AI analysis, persistence.
	analyzer := analyze.NewOpenAIAnalyzer(cfg.OpenAIAPIKey, cfg.ChatModel, cfg.AudioModel)
	fin := finalize.New(
		finalize.Config{ARIUsername: cfg.ARIUsername, ARIPassword: cfg.ARIPassword},
		database.NewUserRepository(db),
		database.NewConversationRepository(db),
		database.NewDocumentRepository(db),
		blobs, analyzer, met, logger,
	)
	fin.Start(appCtx)

	// ARI control plane and the call-session dispatcher.
	cp := ari.NewClient(ari.ClientConfig{
		BaseURL:   cfg.ARIBaseURL(),
		Username:  cfg.ARIUsername,
		Password:  cfg.ARIPassword,
		App:       cfg.ARIApp,
		HTTPSHost: fmt.Sprintf("%s:%d", cfg.ARIHost, cfg.ARIHTTPSPort),
	}, logger)

	disp := dispatch.New(store, cp, fin, met, logger, dispatch.Config{
		Workers:        cfg.Workers,
		MaxJoinRetries: cfg.MaxJoinRetries,
	})
	go disp.RunReaper(appCtx, reapInterval, cfg.TeardownTTL)

	// Event ingress: reconnecting websocket feed from the PBX.
	ingress := ari.NewIngress(
		ari.DefaultIngressConfig(cfg.ARIWebsocketURL(), cfg.ARIUsername, cfg.ARIPassword),
		disp, logger,
	)
	ingress.OnReconnect(met.IngressReconnect)
	go func() {
		if err := ingress.Run(appCtx); err != nil && appCtx.Err() == nil {
			slog.Error("event ingress stopped", "error", err)
		}
	}()

	// HTTP server using the api package.
	apiServer, err := api.NewServer(db, cfg, store, blobs, registry)
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Stop ingesting, let in-flight call transitions and finalizations
	// settle, then exit.
	appCancel()
	disp.Drain()
	fin.Wait()

	slog.Info("callsight stopped")
}
