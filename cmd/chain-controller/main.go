// chain-controller runs 3D model processing pipelines and serves the job
// command API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"modelchain/internal/api"
	"modelchain/internal/chain"
	"modelchain/internal/chain/steps"
	"modelchain/internal/config"
	"modelchain/internal/fsutil"
	"modelchain/internal/health"
	"modelchain/internal/job"
	"modelchain/internal/notify"
	"modelchain/internal/observability"
	"modelchain/internal/store/sqlite"
	"modelchain/internal/toolrunner"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Controller failed", "error", err)
		os.Exit(1)
	}
}

// toolRunner is what the controller needs from a runner.
type toolRunner interface {
	toolrunner.Runner
	health.ReadinessChecker
	Close() error
}

func run() error {
	ctx := context.Background()

	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		return err
	}

	// Load configuration
	cfg := config.LoadControllerConfig()
	stepCfg := steps.LoadConfigFromEnv()
	webhookCfg := notify.LoadWebhookConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the store and turn work interrupted by the last shutdown back
	// into resumable state
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.DBPath, sqlite.Options{BusyTimeoutMS: 5000, WALMode: true}, slog.Default())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.ResetRunning(ctx); err != nil {
		return err
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return err
	}
	defer runner.Close()

	// Notification sinks
	hub := notify.NewHub(slog.Default(), metrics)
	defer hub.Close()

	sinks := notify.Fanout{hub}
	var webhook *notify.Webhook
	if webhookCfg.URL != "" {
		webhook = notify.NewWebhook(webhookCfg, metrics, slog.Default())
		sinks = append(sinks, webhook)
	}

	mgr := chain.NewManager(chain.Options{
		Store:      db,
		FS:         fsutil.OS{Logger: slog.Default()},
		Runner:     runner,
		Sink:       sinks,
		Metrics:    metrics,
		Logger:     slog.Default(),
		Strategies: steps.Strategies(stepCfg),
		Config: chain.Config{
			DataDir:       cfg.DataDir,
			PoolSize:      cfg.PoolSize,
			WatchInterval: cfg.WatchInterval,
		},
	})

	reconcilerCtx, stopReconciler := context.WithCancel(ctx)
	defer stopReconciler()
	reconciler := chain.NewReconciler(mgr, cfg.CheckInterval, cfg.ScanParallelism)
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(reconcilerCtx)
	}()

	// Create health checker
	healthChecker := health.NewChecker(db, runner)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(db, slog.Default()),
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Hub:           hub,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server. No write timeout: websocket connections are long lived.
	apiServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if runErr == nil && cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting commands
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop scans and hurry running jobs to PAUSED so they resume
	// on the next start
	stopReconciler()
	<-reconcilerDone

	chainCtx, chainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer chainCancel()
	if err := mgr.Close(chainCtx); err != nil {
		slog.Warn("Pipeline shutdown error", "error", err)
	}

	// Phase 4: Drain webhook deliveries
	if webhook != nil {
		webhookCtx, webhookCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer webhookCancel()
		if err := webhook.Close(webhookCtx); err != nil {
			slog.Warn("Webhook shutdown error", "error", err)
		}
		stats := webhook.Stats()
		slog.Info("Webhook stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	slog.Info("Shutdown complete")
	return runErr
}

func newRunner(cfg *config.ControllerConfig) (toolRunner, error) {
	if cfg.Runner == "docker" {
		mount := cfg.ToolDataMount
		if mount == "" {
			mount = cfg.DataDir
		}
		dataMount, err := filepath.Abs(mount)
		if err != nil {
			return nil, err
		}
		r, err := toolrunner.NewDockerRunner(toolrunner.DockerConfig{
			Image:     cfg.ToolImage,
			DataMount: dataMount,
		}, slog.Default())
		if err != nil {
			return nil, err
		}
		slog.Info("Running tools in containers", "image", cfg.ToolImage)
		return r, nil
	}
	slog.Info("Running tools as local processes")
	return toolrunner.NewExecRunner(slog.Default()), nil
}
