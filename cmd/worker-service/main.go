package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskbroker/cmd/internal/bootstrap"
	"github.com/cuongbtq/taskbroker/internal/api/handler"
	"github.com/cuongbtq/taskbroker/internal/api/router"
	"github.com/cuongbtq/taskbroker/internal/config"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/cuongbtq/taskbroker/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := bootstrap.ConfigPath(os.Getenv, "WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(cfg.App.Name, &cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := bootstrap.InitBus(ctx, &cfg.Transport, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer bus.Close()

	appLogger.Info("Transport connection established", slog.String("driver", cfg.Transport.Driver))

	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Bus:         bus,
		WorkerID:    cfg.Worker.ID,
		Concurrency: cfg.Worker.Concurrency,
		MinPriority: cfg.Worker.MinPriority,
		MaxPriority: cfg.Worker.MaxPriority,
		JobTimeout:  cfg.Worker.JobTimeout,
		Executors:   worker.NewRegistry(),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	// Health and metrics only
	var srv *http.Server
	if cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: router.SetupRouter(&handler.Dependencies{
				Logger:      appLogger.Logger,
				ServiceName: cfg.App.Name,
				HealthCheck: func(ctx context.Context) error { return transport.CheckHealth(ctx, bus) },
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Ops server failed", slog.Any("error", err))
			}
		}()
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting tasks and let in-flight ones report
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	cancel()

	if srv != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = srv.Shutdown(stopCtx)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
