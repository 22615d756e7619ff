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

	"github.com/cuongbtq/taskbroker/cmd/internal/bootstrap"
	"github.com/cuongbtq/taskbroker/internal/api/handler"
	"github.com/cuongbtq/taskbroker/internal/api/router"
	"github.com/cuongbtq/taskbroker/internal/broker"
	"github.com/cuongbtq/taskbroker/internal/config"
	"github.com/cuongbtq/taskbroker/internal/storage"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := bootstrap.ConfigPath(os.Getenv, "BROKER_SERVICE_CONFIG_PATH", "configs/broker-service/config.yaml")
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateBrokerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(cfg.App.Name, &cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting broker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := bootstrap.InitDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	appLogger.Info("Task store ready", slog.String("driver", cfg.Database.Driver))

	bus, err := bootstrap.InitBus(ctx, &cfg.Transport, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer bus.Close()

	appLogger.Info("Transport connection established", slog.String("driver", cfg.Transport.Driver))

	b := broker.NewBroker(&broker.Config{
		Logger:            appLogger.Logger,
		Store:             store,
		Bus:               bus,
		DispatchInterval:  cfg.Broker.DispatchInterval,
		DiscoveryWindow:   cfg.Broker.DiscoveryWindow,
		DispatchTimeout:   cfg.Broker.DispatchTimeout,
		ProcessTimeout:    cfg.Broker.ProcessTimeout,
		ReaperInterval:    cfg.Broker.ReaperInterval,
		Retention:         cfg.Broker.Retention,
		CandidateLimit:    cfg.Broker.CandidateLimit,
		ConsultErrorCodes: cfg.Broker.ConsultErrorCodes,
	})
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Stop()

	health := func(ctx context.Context) error {
		if err := dbClient.HealthCheck(ctx); err != nil {
			return err
		}
		return transport.CheckHealth(ctx, bus)
	}
	r := initRouter(cfg, appLogger.Logger, b, health)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("Broker service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Broker service shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, admin handler.TaskAdmin, health func(context.Context) error) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Admin:       admin,
		ServiceName: cfg.App.Name,
		HealthCheck: health,
	})
}
