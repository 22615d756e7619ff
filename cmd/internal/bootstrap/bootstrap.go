// Package bootstrap builds the infrastructure clients shared by the service binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskbroker/internal/config"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/cuongbtq/taskbroker/shared/database"
	"github.com/cuongbtq/taskbroker/shared/logger"
	"github.com/cuongbtq/taskbroker/shared/rabbitmq"
)

// InitLogger initializes and configures the application logger
func InitLogger(service string, cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// InitDatabase initializes the task store database client
func InitDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// InitBus connects the configured message transport
func InitBus(ctx context.Context, cfg *config.TransportConfig, logger *slog.Logger) (transport.Bus, error) {
	switch cfg.Driver {
	case config.TransportAMQP:
		client, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		return transport.NewAMQPBus(client, cfg.QueuePrefix, logger), nil

	case config.TransportRedis:
		return transport.NewRedisBus(ctx, transport.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)

	case config.TransportMemory:
		logger.Warn("Using in-memory transport, only components in this process can communicate")
		return transport.NewMemoryBus(), nil

	default:
		return nil, fmt.Errorf("unsupported transport driver: %s", cfg.Driver)
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// ConfigPath returns the -config flag default: envVar if set, else fallback
func ConfigPath(getenv func(string) string, envVar, fallback string) string {
	if p := getenv(envVar); p != "" {
		return p
	}
	return fallback
}
