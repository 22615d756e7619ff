// Command submit-task submits one task through the producer and prints its result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskbroker/cmd/internal/bootstrap"
	"github.com/cuongbtq/taskbroker/internal/config"
	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/producer"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	var (
		configPath = flag.String("config", bootstrap.ConfigPath(os.Getenv, "SUBMIT_TASK_CONFIG_PATH", "configs/submit-task/config.yaml"), "Path to configuration file")
		taskID     = flag.String("id", "", "Task id (generated when empty)")
		taskType   = flag.String("type", "echo", "Task type")
		payload    = flag.String("payload", "{}", "Task payload as JSON")
		priority   = flag.Int("priority", 0, "Task priority")
		retryable  = flag.Bool("retryable", false, "Retry the task on failure")
		attempts   = flag.Int("attempts", 0, "Maximum retries for a retryable task")
		userID     = flag.String("user", "", "Owning user id")
		wait       = flag.Duration("wait", 0, "Give up waiting for the result after this long (0 waits forever)")
		discover   = flag.Bool("discover", false, "List free workers and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateProducerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(cfg.App.Name, &cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := bootstrap.InitBus(ctx, &cfg.Transport, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer bus.Close()

	p, err := producer.NewProducer(&producer.Config{
		Logger:               appLogger.Logger,
		Bus:                  bus,
		EnqueueTimeout:       cfg.Producer.EnqueueTimeout,
		EnqueueRetryInterval: cfg.Producer.EnqueueRetryInterval,
		EnqueueMaxBackoff:    cfg.Producer.EnqueueMaxBackoff,
		ResultTimeout:        cfg.Producer.ResultTimeout,
		DiscoveryWindow:      cfg.Broker.DiscoveryWindow,
		PayloadDefaults:      cfg.Producer.PayloadDefaults,
	})
	if err != nil {
		return err
	}

	if *discover {
		bands, err := p.DiscoverFreeWorkers(ctx)
		if err != nil {
			return err
		}
		return printJSON(bands)
	}

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	future, err := p.Submit(ctx, producer.SubmitRequest{
		ID:        *taskID,
		Type:      *taskType,
		Payload:   json.RawMessage(*payload),
		Priority:  *priority,
		Retryable: *retryable,
		Attempts:  *attempts,
		UserID:    *userID,
	})
	if err != nil {
		return err
	}

	appLogger.Info("Waiting for task result", slog.String("task_id", future.TaskID()))

	waitCtx := ctx
	if *wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, *wait)
		defer cancel()
	}

	start := time.Now()
	data, err := future.Wait(waitCtx)
	if err != nil {
		var taskErr *domain.TaskError
		if errors.As(err, &taskErr) {
			return fmt.Errorf("task %s failed: %w", future.TaskID(), err)
		}
		return fmt.Errorf("no result for task %s: %w", future.TaskID(), err)
	}

	appLogger.Info("Task finished",
		slog.String("task_id", future.TaskID()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return printJSON(data)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
