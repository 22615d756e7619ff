// Package worker runs tasks handed out by the broker. A worker announces a
// priority band and its free slots, executes accepted tasks on a fixed pool
// of goroutines and reports each outcome back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/google/uuid"
)

// DefaultJobTimeout bounds a single execution when none is configured
const DefaultJobTimeout = 5 * time.Minute

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Bus         transport.Bus
	WorkerID    string
	Concurrency int
	MinPriority int
	MaxPriority int
	JobTimeout  time.Duration
	Executors   *Registry
}

// Worker represents a task worker process
type Worker struct {
	logger      *slog.Logger
	bus         transport.Bus
	workerID    string
	concurrency int
	band        domain.WorkerBand
	jobTimeout  time.Duration
	executors   *Registry

	slots    chan struct{}
	jobsChan chan domain.Dispatch
	mu       sync.Mutex
	closed   bool
	subs     []transport.Subscription
	wg       sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.MinPriority > cfg.MaxPriority {
		return nil, fmt.Errorf("min priority %d exceeds max priority %d", cfg.MinPriority, cfg.MaxPriority)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	executors := cfg.Executors
	if executors == nil {
		executors = NewRegistry()
	}

	return &Worker{
		logger:      cfg.Logger.With("component", "worker", "worker_id", workerID),
		bus:         cfg.Bus,
		workerID:    workerID,
		concurrency: concurrency,
		band: domain.WorkerBand{
			WorkerID:    workerID,
			MinPriority: cfg.MinPriority,
			MaxPriority: cfg.MaxPriority,
			Subject:     domain.WorkerSubject(workerID),
		},
		jobTimeout: jobTimeout,
		executors:  executors,
		slots:      make(chan struct{}, concurrency),
		jobsChan:   make(chan domain.Dispatch, concurrency),
	}, nil
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.workerID
}

// FreeSlots returns the number of tasks the worker can still accept
func (w *Worker) FreeSlots() int {
	return cap(w.slots) - len(w.slots)
}

// Start subscribes to discovery and dispatch subjects, spawns the pool and
// tells brokers the worker is ready
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("min_priority", w.band.MinPriority),
		slog.Int("max_priority", w.band.MaxPriority),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("task_types", w.executors.Types()),
	)

	if err := w.setupConsumers(ctx); err != nil {
		w.unsubscribeAll()
		return err
	}

	w.spawnWorkerPool(ctx)
	w.announceReady(ctx)

	w.logger.Info("Worker started", slog.String("subject", w.band.Subject))
	return nil
}

// Stop stops accepting tasks and waits for in-flight tasks to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.unsubscribeAll()

	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobsChan)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) unsubscribeAll() {
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Warn("Failed to unsubscribe", slog.String("error", err.Error()))
		}
	}
	w.subs = nil
}

// announceReady hints brokers to run a dispatch cycle now
func (w *Worker) announceReady(ctx context.Context) {
	if err := transport.PublishJSON(ctx, w.bus, domain.SubjectWorkerReady, w.currentBand()); err != nil {
		w.logger.Warn("Failed to announce readiness", slog.String("error", err.Error()))
	}
}

func (w *Worker) currentBand() domain.WorkerBand {
	band := w.band
	band.Slots = w.FreeSlots()
	return band
}
