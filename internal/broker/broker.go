package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// Default timings
const (
	DefaultDispatchInterval = time.Second
	DefaultDiscoveryWindow  = 300 * time.Millisecond
	DefaultDispatchTimeout  = 5 * time.Second
	DefaultProcessTimeout   = time.Hour
	DefaultReaperInterval   = time.Minute
	DefaultRetention        = 30 * time.Minute
	DefaultCandidateLimit   = 10
)

// Store is the durable task store the broker drives. Every transition must
// be a conditional update on the row's current state.
type Store interface {
	InsertTask(ctx context.Context, task *domain.Task) (bool, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListPendingInBand(ctx context.Context, minPriority, maxPriority, limit int) ([]domain.Task, error)
	ClaimTask(ctx context.Context, taskID string, now time.Time) error
	ReleaseClaim(ctx context.Context, taskID string, claimedAt time.Time) (bool, error)
	CompleteTask(ctx context.Context, taskID string, claimedAt, now time.Time) error
	FailTask(ctx context.Context, taskID string, claimedAt time.Time, reason string, attempt int, now time.Time) error
	RequeueTask(ctx context.Context, taskID string, claimedAt time.Time, reason string, now time.Time) error
	ResetStale(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeDone(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeFailedUnowned(ctx context.Context, cutoff time.Time) (int64, error)
	ListTasksByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Task, error)
	RestartTask(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error
}

// Config holds broker configuration
type Config struct {
	Logger           *slog.Logger
	Store            Store
	Bus              transport.Bus
	DispatchInterval time.Duration
	DiscoveryWindow  time.Duration
	DispatchTimeout  time.Duration
	ProcessTimeout   time.Duration
	ReaperInterval   time.Duration
	Retention        time.Duration
	CandidateLimit   int

	// ConsultErrorCodes finalizes retryable tasks that fail with a known
	// non-retryable code instead of requeueing them.
	ConsultErrorCodes bool
}

// Broker owns the task store and schedules tasks onto free workers
type Broker struct {
	logger            *slog.Logger
	store             Store
	bus               transport.Bus
	dispatchInterval  time.Duration
	discoveryWindow   time.Duration
	dispatchTimeout   time.Duration
	processTimeout    time.Duration
	reaperInterval    time.Duration
	retention         time.Duration
	candidateLimit    int
	consultErrorCodes bool

	now     func() time.Time
	readyCh chan struct{}
	subs    []transport.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewBroker creates a new broker instance
func NewBroker(cfg *Config) *Broker {
	b := &Broker{
		logger:            cfg.Logger.With("component", "broker"),
		store:             cfg.Store,
		bus:               cfg.Bus,
		dispatchInterval:  orDefault(cfg.DispatchInterval, DefaultDispatchInterval),
		discoveryWindow:   orDefault(cfg.DiscoveryWindow, DefaultDiscoveryWindow),
		dispatchTimeout:   orDefault(cfg.DispatchTimeout, DefaultDispatchTimeout),
		processTimeout:    orDefault(cfg.ProcessTimeout, DefaultProcessTimeout),
		reaperInterval:    orDefault(cfg.ReaperInterval, DefaultReaperInterval),
		retention:         orDefault(cfg.Retention, DefaultRetention),
		candidateLimit:    cfg.CandidateLimit,
		consultErrorCodes: cfg.ConsultErrorCodes,
		now:               time.Now,
		readyCh:           make(chan struct{}, 1),
	}
	if b.candidateLimit <= 0 {
		b.candidateLimit = DefaultCandidateLimit
	}
	return b
}

// Start subscribes the broker handlers and launches the dispatch and reaper loops
func (b *Broker) Start(ctx context.Context) error {
	b.logger.Info("Starting broker",
		slog.Duration("dispatch_interval", b.dispatchInterval),
		slog.Duration("discovery_window", b.discoveryWindow),
		slog.Duration("process_timeout", b.processTimeout),
		slog.Duration("retention", b.retention),
		slog.Bool("consult_error_codes", b.consultErrorCodes),
	)

	ctx, b.cancel = context.WithCancel(ctx)

	handlers := []struct {
		subject string
		group   string
		handler transport.Handler
	}{
		{domain.SubjectAddTask, domain.BrokerGroup, b.onEnqueue},
		{domain.SubjectTaskResult, domain.BrokerGroup, b.onOutcome},
		{domain.SubjectWorkerReady, "", b.onWorkerReady},
		{domain.SubjectAdminList, domain.BrokerGroup, b.onAdminList},
		{domain.SubjectAdminRestart, domain.BrokerGroup, b.onAdminRestart},
		{domain.SubjectAdminDelete, domain.BrokerGroup, b.onAdminDelete},
	}

	for _, h := range handlers {
		sub, err := b.bus.Subscribe(ctx, h.subject, h.group, h.handler)
		if err != nil {
			b.unsubscribeAll()
			b.cancel()
			return fmt.Errorf("failed to subscribe %s: %w", h.subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.wg.Add(2)
	go b.runDispatchLoop(ctx)
	go b.runReaperLoop(ctx)

	b.logger.Info("Broker started")
	return nil
}

// Stop cancels the loops and waits for them to exit
func (b *Broker) Stop() {
	b.logger.Info("Stopping broker...")
	if b.cancel != nil {
		b.cancel()
	}
	b.unsubscribeAll()
	b.wg.Wait()
	b.logger.Info("Broker stopped")
}

// Trigger requests a dispatch cycle outside the regular interval.
// Hints arriving while one is queued are coalesced.
func (b *Broker) Trigger() {
	select {
	case b.readyCh <- struct{}{}:
	default:
	}
}

func (b *Broker) runDispatchLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Dispatch loop stopped - context canceled")
			return
		case <-ticker.C:
		case <-b.readyCh:
		}

		b.dispatchCycle(ctx)
	}
}

func (b *Broker) runReaperLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Reaper loop stopped - context canceled")
			return
		case <-ticker.C:
			b.reapStale(ctx)
			b.purgeExpired(ctx)
		}
	}
}

func (b *Broker) unsubscribeAll() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", slog.String("error", err.Error()))
		}
	}
	b.subs = nil
}

func (b *Broker) onWorkerReady(_ context.Context, _ transport.Message) {
	b.Trigger()
}

// notify publishes the terminal completion event for a task
func (b *Broker) notify(ctx context.Context, taskID string, data json.RawMessage, info *domain.ErrorInfo) {
	completion := domain.Completion{TaskID: taskID, Data: data, Error: info}
	if err := transport.PublishJSON(ctx, b.bus, domain.SubjectTaskComplete, completion); err != nil {
		b.logger.Error("Failed to publish task completion",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	b.logger.Debug("Task completion published",
		slog.String("task_id", taskID),
		slog.Bool("is_error", info != nil),
	)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
