// Package producer is the client side of the broker: it submits tasks,
// correlates their completion events and exposes the admin operations.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/taskbroker/internal/discovery"
	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/metrics"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/google/uuid"
)

// ErrNotStarted is returned by Submit before Start subscribed to completion events
var ErrNotStarted = errors.New("producer is not started")

// Default timings
const (
	DefaultEnqueueTimeout       = 5 * time.Second
	DefaultEnqueueRetryInterval = 500 * time.Millisecond
	DefaultEnqueueMaxBackoff    = 10 * time.Second
	DefaultAdminTimeout         = 5 * time.Second
)

// Config holds producer configuration
type Config struct {
	Logger *slog.Logger
	Bus    transport.Bus

	// EnqueueTimeout bounds a single enqueue attempt. Failed attempts are
	// retried with exponential backoff between EnqueueRetryInterval and
	// EnqueueMaxBackoff until the broker acknowledges.
	EnqueueTimeout       time.Duration
	EnqueueRetryInterval time.Duration
	EnqueueMaxBackoff    time.Duration

	// ResultTimeout rejects a pending future with a *domain.TimeoutError.
	// Zero waits forever.
	ResultTimeout time.Duration

	DiscoveryWindow time.Duration
	AdminTimeout    time.Duration

	// PayloadDefaults are merged into object payloads for keys the caller did not set
	PayloadDefaults map[string]any
}

// SubmitRequest describes a task to submit. ID is generated when empty.
type SubmitRequest struct {
	ID        string
	Type      string
	Payload   any
	Priority  int
	Retryable bool
	Attempts  int
	UserID    string
}

// Producer submits tasks and resolves their futures from completion events
type Producer struct {
	logger          *slog.Logger
	bus             transport.Bus
	enqueueTimeout  time.Duration
	retryInterval   time.Duration
	maxBackoff      time.Duration
	resultTimeout   time.Duration
	discoveryWindow time.Duration
	adminTimeout    time.Duration
	defaults        map[string]json.RawMessage

	mu      sync.Mutex
	pending map[string]*Future
	sub     transport.Subscription
}

// NewProducer creates a new producer instance
func NewProducer(cfg *Config) (*Producer, error) {
	defaults := make(map[string]json.RawMessage, len(cfg.PayloadDefaults))
	for k, v := range cfg.PayloadDefaults {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid payload default %q: %w", k, err)
		}
		defaults[k] = raw
	}

	return &Producer{
		logger:          cfg.Logger.With("component", "producer"),
		bus:             cfg.Bus,
		enqueueTimeout:  orDefault(cfg.EnqueueTimeout, DefaultEnqueueTimeout),
		retryInterval:   orDefault(cfg.EnqueueRetryInterval, DefaultEnqueueRetryInterval),
		maxBackoff:      orDefault(cfg.EnqueueMaxBackoff, DefaultEnqueueMaxBackoff),
		resultTimeout:   cfg.ResultTimeout,
		discoveryWindow: orDefault(cfg.DiscoveryWindow, discovery.DefaultWindow),
		adminTimeout:    orDefault(cfg.AdminTimeout, DefaultAdminTimeout),
		defaults:        defaults,
		pending:         make(map[string]*Future),
	}, nil
}

// Start subscribes to completion events. It must be called before Submit.
func (p *Producer) Start(ctx context.Context) error {
	sub, err := p.bus.Subscribe(ctx, domain.SubjectTaskComplete, "", p.onCompletion)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", domain.SubjectTaskComplete, err)
	}

	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()

	p.logger.Info("Producer started",
		slog.Duration("result_timeout", p.resultTimeout),
		slog.Int("payload_defaults", len(p.defaults)),
	)
	return nil
}

// Stop unsubscribes from completion events. Futures still pending stay unresolved.
func (p *Producer) Stop() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("Failed to unsubscribe completions", slog.String("error", err.Error()))
		}
	}
	p.logger.Info("Producer stopped", slog.Int("pending", p.Pending()))
}

// Submit enqueues a task and returns a future for its terminal result.
// The enqueue is retried until the broker acknowledges it or ctx ends.
// Payloads that are not valid JSON are rejected before anything is sent.
func (p *Producer) Submit(ctx context.Context, req SubmitRequest) (*Future, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("task type is required")
	}
	if req.Attempts < 0 {
		return nil, fmt.Errorf("attempts must not be negative")
	}

	payload, err := p.buildPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	task := domain.Task{
		ID:          req.ID,
		Priority:    req.Priority,
		Type:        req.Type,
		Payload:     payload,
		UserID:      req.UserID,
		IsRetryable: req.Retryable,
		Attempts:    req.Attempts,
		CreatedAt:   time.Now(),
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if !task.IsRetryable {
		task.Attempts = 0
	}

	// Register before enqueueing so a fast completion is never missed
	future, err := p.register(task.ID)
	if err != nil {
		return nil, err
	}

	if err := p.enqueue(ctx, task); err != nil {
		p.forget(task.ID)
		return nil, err
	}

	return future, nil
}

// Pending returns the number of futures awaiting a completion event
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// DiscoverFreeWorkers returns the bands of workers that answered within the discovery window
func (p *Producer) DiscoverFreeWorkers(ctx context.Context) ([]domain.WorkerBand, error) {
	return discovery.FreeWorkers(ctx, p.bus, p.discoveryWindow, p.logger)
}

// enqueue sends the task until the broker acknowledges it. Only missing or
// negative acks are retried; a request that cannot be encoded fails at once.
func (p *Producer) enqueue(ctx context.Context, task domain.Task) error {
	body, err := json.Marshal(domain.EnqueueRequest{Task: task})
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	backoff := p.retryInterval
	for attempt := 1; ; attempt++ {
		var ack domain.Ack
		err := transport.RequestJSON(ctx, p.bus, domain.SubjectAddTask, json.RawMessage(body), &ack, p.enqueueTimeout)
		if err == nil && ack.OK {
			p.logger.Info("Task submitted",
				slog.String("task_id", task.ID),
				slog.String("task_type", task.Type),
				slog.Int("priority", task.Priority),
				slog.Int("enqueue_attempts", attempt),
			)
			return nil
		}

		reason := ack.Error
		if err != nil {
			reason = err.Error()
		}
		p.logger.Warn("Enqueue not acknowledged, retrying",
			slog.String("task_id", task.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("reason", reason),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue of task %s abandoned: %w", task.ID, ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

func (p *Producer) register(taskID string) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub == nil {
		return nil, ErrNotStarted
	}
	if _, exists := p.pending[taskID]; exists {
		return nil, fmt.Errorf("task %s is already pending", taskID)
	}

	future := newFuture(taskID)
	if p.resultTimeout > 0 {
		future.timer = time.AfterFunc(p.resultTimeout, func() {
			p.settle(taskID, nil, &domain.TimeoutError{Op: "awaiting task " + taskID, After: p.resultTimeout})
		})
	}

	p.pending[taskID] = future
	metrics.PendingResults.Set(float64(len(p.pending)))
	return future, nil
}

// settle removes the pending entry and resolves its future
func (p *Producer) settle(taskID string, data json.RawMessage, err error) bool {
	future := p.forget(taskID)
	if future == nil {
		return false
	}
	future.resolve(data, err)
	return true
}

func (p *Producer) forget(taskID string) *Future {
	p.mu.Lock()
	defer p.mu.Unlock()

	future, ok := p.pending[taskID]
	if !ok {
		return nil
	}
	delete(p.pending, taskID)
	metrics.PendingResults.Set(float64(len(p.pending)))
	if future.timer != nil {
		future.timer.Stop()
	}
	return future
}

func (p *Producer) onCompletion(_ context.Context, msg transport.Message) {
	var completion domain.Completion
	if err := json.Unmarshal(msg.Data, &completion); err != nil {
		p.logger.Error("Failed to parse task completion",
			slog.String("error", err.Error()),
		)
		return
	}

	if !p.settle(completion.TaskID, completion.Data, domain.ErrorFromInfo(completion.Error)) {
		// Another producer's task, or one that already timed out
		p.logger.Debug("Completion without pending future",
			slog.String("task_id", completion.TaskID),
		)
		return
	}

	p.logger.Info("Task result received",
		slog.String("task_id", completion.TaskID),
		slog.Bool("is_error", completion.Error != nil),
	)
}

// buildPayload encodes the caller payload and fills in configured defaults.
// Raw payloads must be valid JSON. Non-object payloads are passed through
// unchanged.
func (p *Producer) buildPayload(payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = encoded
	}

	if len(raw) > 0 && !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	if len(p.defaults) == 0 {
		return raw, nil
	}

	fields := make(map[string]json.RawMessage)
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &fields); err != nil {
			// valid JSON that is not an object
			return raw, nil
		}
	}

	for k, v := range p.defaults {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return merged, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
