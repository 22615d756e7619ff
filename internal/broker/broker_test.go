package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/storage"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/cuongbtq/taskbroker/shared/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ctx         context.Context
	bus         *transport.MemoryBus
	store       *storage.Storage
	broker      *Broker
	completions chan domain.Completion
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	client, err := database.NewClient(&database.Config{
		Driver:   database.DriverSQLite,
		Database: filepath.Join(t.TempDir(), "tasks.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := storage.NewStorage(client.GetDB(), logger)
	require.NoError(t, store.Migrate(ctx))

	bus := transport.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })

	cfg := &Config{
		Logger:           logger,
		Store:            store,
		Bus:              bus,
		DispatchInterval: time.Hour,
		DiscoveryWindow:  30 * time.Millisecond,
		DispatchTimeout:  200 * time.Millisecond,
		ProcessTimeout:   time.Hour,
		ReaperInterval:   time.Hour,
		Retention:        30 * time.Minute,
	}
	for _, m := range mutate {
		m(cfg)
	}

	h := &harness{
		ctx:         ctx,
		bus:         bus,
		store:       store,
		broker:      NewBroker(cfg),
		completions: make(chan domain.Completion, 16),
	}

	_, err = bus.Subscribe(ctx, domain.SubjectTaskComplete, "", func(_ context.Context, msg transport.Message) {
		var c domain.Completion
		if json.Unmarshal(msg.Data, &c) == nil {
			h.completions <- c
		}
	})
	require.NoError(t, err)

	return h
}

func (h *harness) enqueue(t *testing.T, task domain.Task) {
	t.Helper()
	require.NoError(t, h.broker.Enqueue(h.ctx, &task))
}

func (h *harness) task(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.store.GetTask(h.ctx, id)
	require.NoError(t, err)
	return task
}

// claimStamp returns the task's current claim stamp as a worker would echo it,
// or zero when the task is unknown or unclaimed
func (h *harness) claimStamp(id string) int64 {
	task, err := h.store.GetTask(h.ctx, id)
	if err != nil || task.ProcessedTime == nil {
		return 0
	}
	return task.ProcessedTime.UnixMilli()
}

func (h *harness) fail(t *testing.T, id, code string) {
	t.Helper()
	require.NoError(t, h.broker.HandleOutcome(h.ctx, domain.Outcome{
		TaskID:    id,
		ClaimedAt: h.claimStamp(id),
		Error:     &domain.ErrorInfo{Code: code, Message: "attempt failed"},
	}))
}

func (h *harness) succeed(t *testing.T, id string, data string) {
	t.Helper()
	require.NoError(t, h.broker.HandleOutcome(h.ctx, domain.Outcome{
		TaskID:    id,
		ClaimedAt: h.claimStamp(id),
		Data:      json.RawMessage(data),
	}))
}

func (h *harness) expectCompletion(t *testing.T) domain.Completion {
	t.Helper()
	select {
	case c := <-h.completions:
		return c
	case <-time.After(time.Second):
		t.Fatal("expected a task completion")
		return domain.Completion{}
	}
}

func (h *harness) expectNoCompletion(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.completions:
		t.Fatalf("unexpected completion for %s", c.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeWorker struct {
	band     domain.WorkerBand
	accept   atomic.Bool
	silent   atomic.Bool
	received chan domain.Task
}

func (h *harness) startWorker(t *testing.T, id string, minPriority, maxPriority, slots int) *fakeWorker {
	t.Helper()

	w := &fakeWorker{
		band: domain.WorkerBand{
			WorkerID:    id,
			MinPriority: minPriority,
			MaxPriority: maxPriority,
			Slots:       slots,
			Subject:     domain.WorkerSubject(id),
		},
		received: make(chan domain.Task, 16),
	}
	w.accept.Store(true)

	_, err := h.bus.Subscribe(h.ctx, domain.SubjectFreeWorkers, "", func(ctx context.Context, msg transport.Message) {
		_ = transport.Reply(ctx, h.bus, msg, w.band)
	})
	require.NoError(t, err)

	_, err = h.bus.Subscribe(h.ctx, w.band.Subject, "", func(ctx context.Context, msg transport.Message) {
		if w.silent.Load() {
			return
		}
		var d domain.Dispatch
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		if !w.accept.Load() {
			_ = transport.Reply(ctx, h.bus, msg, domain.Ack{OK: false, Error: "busy"})
			return
		}
		w.received <- d.Task
		_ = transport.Reply(ctx, h.bus, msg, domain.Ack{OK: true})
	})
	require.NoError(t, err)

	return w
}

func (w *fakeWorker) expectTask(t *testing.T) domain.Task {
	t.Helper()
	select {
	case task := <-w.received:
		return task
	case <-time.After(time.Second):
		t.Fatal("worker expected a task")
		return domain.Task{}
	}
}

func (w *fakeWorker) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case task := <-w.received:
		t.Fatalf("worker unexpectedly received %s", task.ID)
	default:
	}
}

func TestScenarioA_RetryableSucceedsAfterTwoFailures(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 10, 30, 1)

	h.enqueue(t, domain.Task{ID: "a", Priority: 20, Type: "transfer", IsRetryable: true, Attempts: 2})

	for attempt := 0; attempt < 2; attempt++ {
		require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
		task := w.expectTask(t)
		assert.Equal(t, attempt, task.Attempt)
		h.fail(t, "a", "BUSY")
		assert.Equal(t, attempt+1, h.task(t, "a").Attempt)
		h.expectNoCompletion(t)
	}

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.succeed(t, "a", `{"receipt":"ok"}`)

	c := h.expectCompletion(t)
	assert.Equal(t, "a", c.TaskID)
	assert.Nil(t, c.Error)
	assert.JSONEq(t, `{"receipt":"ok"}`, string(c.Data))

	stored := h.task(t, "a")
	assert.Equal(t, domain.TaskStatusDone, stored.Status())
	assert.Equal(t, 2, stored.Attempt)
}

func TestScenarioB_NonRetryableFailsOnce(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)

	h.enqueue(t, domain.Task{ID: "b", Priority: 5, Type: "transfer", IsRetryable: false})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.fail(t, "b", "BUSY")

	c := h.expectCompletion(t)
	assert.Equal(t, "b", c.TaskID)
	require.NotNil(t, c.Error)
	assert.Equal(t, "BUSY", c.Error.Code)

	stored := h.task(t, "b")
	assert.Equal(t, domain.TaskStatusFailed, stored.Status())
	assert.Equal(t, 0, stored.Attempt)

	assert.Equal(t, 0, h.broker.dispatchCycle(h.ctx))
	w.expectNothing(t)
}

func TestRetryableTask_RequeuedAtMostAttemptsTimes(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 100, 1)

	const attempts = 3
	h.enqueue(t, domain.Task{ID: "r", Priority: 1, Type: "x", IsRetryable: true, Attempts: attempts})

	dispatches := 0
	for h.broker.dispatchCycle(h.ctx) == 1 {
		dispatches++
		w.expectTask(t)
		h.fail(t, "r", "BUSY")
		require.LessOrEqual(t, dispatches, attempts+1)
	}

	assert.Equal(t, attempts+1, dispatches)

	c := h.expectCompletion(t)
	assert.Equal(t, "r", c.TaskID)
	require.NotNil(t, c.Error)
	h.expectNoCompletion(t)

	stored := h.task(t, "r")
	assert.Equal(t, domain.TaskStatusFailed, stored.Status())
	assert.Equal(t, 0, stored.Attempt)
}

func TestOwnedTask_ExhaustedIsHeldUntilDeleted(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 100, 1)

	h.enqueue(t, domain.Task{ID: "o", Priority: 1, Type: "x", UserID: "u1", IsRetryable: true, Attempts: 0})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.fail(t, "o", "BUSY")
	h.expectNoCompletion(t)

	stored := h.task(t, "o")
	assert.Equal(t, domain.TaskStatusFailed, stored.Status())

	views, err := h.broker.ListTasksByUser(h.ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.TaskStatusFailed, views[0].Status)

	assert.ErrorIs(t, h.broker.DeleteTask(h.ctx, "o", "intruder"), domain.ErrNotOwner)
	require.NoError(t, h.broker.DeleteTask(h.ctx, "o", "u1"))

	c := h.expectCompletion(t)
	assert.Equal(t, "o", c.TaskID)
	require.NotNil(t, c.Error)
	assert.Equal(t, domain.CodeTaskDeleted, c.Error.Code)

	_, err = h.store.GetTask(h.ctx, "o")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestOwnedTask_RestartRunsAgain(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 100, 1)

	h.enqueue(t, domain.Task{ID: "o", Priority: 1, Type: "x", UserID: "u1", IsRetryable: true, Attempts: 1})
	for i := 0; i < 2; i++ {
		require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
		w.expectTask(t)
		h.fail(t, "o", "BUSY")
	}
	h.expectNoCompletion(t)

	assert.ErrorIs(t, h.broker.RestartTask(h.ctx, "o", "intruder"), domain.ErrNotOwner)
	require.NoError(t, h.broker.RestartTask(h.ctx, "o", "u1"))
	assert.Equal(t, domain.TaskStatusPending, h.task(t, "o").Status())

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.succeed(t, "o", `"done"`)

	c := h.expectCompletion(t)
	assert.Equal(t, "o", c.TaskID)
	assert.Nil(t, c.Error)
}

func TestOwnedTask_NotifiedFailureCannotRestart(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 100, 1)

	h.enqueue(t, domain.Task{ID: "o", Priority: 1, Type: "x", UserID: "u1", IsRetryable: false})
	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.fail(t, "o", "X")

	c := h.expectCompletion(t)
	require.NotNil(t, c.Error)
	assert.Equal(t, "X", c.Error.Code)

	assert.ErrorIs(t, h.broker.RestartTask(h.ctx, "o", "u1"), domain.ErrNotFailed)
	assert.Equal(t, domain.TaskStatusFailed, h.task(t, "o").Status())

	assert.Equal(t, 0, h.broker.dispatchCycle(h.ctx))
	w.expectNothing(t)
	h.expectNoCompletion(t)

	// delete does not publish a second completion either
	require.NoError(t, h.broker.DeleteTask(h.ctx, "o", "u1"))
	h.expectNoCompletion(t)
}

func TestNonRetryableCode_RequeuedWhenClassifierDisabled(t *testing.T) {
	// The classifier is not consulted by default: a permanent ledger
	// rejection still consumes a retry.
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 100, 1)

	h.enqueue(t, domain.Task{ID: "c", Priority: 1, Type: "x", IsRetryable: true, Attempts: 2})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.fail(t, "c", "INSUFFICIENT_ACCOUNT_BALANCE")

	stored := h.task(t, "c")
	assert.Equal(t, domain.TaskStatusPending, stored.Status())
	assert.Equal(t, 1, stored.Attempt)
	h.expectNoCompletion(t)
}

func TestNonRetryableCode_FinalizedWhenClassifierEnabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ConsultErrorCodes = true })
	w := h.startWorker(t, "w1", 0, 100, 1)

	h.enqueue(t, domain.Task{ID: "c", Priority: 1, Type: "x", IsRetryable: true, Attempts: 2})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.fail(t, "c", "INSUFFICIENT_ACCOUNT_BALANCE")

	c := h.expectCompletion(t)
	require.NotNil(t, c.Error)
	assert.Equal(t, "INSUFFICIENT_ACCOUNT_BALANCE", c.Error.Code)
	assert.Equal(t, domain.TaskStatusFailed, h.task(t, "c").Status())

	// transient codes still retry
	h.enqueue(t, domain.Task{ID: "d", Priority: 1, Type: "x", IsRetryable: true, Attempts: 2})
	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.fail(t, "d", "BUSY")
	assert.Equal(t, domain.TaskStatusPending, h.task(t, "d").Status())
}

func TestDispatch_RespectsPriorityBand(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 40, 60, 5)

	h.enqueue(t, domain.Task{ID: "low", Priority: 5, Type: "x"})
	h.enqueue(t, domain.Task{ID: "edge", Priority: 60, Type: "x"})
	h.enqueue(t, domain.Task{ID: "high", Priority: 61, Type: "x"})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	task := w.expectTask(t)
	assert.Equal(t, "edge", task.ID)
	w.expectNothing(t)

	assert.Equal(t, domain.TaskStatusPending, h.task(t, "low").Status())
	assert.Equal(t, domain.TaskStatusPending, h.task(t, "high").Status())
}

func TestDispatch_FillsAdvertisedSlots(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 2)

	for _, id := range []string{"t1", "t2", "t3"} {
		h.enqueue(t, domain.Task{ID: id, Priority: 1, Type: "x"})
	}

	assert.Equal(t, 2, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	w.expectTask(t)
	w.expectNothing(t)
}

func TestDispatch_RejectedDeliveryRollsBack(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)
	w.accept.Store(false)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x"})

	assert.Equal(t, 0, h.broker.dispatchCycle(h.ctx))
	stored := h.task(t, "t1")
	assert.Equal(t, domain.TaskStatusPending, stored.Status())
	assert.False(t, stored.Sent)

	w.accept.Store(true)
	assert.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
}

func TestDispatch_UnacknowledgedDeliveryRollsBack(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DispatchTimeout = 50 * time.Millisecond })
	w := h.startWorker(t, "w1", 0, 10, 1)
	w.silent.Store(true)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x"})

	assert.Equal(t, 0, h.broker.dispatchCycle(h.ctx))
	assert.Equal(t, domain.TaskStatusPending, h.task(t, "t1").Status())
}

func TestScenarioC_ConcurrentTicksClaimOnce(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 2)

	h.enqueue(t, domain.Task{ID: "only", Priority: 1, Type: "x"})

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.broker.dispatchCycle(h.ctx)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, results[0]+results[1])
	assert.Equal(t, "only", w.expectTask(t).ID)
	w.expectNothing(t)
}

// racingStore lets a competitor claim the first candidate right before
// the broker does.
type racingStore struct {
	*storage.Storage
	victim string
	raced  atomic.Bool
}

func (s *racingStore) ClaimTask(ctx context.Context, taskID string, now time.Time) error {
	if taskID == s.victim && s.raced.CompareAndSwap(false, true) {
		if err := s.Storage.ClaimTask(ctx, taskID, now); err != nil {
			return err
		}
	}
	return s.Storage.ClaimTask(ctx, taskID, now)
}

func TestScenarioC_LostClaimMovesToNextCandidate(t *testing.T) {
	h := newHarness(t)
	racing := &racingStore{Storage: h.store, victim: "first"}
	h.broker.store = racing
	w := h.startWorker(t, "w1", 0, 10, 1)

	base := time.Now().Add(-time.Minute)
	h.enqueue(t, domain.Task{ID: "first", Priority: 1, Type: "x", CreatedAt: base})
	h.enqueue(t, domain.Task{ID: "second", Priority: 1, Type: "x", CreatedAt: base.Add(time.Second)})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	assert.True(t, racing.raced.Load())
	assert.Equal(t, "second", w.expectTask(t).ID)
	w.expectNothing(t)
}

func TestHandleOutcome_DuplicateIsNoop(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x"})
	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)

	h.succeed(t, "t1", `1`)
	h.expectCompletion(t)

	h.succeed(t, "t1", `2`)
	h.fail(t, "t1", "BUSY")
	h.expectNoCompletion(t)
	assert.Equal(t, domain.TaskStatusDone, h.task(t, "t1").Status())

	// unknown tasks are ignored too
	h.succeed(t, "ghost", `1`)
}

func TestHandleOutcome_IgnoresPendingTask(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x", IsRetryable: true, Attempts: 3})

	h.fail(t, "t1", "BUSY")

	stored := h.task(t, "t1")
	assert.Equal(t, domain.TaskStatusPending, stored.Status())
	assert.Equal(t, 0, stored.Attempt)
}

func TestReapStale_ResetsOnce(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x"})

	h.broker.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	h.broker.now = time.Now

	assert.Equal(t, int64(1), h.broker.reapStale(h.ctx))
	assert.Equal(t, int64(0), h.broker.reapStale(h.ctx))
	assert.Equal(t, domain.TaskStatusPending, h.task(t, "t1").Status())

	// a fresh dispatch is left alone
	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	assert.Equal(t, int64(0), h.broker.reapStale(h.ctx))
	assert.Equal(t, domain.TaskStatusDispatched, h.task(t, "t1").Status())
}

func TestHandleOutcome_IgnoresSupersededClaim(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x", IsRetryable: true, Attempts: 2})

	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	firstClaim := h.claimStamp("t1")

	// the first worker goes quiet past the process timeout
	h.broker.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.Equal(t, int64(1), h.broker.reapStale(h.ctx))
	require.Equal(t, 1, h.broker.dispatchCycle(h.ctx))
	w.expectTask(t)
	secondClaim := h.claimStamp("t1")
	require.NotEqual(t, firstClaim, secondClaim)

	tests := []domain.Outcome{
		{TaskID: "t1", WorkerID: "w1", ClaimedAt: firstClaim, Error: &domain.ErrorInfo{Message: "late failure"}},
		{TaskID: "t1", WorkerID: "w1", ClaimedAt: firstClaim, Data: json.RawMessage(`"late"`)},
		{TaskID: "t1", WorkerID: "w1", Data: json.RawMessage(`"unstamped"`)},
	}
	for _, late := range tests {
		require.NoError(t, h.broker.HandleOutcome(h.ctx, late))
	}
	h.expectNoCompletion(t)

	stored := h.task(t, "t1")
	assert.Equal(t, domain.TaskStatusDispatched, stored.Status())
	assert.Equal(t, 0, stored.Attempt)
	assert.Equal(t, secondClaim, stored.ProcessedTime.UnixMilli())

	require.NoError(t, h.broker.HandleOutcome(h.ctx, domain.Outcome{
		TaskID: "t1", WorkerID: "w2", ClaimedAt: secondClaim, Data: json.RawMessage(`"current"`),
	}))
	c := h.expectCompletion(t)
	assert.Equal(t, "t1", c.TaskID)
	assert.JSONEq(t, `"current"`, string(c.Data))
}

func TestPurgeExpired(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 5)

	h.enqueue(t, domain.Task{ID: "done", Priority: 1, Type: "x"})
	h.enqueue(t, domain.Task{ID: "failed", Priority: 1, Type: "x"})
	h.enqueue(t, domain.Task{ID: "owned", Priority: 1, Type: "x", UserID: "u1"})

	h.broker.now = func() time.Time { return time.Now().Add(-time.Hour) }
	require.Equal(t, 3, h.broker.dispatchCycle(h.ctx))
	for i := 0; i < 3; i++ {
		w.expectTask(t)
	}
	h.succeed(t, "done", `1`)
	h.fail(t, "failed", "BUSY")
	h.fail(t, "owned", "BUSY")
	h.broker.now = time.Now

	assert.Equal(t, int64(2), h.broker.purgeExpired(h.ctx))

	_, err := h.store.GetTask(h.ctx, "done")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = h.store.GetTask(h.ctx, "failed")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Equal(t, domain.TaskStatusFailed, h.task(t, "owned").Status())
}

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t)

	assert.Error(t, h.broker.Enqueue(h.ctx, &domain.Task{Type: "x"}))
	assert.Error(t, h.broker.Enqueue(h.ctx, &domain.Task{ID: "t1", Attempts: -1}))
}

func TestBroker_BusHandlers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.broker.Start(h.ctx))
	t.Cleanup(h.broker.Stop)

	submit := func(task domain.Task) domain.Ack {
		var ack domain.Ack
		require.NoError(t, transport.RequestJSON(h.ctx, h.bus, domain.SubjectAddTask, domain.EnqueueRequest{Task: task}, &ack, time.Second))
		return ack
	}

	t.Run("enqueue is idempotent", func(t *testing.T) {
		task := domain.Task{ID: "bus-1", Priority: 3, Type: "x", UserID: "u1"}
		assert.True(t, submit(task).OK)
		assert.True(t, submit(task).OK)

		views, err := h.broker.ListTasksByUser(h.ctx, "u1", 0, 10)
		require.NoError(t, err)
		assert.Len(t, views, 1)
	})

	t.Run("invalid submission is rejected", func(t *testing.T) {
		ack := submit(domain.Task{Type: "x"})
		assert.False(t, ack.OK)
		assert.NotEmpty(t, ack.Error)
	})

	t.Run("admin list is scoped to the user", func(t *testing.T) {
		var resp domain.ListTasksResponse
		require.NoError(t, transport.RequestJSON(h.ctx, h.bus, domain.SubjectAdminList,
			domain.ListTasksRequest{UserID: "u1", PageSize: 10}, &resp, time.Second))
		require.Len(t, resp.Tasks, 1)
		assert.Equal(t, "bus-1", resp.Tasks[0].ID)

		require.NoError(t, transport.RequestJSON(h.ctx, h.bus, domain.SubjectAdminList,
			domain.ListTasksRequest{UserID: "u2"}, &resp, time.Second))
		assert.Empty(t, resp.Tasks)
	})

	t.Run("admin delete rejects other users", func(t *testing.T) {
		var ack domain.Ack
		require.NoError(t, transport.RequestJSON(h.ctx, h.bus, domain.SubjectAdminDelete,
			domain.TaskActionRequest{TaskID: "bus-1", UserID: "u2"}, &ack, time.Second))
		assert.False(t, ack.OK)

		require.NoError(t, transport.RequestJSON(h.ctx, h.bus, domain.SubjectAdminDelete,
			domain.TaskActionRequest{TaskID: "bus-1", UserID: "u1"}, &ack, time.Second))
		assert.True(t, ack.OK)
		assert.Equal(t, "bus-1", h.expectCompletion(t).TaskID)
	})

	t.Run("admin restart requires a failed task", func(t *testing.T) {
		assert.True(t, submit(domain.Task{ID: "bus-2", Priority: 3, Type: "x", UserID: "u1"}).OK)

		var ack domain.Ack
		require.NoError(t, transport.RequestJSON(h.ctx, h.bus, domain.SubjectAdminRestart,
			domain.TaskActionRequest{TaskID: "bus-2", UserID: "u1"}, &ack, time.Second))
		assert.False(t, ack.OK)
		assert.Contains(t, ack.Error, domain.ErrNotFailed.Error())
	})
}

func TestBroker_WorkerReadyTriggersDispatch(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)

	require.NoError(t, h.broker.Start(h.ctx))
	t.Cleanup(h.broker.Stop)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x"})
	require.NoError(t, transport.PublishJSON(h.ctx, h.bus, domain.SubjectWorkerReady, struct{}{}))

	assert.Equal(t, "t1", w.expectTask(t).ID)
}

func TestBroker_OutcomeOverBus(t *testing.T) {
	h := newHarness(t)
	w := h.startWorker(t, "w1", 0, 10, 1)

	require.NoError(t, h.broker.Start(h.ctx))
	t.Cleanup(h.broker.Stop)

	h.enqueue(t, domain.Task{ID: "t1", Priority: 1, Type: "x"})
	h.broker.Trigger()
	w.expectTask(t)

	require.NoError(t, transport.PublishJSON(h.ctx, h.bus, domain.SubjectTaskResult,
		domain.Outcome{TaskID: "t1", WorkerID: "w1", ClaimedAt: h.claimStamp("t1"), Data: json.RawMessage(`{"ok":true}`)}))

	c := h.expectCompletion(t)
	assert.Equal(t, "t1", c.TaskID)
	assert.JSONEq(t, `{"ok":true}`, string(c.Data))
}
