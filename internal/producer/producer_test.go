package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker acknowledges enqueue requests after dropping the first
// `drop` of them and refusing the next `refuse`.
type fakeBroker struct {
	bus    transport.Bus
	drop   int32
	refuse int32
	seen   atomic.Int32

	mu    sync.Mutex
	tasks []domain.Task
}

func startFakeBroker(t *testing.T, ctx context.Context, bus transport.Bus, drop, refuse int32) *fakeBroker {
	t.Helper()

	fb := &fakeBroker{bus: bus, drop: drop, refuse: refuse}
	_, err := bus.Subscribe(ctx, domain.SubjectAddTask, domain.BrokerGroup, func(ctx context.Context, msg transport.Message) {
		n := fb.seen.Add(1)
		if n <= fb.drop {
			return
		}
		if n <= fb.drop+fb.refuse {
			_ = transport.Reply(ctx, bus, msg, domain.Ack{OK: false, Error: "store unavailable"})
			return
		}

		var req domain.EnqueueRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		fb.mu.Lock()
		fb.tasks = append(fb.tasks, req.Task)
		fb.mu.Unlock()
		_ = transport.Reply(ctx, bus, msg, domain.Ack{OK: true})
	})
	require.NoError(t, err)
	return fb
}

func (fb *fakeBroker) received() []domain.Task {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]domain.Task(nil), fb.tasks...)
}

func (fb *fakeBroker) complete(t *testing.T, ctx context.Context, c domain.Completion) {
	t.Helper()
	require.NoError(t, transport.PublishJSON(ctx, fb.bus, domain.SubjectTaskComplete, c))
}

func newTestProducer(t *testing.T, bus transport.Bus, mutate ...func(*Config)) *Producer {
	t.Helper()

	cfg := &Config{
		Logger:               testLogger(),
		Bus:                  bus,
		EnqueueTimeout:       50 * time.Millisecond,
		EnqueueRetryInterval: 10 * time.Millisecond,
		EnqueueMaxBackoff:    40 * time.Millisecond,
		DiscoveryWindow:      50 * time.Millisecond,
		AdminTimeout:         200 * time.Millisecond,
	}
	for _, m := range mutate {
		m(cfg)
	}

	p, err := NewProducer(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func setup(t *testing.T) (context.Context, *transport.MemoryBus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	bus := transport.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	return ctx, bus
}

func TestSubmit_ResolvesAndRemovesEntry(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus)

	const n = 50
	futures := make([]*Future, n)
	for i := range futures {
		f, err := p.Submit(ctx, SubmitRequest{Type: "echo", Payload: map[string]int{"n": i}})
		require.NoError(t, err)
		futures[i] = f
	}
	assert.Equal(t, n, p.Pending())

	for i, f := range futures {
		fb.complete(t, ctx, domain.Completion{TaskID: f.TaskID(), Data: json.RawMessage(fmt.Sprintf(`%d`, i))})
	}

	for i, f := range futures {
		var got int
		require.NoError(t, f.Decode(ctx, &got))
		assert.Equal(t, i, got)
	}

	assert.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubmit_RetriesEnqueueUntilAcknowledged(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 2, 2)
	p := newTestProducer(t, bus)

	f, err := p.Submit(ctx, SubmitRequest{ID: "t1", Type: "echo"})
	require.NoError(t, err)

	assert.Equal(t, int32(5), fb.seen.Load())
	require.Len(t, fb.received(), 1)
	assert.Equal(t, "t1", f.TaskID())
	assert.Equal(t, 1, p.Pending())
}

func TestSubmit_CanceledEnqueueRemovesEntry(t *testing.T) {
	ctx, bus := setup(t)
	p := newTestProducer(t, bus)

	submitCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()

	_, err := p.Submit(submitCtx, SubmitRequest{ID: "t1", Type: "echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Pending())
}

func TestSubmit_Validation(t *testing.T) {
	ctx, bus := setup(t)
	startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus)

	_, err := p.Submit(ctx, SubmitRequest{})
	assert.Error(t, err)

	_, err = p.Submit(ctx, SubmitRequest{Type: "echo", Attempts: -1})
	assert.Error(t, err)

	_, err = p.Submit(ctx, SubmitRequest{ID: "dup", Type: "echo"})
	require.NoError(t, err)
	_, err = p.Submit(ctx, SubmitRequest{ID: "dup", Type: "echo"})
	assert.Error(t, err)
	assert.Equal(t, 1, p.Pending())
}

func TestSubmit_InvalidPayloadFailsFast(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)

	tests := []struct {
		name     string
		defaults map[string]any
	}{
		{"without defaults", nil},
		{"with defaults", map[string]any{"network": "testnet"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProducer(t, bus, func(c *Config) { c.PayloadDefaults = tt.defaults })

			submitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := p.Submit(submitCtx, SubmitRequest{ID: "bad", Type: "echo", Payload: json.RawMessage(`{bad`)})
			require.Error(t, err)
			assert.NotErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 100*time.Millisecond)
			assert.Equal(t, 0, p.Pending())
		})
	}

	assert.Equal(t, int32(0), fb.seen.Load())
}

func TestSubmit_BeforeStart(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)

	p, err := NewProducer(&Config{Logger: testLogger(), Bus: bus})
	require.NoError(t, err)

	_, err = p.Submit(ctx, SubmitRequest{ID: "t1", Type: "echo"})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, 0, p.Pending())
	assert.Equal(t, int32(0), fb.seen.Load())

	require.NoError(t, p.Start(ctx))
	_, err = p.Submit(ctx, SubmitRequest{ID: "t1", Type: "echo"})
	require.NoError(t, err)

	p.Stop()
	_, err = p.Submit(ctx, SubmitRequest{ID: "t2", Type: "echo"})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSubmit_NonRetryableDropsAttempts(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus)

	_, err := p.Submit(ctx, SubmitRequest{ID: "a", Type: "echo", Attempts: 3, Priority: 7, UserID: "u1"})
	require.NoError(t, err)

	tasks := fb.received()
	require.Len(t, tasks, 1)
	assert.Equal(t, 0, tasks[0].Attempts)
	assert.Equal(t, 7, tasks[0].Priority)
	assert.Equal(t, "u1", tasks[0].UserID)
	assert.Equal(t, domain.TaskStatusPending, tasks[0].Status())
}

func TestFuture_RejectedWithTaskError(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus)

	f, err := p.Submit(ctx, SubmitRequest{ID: "t1", Type: "transfer"})
	require.NoError(t, err)

	fb.complete(t, ctx, domain.Completion{TaskID: "t1", Error: &domain.ErrorInfo{Code: "INVALID_SIGNATURE", Message: "bad key"}})

	_, err = f.Wait(ctx)
	var taskErr *domain.TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, "INVALID_SIGNATURE", taskErr.Code)
	assert.False(t, domain.IsTimeout(err))
	assert.Equal(t, 0, p.Pending())
}

func TestFuture_WithoutResultTimeoutWaitsForever(t *testing.T) {
	ctx, bus := setup(t)
	startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus)

	f, err := p.Submit(ctx, SubmitRequest{ID: "t1", Type: "echo"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	_, err = f.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.Pending())

	select {
	case <-f.Done():
		t.Fatal("future resolved without a completion")
	default:
	}
}

func TestFuture_ResultTimeout(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus, func(c *Config) { c.ResultTimeout = 50 * time.Millisecond })

	f, err := p.Submit(ctx, SubmitRequest{ID: "t1", Type: "echo"})
	require.NoError(t, err)

	_, err = f.Wait(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, 0, p.Pending())

	// a late completion is dropped
	fb.complete(t, ctx, domain.Completion{TaskID: "t1", Data: json.RawMessage(`1`)})
	_, err = f.Wait(ctx)
	assert.True(t, domain.IsTimeout(err))
}

func TestProducer_IgnoresForeignCompletions(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus)

	f, err := p.Submit(ctx, SubmitRequest{ID: "mine", Type: "echo"})
	require.NoError(t, err)

	fb.complete(t, ctx, domain.Completion{TaskID: "someone-else"})
	require.NoError(t, bus.Publish(ctx, transport.Message{Subject: domain.SubjectTaskComplete, Data: []byte("{")}))

	fb.complete(t, ctx, domain.Completion{TaskID: "mine", Data: json.RawMessage(`"ok"`)})
	data, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(data))
}

func TestBuildPayload(t *testing.T) {
	p, err := NewProducer(&Config{
		Logger:          testLogger(),
		PayloadDefaults: map[string]any{"network": "testnet", "operator": "0.0.2"},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{
			name:    "nil payload gets defaults",
			payload: nil,
			want:    `{"network":"testnet","operator":"0.0.2"}`,
		},
		{
			name:    "absent keys are filled",
			payload: map[string]any{"amount": 10},
			want:    `{"amount":10,"network":"testnet","operator":"0.0.2"}`,
		},
		{
			name:    "caller values win",
			payload: json.RawMessage(`{"network":"mainnet"}`),
			want:    `{"network":"mainnet","operator":"0.0.2"}`,
		},
		{
			name:    "non-object passes through",
			payload: []byte(`[1,2,3]`),
			want:    `[1,2,3]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.buildPayload(tt.payload)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	for _, bad := range []any{json.RawMessage(`{bad`), []byte(`[1,`)} {
		_, err := p.buildPayload(bad)
		assert.Error(t, err)
	}
}

func TestSubmit_PayloadRoundTrip(t *testing.T) {
	ctx, bus := setup(t)
	fb := startFakeBroker(t, ctx, bus, 0, 0)
	p := newTestProducer(t, bus, func(c *Config) {
		c.PayloadDefaults = map[string]any{"network": "testnet"}
	})

	_, err := p.Submit(ctx, SubmitRequest{ID: "t1", Type: "echo", Payload: map[string]any{"memo": "hi"}})
	require.NoError(t, err)

	tasks := fb.received()
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{"memo":"hi","network":"testnet"}`, string(tasks[0].Payload))
}

func TestDiscoverFreeWorkers_BoundedByWindow(t *testing.T) {
	ctx, bus := setup(t)
	p := newTestProducer(t, bus)

	respond := func(id string, delay time.Duration) {
		_, err := bus.Subscribe(ctx, domain.SubjectFreeWorkers, "", func(ctx context.Context, msg transport.Message) {
			time.Sleep(delay)
			_ = transport.Reply(ctx, bus, msg, domain.WorkerBand{WorkerID: id, MinPriority: 0, MaxPriority: 10, Slots: 1})
		})
		require.NoError(t, err)
	}
	respond("fast-1", 0)
	respond("fast-2", 5*time.Millisecond)
	respond("late", 200*time.Millisecond)

	start := time.Now()
	bands, err := p.DiscoverFreeWorkers(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Len(t, bands, 2)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
	for _, b := range bands {
		assert.NotEqual(t, "late", b.WorkerID)
	}
}

func TestAdminClient(t *testing.T) {
	ctx, bus := setup(t)
	p := newTestProducer(t, bus)

	_, err := bus.Subscribe(ctx, domain.SubjectAdminList, domain.BrokerGroup, func(ctx context.Context, msg transport.Message) {
		var req domain.ListTasksRequest
		_ = json.Unmarshal(msg.Data, &req)
		if req.UserID == "" {
			_ = transport.Reply(ctx, bus, msg, domain.ListTasksResponse{Error: domain.ErrNotOwner.Error()})
			return
		}
		_ = transport.Reply(ctx, bus, msg, domain.ListTasksResponse{Tasks: []domain.TaskView{{ID: "t1", Status: domain.TaskStatusFailed}}})
	})
	require.NoError(t, err)

	for _, subject := range []string{domain.SubjectAdminRestart, domain.SubjectAdminDelete} {
		_, err := bus.Subscribe(ctx, subject, domain.BrokerGroup, func(ctx context.Context, msg transport.Message) {
			var req domain.TaskActionRequest
			_ = json.Unmarshal(msg.Data, &req)
			if req.UserID != "u1" {
				_ = transport.Reply(ctx, bus, msg, domain.Ack{OK: false, Error: domain.ErrNotOwner.Error()})
				return
			}
			_ = transport.Reply(ctx, bus, msg, domain.Ack{OK: true})
		})
		require.NoError(t, err)
	}

	tasks, err := p.ListTasks(ctx, "u1", 0, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	_, err = p.ListTasks(ctx, "", 0, 10)
	assert.EqualError(t, err, domain.ErrNotOwner.Error())

	assert.NoError(t, p.RestartTask(ctx, "t1", "u1"))
	assert.NoError(t, p.DeleteTask(ctx, "t1", "u1"))
	assert.EqualError(t, p.DeleteTask(ctx, "t1", "u2"), domain.ErrNotOwner.Error())
}
