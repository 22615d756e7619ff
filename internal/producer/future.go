package producer

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Future is the pending result of a submitted task
type Future struct {
	taskID string
	done   chan struct{}
	once   sync.Once
	timer  *time.Timer

	data json.RawMessage
	err  error
}

func newFuture(taskID string) *Future {
	return &Future{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the correlation id of the task
func (f *Future) TaskID() string {
	return f.taskID
}

// Done is closed once the future is resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends. A failed task returns a
// *domain.TaskError; an expired result timeout returns a *domain.TimeoutError.
// Giving up on ctx leaves the future pending.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits for the result and unmarshals it into out
func (f *Future) Decode(ctx context.Context, out any) error {
	data, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *Future) resolve(data json.RawMessage, err error) {
	f.once.Do(func() {
		f.data = data
		f.err = err
		close(f.done)
	})
}
