package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
)

// Request publishes v on subject and waits for the first reply. It fails
// with a *domain.TimeoutError when no reply arrives within timeout.
func Request(ctx context.Context, bus Bus, subject string, v any, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", subject, err)
	}

	inbox := NewInbox()
	replies := make(chan []byte, 1)

	sub, err := bus.Subscribe(ctx, inbox, "", func(_ context.Context, msg Message) {
		select {
		case replies <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe reply inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, Message{Subject: subject, ReplyTo: inbox, Data: data}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, &domain.TimeoutError{Op: "request " + subject, After: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestJSON is Request with the reply decoded into out
func RequestJSON(ctx context.Context, bus Bus, subject string, v, out any, timeout time.Duration) error {
	reply, err := Request(ctx, bus, subject, v, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", subject, err)
	}
	return nil
}

// Gather broadcasts v on subject and collects every reply that arrives
// within window. It always waits the full window unless ctx ends first, in
// which case the replies collected so far are returned with ctx.Err().
// Replies arriving later are dropped.
func Gather(ctx context.Context, bus Bus, subject string, v any, window time.Duration) ([][]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", subject, err)
	}

	var (
		mu      sync.Mutex
		closed  bool
		replies [][]byte
	)

	inbox := NewInbox()
	sub, err := bus.Subscribe(ctx, inbox, "", func(_ context.Context, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			replies = append(replies, msg.Data)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe gather inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, Message{Subject: subject, ReplyTo: inbox, Data: data}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	mu.Lock()
	closed = true
	collected := replies
	mu.Unlock()

	return collected, err
}
