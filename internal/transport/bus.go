// Package transport carries broker messages over a publish/subscribe bus.
// Delivery is at-most-once and unordered; request/reply is layered on top
// with per-request inbox subjects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a closed bus
var ErrBusClosed = errors.New("bus is closed")

// Message is a single bus delivery
type Message struct {
	Subject string
	ReplyTo string
	Data    []byte
}

// Handler processes one message. Handlers on a subscription run one at a time.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active interest in a subject
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport contract shared by every implementation.
//
// Subscribe with an empty group receives every message on subject. A
// non-empty group shares the messages among all subscribers of that group
// so each message is handled once per group.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error)
	Close() error
}

// HealthChecker is implemented by buses that can report their connection state
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth reports the health of bus. Buses without a health check are
// considered healthy.
func CheckHealth(ctx context.Context, bus Bus) error {
	hc, ok := bus.(HealthChecker)
	if !ok {
		return nil
	}
	return hc.HealthCheck(ctx)
}

// NewInbox returns a unique reply subject
func NewInbox() string {
	return "_inbox." + uuid.NewString()
}

// PublishJSON encodes v and publishes it on subject
func PublishJSON(ctx context.Context, bus Bus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", subject, err)
	}
	return bus.Publish(ctx, Message{Subject: subject, Data: data})
}

// Reply encodes v and publishes it to the reply address of msg.
// Messages without a reply address are ignored.
func Reply(ctx context.Context, bus Bus, msg Message, v any) error {
	if msg.ReplyTo == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	return bus.Publish(ctx, Message{Subject: msg.ReplyTo, Data: data})
}
