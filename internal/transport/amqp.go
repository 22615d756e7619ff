package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/taskbroker/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus routes subjects through a RabbitMQ topic exchange. Fan-out
// subscribers get a private auto-delete queue; groups share a named queue
// so RabbitMQ load-balances deliveries among the group.
type AMQPBus struct {
	client *rabbitmq.Client
	logger *slog.Logger
	prefix string

	mu   sync.Mutex
	subs map[*amqpSub]struct{}

	// lost holds the error that closed the publishing channel
	lost atomic.Pointer[amqp.Error]
}

type amqpSub struct {
	bus     *AMQPBus
	channel *amqp.Channel
	once    sync.Once
}

// NewAMQPBus wraps a connected RabbitMQ client. queuePrefix namespaces the
// shared group queues.
func NewAMQPBus(client *rabbitmq.Client, queuePrefix string, logger *slog.Logger) *AMQPBus {
	b := &AMQPBus{
		client: client,
		logger: logger.With("component", "amqp-bus"),
		prefix: queuePrefix,
		subs:   make(map[*amqpSub]struct{}),
	}
	if closed := client.NotifyClose(); closed != nil {
		go b.watchClose(closed)
	}
	return b
}

// watchClose records a server or network initiated channel closure. A
// graceful Close closes the channel without an error.
func (b *AMQPBus) watchClose(closed <-chan *amqp.Error) {
	for err := range closed {
		if err == nil {
			continue
		}
		b.lost.Store(err)
		b.logger.Error("RabbitMQ publishing channel closed",
			slog.Int("code", err.Code),
			slog.String("reason", err.Reason),
			slog.Bool("server", err.Server),
		)
	}
}

// HealthCheck fails when the connection or the publishing channel is gone
func (b *AMQPBus) HealthCheck(_ context.Context) error {
	if err := b.lost.Load(); err != nil {
		return fmt.Errorf("rabbitmq channel closed: %s", err.Reason)
	}
	if !b.client.IsConnected() {
		return fmt.Errorf("rabbitmq is not connected")
	}
	return nil
}

// Publish sends msg with its subject as routing key
func (b *AMQPBus) Publish(ctx context.Context, msg Message) error {
	if err := b.client.Publish(ctx, msg.Subject, msg.ReplyTo, msg.Data, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe declares and consumes the queue backing subject/group
func (b *AMQPBus) Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error) {
	opts := rabbitmq.QueueOptions{
		BindingKey: subject,
		AutoDelete: true,
		Exclusive:  true,
	}
	if group != "" {
		opts = rabbitmq.QueueOptions{
			Name:       b.groupQueue(subject, group),
			BindingKey: subject,
			Durable:    true,
		}
	}

	deliveries, ch, err := b.client.Consume(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}

	s := &amqpSub{bus: b, channel: ch}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.Unsubscribe()
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Debug("Delivery channel closed", slog.String("subject", subject))
					return
				}
				handler(ctx, Message{Subject: d.RoutingKey, ReplyTo: d.ReplyTo, Data: d.Body})
			}
		}
	}()

	return s, nil
}

// Close cancels every consumer and closes the client
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	subs := make([]*amqpSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return b.client.Close()
}

func (b *AMQPBus) groupQueue(subject, group string) string {
	name := group + "." + subject
	if b.prefix != "" {
		name = b.prefix + "." + name
	}
	return strings.ToLower(name)
}

// Unsubscribe closes the consumer channel
func (s *amqpSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.channel.Close()
	})
	return err
}
