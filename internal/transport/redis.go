package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries messages over Redis pub/sub. Redis has no consumer
// groups, so group subscribers all receive every message; broker handlers
// are idempotent under that duplication.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

type redisSub struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	once   sync.Once
}

// envelope keeps the reply address next to the payload
type envelope struct {
	ReplyTo string `json:"reply_to,omitempty"`
	Data    []byte `json:"data"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Connected to Redis", slog.String("addr", cfg.Addr), slog.Int("db", cfg.DB))

	return &RedisBus{
		rdb:    rdb,
		logger: logger.With("component", "redis-bus"),
		subs:   make(map[*redisSub]struct{}),
	}, nil
}

// Publish sends msg on the channel named by its subject
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(envelope{ReplyTo: msg.ReplyTo, Data: msg.Data})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, msg.Subject, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscribe listens on subject. group is accepted for interface parity.
func (b *RedisBus) Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, subject)

	// wait for confirmation so replies published right after are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}

	s := &redisSub{bus: b, pubsub: pubsub}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.Unsubscribe()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.logger.Warn("Dropping malformed message",
						slog.String("subject", m.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				handler(ctx, Message{Subject: m.Channel, ReplyTo: env.ReplyTo, Data: env.Data})
			}
		}
	}()

	return s, nil
}

// HealthCheck pings the Redis server
func (b *RedisBus) HealthCheck(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes every subscription and the client
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return b.rdb.Close()
}

// Unsubscribe closes the pub/sub connection
func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}
