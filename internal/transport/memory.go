package transport

import (
	"context"
	"sync"
)

const memoryBuffer = 1024

// MemoryBus is an in-process Bus. It backs tests and single-binary setups.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	next   map[string]int
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	group   string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus creates an empty in-memory bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*memorySub),
		next: make(map[string]int),
	}
}

// Publish delivers msg to every fan-out subscriber and to one member of each group
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}

	var targets []*memorySub
	groups := make(map[string][]*memorySub)
	for _, s := range b.subs[msg.Subject] {
		if s.group == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.group] = append(groups[s.group], s)
	}
	for group, members := range groups {
		key := msg.Subject + "|" + group
		targets = append(targets, members[b.next[key]%len(members)])
		b.next[key]++
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe registers handler for subject
func (b *MemoryBus) Subscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	s := &memorySub{
		bus:     b,
		subject: subject,
		group:   group,
		ch:      make(chan Message, memoryBuffer),
		done:    make(chan struct{}),
	}
	b.subs[subject] = append(b.subs[subject], s)

	go s.run(ctx, handler)

	return s, nil
}

// Close stops every subscription
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	return nil
}

// HealthCheck fails once the bus is closed
func (b *MemoryBus) HealthCheck(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Subscribers returns the number of live subscriptions on subject
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (s *memorySub) run(ctx context.Context, handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Unsubscribe()
			return
		case msg := <-s.ch:
			handler(ctx, msg)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription from the bus
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.subject]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.subs[s.subject]) == 0 {
		delete(s.bus.subs, s.subject)
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}
