// Package memory provides an in-process implementation of broker.Broker. It
// suits single-node deployments and tests; state is not shared across
// processes.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/agamim/portal-server-go/broker"
)

const (
	// DefaultHistorySize is the number of messages retained per topic for
	// resuming subscribers.
	DefaultHistorySize = 1024

	subscriberBuffer = 256
)

// Broker implements broker.Broker with per-topic history and buffered
// subscriber channels.
type Broker struct {
	mu           sync.Mutex
	topics       map[string]*topic
	historySize  int
	eventCounter int64
}

type topic struct {
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
}

type subscription struct {
	ch chan broker.MessageEnvelope
}

// Option configures a Broker.
type Option func(*Broker)

// WithHistorySize sets how many messages are retained per topic.
func WithHistorySize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		topics:      make(map[string]*topic),
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// topicLocked returns the named topic, creating it if needed. Callers hold b.mu.
func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	data = append([]byte(nil), data...)

	b.mu.Lock()
	defer b.mu.Unlock()

	// IDs are allocated under the lock so history order matches ID order.
	b.eventCounter++
	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter, 10),
		Data: data,
	}

	t := b.topicLocked(name)
	t.messages = append(t.messages, env)
	if over := len(t.messages) - b.historySize; over > 0 {
		t.messages = append([]broker.MessageEnvelope(nil), t.messages[over:]...)
	}
	for sub := range t.subscribers {
		select {
		case sub.ch <- env:
		default:
			// Subscriber is not keeping up; it misses this message.
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	t := b.topicLocked(name)
	var backlog []broker.MessageEnvelope
	if lastEventID != "" {
		idx := -1
		for i, msg := range t.messages {
			if msg.ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			b.mu.Unlock()
			return fmt.Errorf("%w: %q on topic %q", broker.ErrUnknownEventID, lastEventID, name)
		}
		backlog = append(backlog, t.messages[idx+1:]...)
	}
	sub := &subscription{ch: make(chan broker.MessageEnvelope, subscriberBuffer)}
	t.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(t.subscribers, sub)
		if len(t.subscribers) == 0 && len(t.messages) == 0 && b.topics[name] == t {
			delete(b.topics, name)
		}
		b.mu.Unlock()
	}()

	for _, env := range backlog {
		if err := handler(ctx, env); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Cleanup implements broker.Broker. Active subscribers stay attached.
func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	t.messages = nil
	if len(t.subscribers) == 0 {
		delete(b.topics, name)
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
