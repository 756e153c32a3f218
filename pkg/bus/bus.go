// Package bus provides the publish capability the core uses to fan out
// state changes to dashboards and off-process consumers.
//
// The core depends only on the Publisher interface; transports (in-proc
// channels, websocket, Kafka) are substitutable implementations.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Topic name builders. One stream per tenant for events and violations,
// one per session for deliberation progress.
func EventTopic(tenantID string) string     { return "tenants/" + tenantID + "/events" }
func ViolationTopic(tenantID string) string { return "tenants/" + tenantID + "/violations" }
func SessionTopic(sessionID string) string  { return "sessions/" + sessionID }

// Message is one published state change.
type Message struct {
	// Topic is the stream the message belongs to.
	Topic string `json:"topic"`

	// Type names the state change ("event.evaluated", "session.transition", ...).
	Type string `json:"type"`

	// TenantID scopes the message.
	TenantID string `json:"tenant_id"`

	// Payload is the JSON-serializable message body.
	Payload any `json:"payload"`

	// Timestamp is when the message was published.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the publish capability. Implementations must be safe for
// concurrent use and must not block the caller indefinitely.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Multi fans one publish out to several publishers. Errors are logged,
// not returned: a broken transport must not affect the others or the
// caller.
type Multi struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewMulti creates a fan-out publisher.
func NewMulti(publishers ...Publisher) *Multi {
	return &Multi{
		publishers: publishers,
		logger:     slog.Default().With("component", "bus.multi"),
	}
}

// Publish sends the message to every underlying publisher.
func (m *Multi) Publish(ctx context.Context, msg Message) error {
	for _, p := range m.publishers {
		if err := p.Publish(ctx, msg); err != nil {
			m.logger.Error("publish failed", "topic", msg.Topic, "type", msg.Type, "error", err)
		}
	}
	return nil
}

// Bus is the in-process publisher with channel-based subscriptions.
// Slow subscribers drop messages rather than blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	logger      *slog.Logger
}

// New creates an in-process bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Message),
		logger:      slog.Default().With("component", "bus"),
	}
}

// Publish delivers the message to every subscriber of its topic.
// Delivery is non-blocking; a full subscriber channel drops the message.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subscribers[msg.Topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			b.logger.Warn("subscriber channel full, dropping message",
				"topic", msg.Topic,
				"type", msg.Type,
			)
		}
	}
	return nil
}

// Subscribe returns a channel receiving messages for the topic and a
// cancel function that removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		subs := b.subscribers[topic]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}

	return ch, cancel
}
