// Package transport provides the publish/subscribe transports widgets and
// producers use to talk to the dashboard: an in-process bus, the dashboard's
// WebSocket, Redis and MQTT.
package transport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/markus-barta/wipboard/internal/protocol"
)

// Handler receives events for a subscription.
type Handler func(protocol.Event)

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, e protocol.Event) error
}

// ErrNotConnected is returned when a message cannot be sent because the
// transport has no live connection.
var ErrNotConnected = errors.New("transport: not connected")

type subscription struct {
	id      string
	topic   protocol.Topic
	handler Handler
}

// Bus is an in-process transport. Publish delivers synchronously, so events
// reach each subscriber in publish order.
type Bus struct {
	log  zerolog.Logger
	mu   sync.RWMutex
	subs []subscription
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "bus").Logger()}
}

// Subscribe registers handler for topic until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error {
	id := b.Add(topic, handler)
	go func() {
		<-ctx.Done()
		b.Remove(id)
	}()
	return nil
}

// Add registers handler for topic and returns an ID for Remove.
func (b *Bus) Add(topic protocol.Topic, handler Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})
	b.mu.Unlock()
	return id
}

// Remove drops a subscription. Unknown IDs are ignored.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	b.subs = lo.Reject(b.subs, func(s subscription, _ int) bool { return s.id == id })
	b.mu.Unlock()
}

// Publish delivers e to every matching subscription.
func (b *Bus) Publish(_ context.Context, e protocol.Event) error {
	b.mu.RLock()
	matched := lo.Filter(b.subs, func(s subscription, _ int) bool { return s.topic.Matches(e) })
	b.mu.RUnlock()

	for _, s := range matched {
		s.handler(e)
	}
	b.log.Debug().
		Str("project", e.Project).
		Str("plugin", e.Plugin).
		Str("key", e.Key).
		Int("subscribers", len(matched)).
		Msg("event published")
	return nil
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
