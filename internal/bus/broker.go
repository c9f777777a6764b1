// Package bus implements the external message-bus fabric (§4.5/§6):
// per-market request channels (offer/delete_offer/accept_offer), a
// notify_event channel publishing listener events, and a bounded worker
// pool dispatching inbound requests against the matching market.
package bus

import (
	"log/slog"
	"sync"
)

// Broker is an in-process publish/subscribe hub keyed by channel name.
// It plays the role the external bus plays in production — in-process
// wiring for tests and single-binary deployments, with the same
// subscribe/publish shape a real bus client would expose.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	logger      *slog.Logger
}

// NewBroker creates an empty Broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string][]chan []byte),
		logger:      logger.With("component", "bus-broker"),
	}
}

// Subscribe returns a channel receiving every message published on
// channel from this point forward. The channel is buffered; a slow
// subscriber has messages dropped rather than blocking the publisher.
func (b *Broker) Subscribe(channel string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 256)
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	return ch
}

// Publish delivers data to every current subscriber of channel,
// dropping it for any subscriber whose buffer is full rather than
// blocking.
func (b *Broker) Publish(channel string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- data:
		default:
			b.logger.Warn("subscriber channel full, dropping message", "channel", channel)
		}
	}
}

// Close unregisters every subscriber, closing their channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, chans := range b.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subscribers = make(map[string][]chan []byte)
}
