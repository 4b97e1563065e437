// Package bus is the in-process publish/subscribe fabric between the
// connection layer, the sync engine and its consumers. The engine
// subscribes to the "rt." and "conn." namespaces and publishes its own
// state changes under "conversation.", "message.", "typing.", "unread."
// and "engine.".
package bus

import (
	"strings"
	"sync"
)

// Bus fans events out by namespace prefix. Publishing never blocks: a
// subscriber that falls behind loses events, so consumers needing a
// consistent view re-read engine state rather than replaying the stream.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers the event to every subscriber whose namespace is a
// prefix of evt.Kind. Delivery is non-blocking; a full subscriber channel
// drops the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel receiving events under the given namespace
// prefix ("rt.", "conversation.", ...) plus an unsubscribe function.
// bufSize controls the channel buffer and with it how far the subscriber
// may lag before events are dropped.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
