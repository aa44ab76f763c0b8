// Package hub fans device-origin events out to observer connections.
// Delivery is best-effort: a slow or dead observer never stalls the
// publishing path or other observers.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/fleetgate/pkg/protocol"
)

// Observer is one subscribed connection. Its send channel is drained by the
// connection's write pump; the hub only ever does non-blocking sends on it.
type Observer struct {
	id   string
	send chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

// Subscribed reports whether the observer wants the given topic.
func (o *Observer) Subscribed(topic string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.topics[topic] || o.topics[protocol.TopicAll]
}

// Hub is the broadcast fan-out for device lifecycle and data events.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{observers: make(map[string]*Observer)}
}

// Register adds an observer connection with no subscriptions.
func (h *Hub) Register(id string, send chan []byte) *Observer {
	o := &Observer{id: id, send: send, topics: make(map[string]bool)}
	h.mu.Lock()
	h.observers[id] = o
	n := len(h.observers)
	h.mu.Unlock()
	slog.Info("observer connected", "observer", id, "total", n)
	return o
}

// Unregister removes an observer connection.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.observers, id)
	n := len(h.observers)
	h.mu.Unlock()
	slog.Info("observer disconnected", "observer", id, "total", n)
}

// Subscribe adds topics to an observer's filter.
func (h *Hub) Subscribe(id string, topics ...string) {
	h.mu.RLock()
	o, ok := h.observers[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	o.mu.Lock()
	for _, t := range topics {
		o.topics[t] = true
	}
	o.mu.Unlock()
	slog.Debug("observer subscribed", "observer", id, "topics", topics)
}

// Unsubscribe removes topics from an observer's filter.
func (h *Hub) Unsubscribe(id string, topics ...string) {
	h.mu.RLock()
	o, ok := h.observers[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	o.mu.Lock()
	for _, t := range topics {
		delete(o.topics, t)
	}
	o.mu.Unlock()
}

// Publish delivers an event to every observer subscribed to the topic (or
// to "all"). The envelope is marshalled once. When an observer's channel is
// full the oldest queued message is dropped to make room; if it is still
// full the event is skipped for that observer.
func (h *Hub) Publish(topic string, data any) {
	payload, err := json.Marshal(protocol.NewUpdate(topic, data))
	if err != nil {
		slog.Error("marshal update failed", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.observers {
		if !o.Subscribed(topic) {
			continue
		}
		select {
		case o.send <- payload:
		default:
			// Drop the oldest queued message to make room.
			select {
			case <-o.send:
			default:
			}
			select {
			case o.send <- payload:
			default:
				slog.Warn("observer channel full, dropping event", "observer", o.id, "topic", topic)
			}
		}
	}
}

// ObserverCount returns the number of registered observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}
