package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when subscribing to a hub that has stopped.
var ErrClosed = errors.New("hub: closed")

// Hub maintains the set of active subscribers and broadcasts messages to them
type Hub struct {
	// Name for logging
	name string
	log  *slog.Logger

	// Registered subscribers
	subs map[*Subscription]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from subscribers
	register chan *Subscription

	// Unregister requests from subscribers
	unregister chan *Subscription

	// Closed when Run returns
	done chan struct{}

	// Mutex for subscriber count (read-only access from outside)
	mu sync.RWMutex

	dropped atomic.Int64
}

// New creates a new Hub
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		log:        logger.With("hub", name),
		subs:       make(map[*Subscription]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
// On return every subscriber channel is closed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for sub := range h.subs {
			close(sub.send)
			delete(h.subs, sub)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub] = true
			count := len(h.subs)
			h.mu.Unlock()
			h.log.Debug("subscriber connected", "total", count)

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.send)
			}
			count := len(h.subs)
			h.mu.Unlock()
			h.log.Debug("subscriber disconnected", "remaining", count)

		case message := <-h.broadcast:
			h.mu.RLock()
			for sub := range h.subs {
				select {
				case sub.send <- message:
				default:
					// Slow subscriber: skip this message, keep the subscriber.
					h.dropped.Add(1)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// Returns ErrClosed once the hub has stopped.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		hub:  h,
		send: make(chan Message, buffer),
	}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrClosed
	}
}

// Broadcast sends a message to all connected subscribers
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.log.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastJSON encodes and broadcasts a JSON message
func (h *Hub) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(data))
	return nil
}

// BroadcastBinary broadcasts binary data (camera frames)
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(NewBinaryMessage(data))
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Subscription receives broadcast messages until closed.
type Subscription struct {
	hub  *Hub
	send chan Message
	once sync.Once
}

// C returns the message channel. It is closed when the subscription
// ends, either through Close or because the hub stopped.
func (s *Subscription) C() <-chan Message {
	return s.send
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
	})
}
