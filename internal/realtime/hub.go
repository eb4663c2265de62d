// Package realtime pushes alert and notification events to connected users over websockets.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types exchanged on the channel.
const (
	EventNotification  = "notification"
	EventAlert         = "alert"
	EventAlertResolved = "alert_resolved"
	EventPing          = "ping"
	EventPong          = "pong"
)

const defaultSendBuffer = 32

// Event is one frame on the channel.
type Event struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	SentAt time.Time       `json:"sentAt"`
}

// NewEvent encodes data into an event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	event := Event{Type: eventType, SentAt: time.Now().UTC()}
	if data == nil {
		return event, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	event.Data = raw
	return event, nil
}

// Subscription is one connection's membership in its user's group.
type Subscription struct {
	ID     string
	UserID string

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events yields events published to the subscription's user.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the hub drops the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// HubStats is a point-in-time view of the hub.
type HubStats struct {
	Users       int
	Connections int
	Published   uint64
	Dropped     uint64
}

// Hub keeps a private group of subscriptions per user.
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]map[*Subscription]struct{}
	sendBuffer int
	closed     bool
	logger     *zap.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose subscriptions buffer up to sendBuffer events.
func NewHub(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		groups:     make(map[string]map[*Subscription]struct{}),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Subscribe joins a new connection to userID's group. It returns nil once the hub is closed.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		events: make(chan Event, h.sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	group, ok := h.groups[userID]
	if !ok {
		group = make(map[*Subscription]struct{})
		h.groups[userID] = group
	}
	group[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub from its group.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	sub.close()
	group := h.groups[sub.UserID]
	delete(group, sub)
	if len(group) == 0 {
		delete(h.groups, sub.UserID)
	}
}

// Publish fans event out to every connection of userID and returns how many accepted it.
// A connection whose buffer is full misses the event.
func (h *Hub) Publish(userID string, event Event) int {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.groups[userID] {
		select {
		case sub.events <- event:
			delivered++
		default:
			h.dropped.Add(1)
			h.logger.Warn("realtime send buffer full; event dropped",
				zap.String("user_id", userID),
				zap.String("connection_id", sub.ID),
				zap.String("event_type", event.Type),
			)
		}
	}
	h.published.Add(uint64(delivered))
	return delivered
}

// Disconnect drops every connection of userID.
func (h *Hub) Disconnect(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[userID]
	count := len(group)
	for sub := range group {
		h.removeLocked(sub)
	}
	return count
}

// UserConnections returns the number of live connections of userID.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

// Stats returns hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := HubStats{
		Users:     len(h.groups),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
	}
	for _, group := range h.groups {
		stats.Connections += len(group)
	}
	return stats
}

// Close drops every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, group := range h.groups {
		for sub := range group {
			h.removeLocked(sub)
		}
	}
}
