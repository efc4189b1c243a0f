package ws

import (
	"sync"

	"sohbet/internal/models"
)

// Subscription is one connection's membership in a room's broadcast set.
type Subscription struct {
	room string
	out  chan models.ServerEvent
}

// Hub fans server events out to the connections subscribed to each room.
// Delivery is fire-and-forget: a subscriber whose outbox is full misses the
// event instead of blocking the room.
type Hub struct {
	rooms map[string]map[*Subscription]bool
	mu    sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Subscription]bool),
	}
}

func (h *Hub) Subscribe(room string, out chan models.ServerEvent) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{room: room, out: out}
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*Subscription]bool)
		h.rooms[room] = subs
	}
	subs[sub] = true
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.rooms[sub.room]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, sub.room)
	}
}

// Broadcast delivers the event to every subscriber of the room.
func (h *Hub) Broadcast(room string, ev models.ServerEvent) {
	h.broadcast(room, nil, ev)
}

// BroadcastExcept delivers the event to every subscriber of the room but one.
func (h *Hub) BroadcastExcept(room string, except *Subscription, ev models.ServerEvent) {
	h.broadcast(room, except, ev)
}

func (h *Hub) broadcast(room string, except *Subscription, ev models.ServerEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[room] {
		if sub == except {
			continue
		}
		select {
		case sub.out <- ev:
		default:
			// Slow subscriber, drop rather than stall the room.
		}
	}
}
