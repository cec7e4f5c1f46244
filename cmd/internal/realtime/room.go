package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
//
// Unlike a connection, a room does not own its members: one session can be
// subscribed to many rooms, so removing a member never shuts the client down.
type Room struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Add subscribes a client to the room.
func (r *Room) Add(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.add", "room_id", r.ID, "session_id", client.SessionID)
}

// Remove unsubscribes a session from the room.
func (r *Room) Remove(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.remove", "room_id", r.ID, "session_id", sessionID)
	}
}

// Has reports whether a session is subscribed.
func (r *Room) Has(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Size returns the current member count.
func (r *Room) Size() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an event out to all members.
// Non-blocking: if a member queue is full or the client is shutting down, the
// event is dropped for that member rather than blocking the whole room.
func (r *Room) Broadcast(eventType string, data json.RawMessage) {
	if r == nil {
		return
	}

	raw, err := json.Marshal(v1.Broadcast{RoomID: r.ID, EventType: eventType, Data: data})
	if err != nil {
		r.log.Error("room.broadcast.marshal.fail", "room_id", r.ID, "err", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- raw:
			broadcastsTotal.WithLabelValues(eventType).Inc()
		default:
			broadcastDropsTotal.WithLabelValues(eventType).Inc()
		}
	}
}
