package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"thumbstudio-collab-server/domain"
	"thumbstudio-collab-server/metrics"
)

type member struct {
	conn       domain.Connection
	username   string
	color      string
	document   string
	lastActive time.Time
}

// MemberInfo is the presence view of one connection.
type MemberInfo struct {
	ID       string
	Username string
	Color    string
}

// Hub is the connection registry and room directory. A connection belongs
// to at most one room; joining another room leaves the previous one.
type Hub struct {
	members map[string]*member            // connectionId -> member
	rooms   map[string]map[string]*member // thumbnailId -> connectionId -> member
	mu      sync.RWMutex
	now     func() time.Time
}

func New() *Hub {
	return &Hub{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]*member),
		now:     time.Now,
	}
}

// Register records a new connection and returns its assigned color.
func (h *Hub) Register(conn domain.Connection) string {
	color := domain.ColorFor(conn.ID())

	h.mu.Lock()
	h.members[conn.ID()] = &member{conn: conn, color: color, lastActive: h.now()}
	count := len(h.members)
	h.mu.Unlock()

	metrics.Connections.Inc()
	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
	return color
}

// Unregister removes the connection from the registry and its room. It
// returns the room and username the connection held so the caller can
// broadcast the departure.
func (h *Hub) Unregister(conn domain.Connection) (document, username string, wasJoined bool) {
	h.mu.Lock()
	m, exists := h.members[conn.ID()]
	if !exists {
		h.mu.Unlock()
		return "", "", false
	}
	delete(h.members, conn.ID())
	document, username = m.document, m.username
	wasJoined = document != ""
	if wasJoined {
		h.removeFromRoomLocked(conn.ID(), document)
	}
	count := len(h.members)
	h.mu.Unlock()

	metrics.Connections.Dec()
	slog.Info("client disconnected", "clientId", conn.ID(), "clients", count)
	return document, username, wasJoined
}

// Join moves the connection into the room for thumbnailID, creating it on
// first use. When the connection was already in a different room it is
// removed from that one first; prev and prevUsername describe the
// membership it held there.
func (h *Hub) Join(conn domain.Connection, thumbnailID, username string) (prev, prevUsername string, moved bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, exists := h.members[conn.ID()]
	if !exists {
		return "", "", false
	}

	if m.document != "" && m.document != thumbnailID {
		prev = m.document
		prevUsername = m.username
		moved = true
		h.removeFromRoomLocked(conn.ID(), prev)
	}

	m.document = thumbnailID
	m.username = username
	m.lastActive = h.now()

	r, exists := h.rooms[thumbnailID]
	if !exists {
		r = make(map[string]*member)
		h.rooms[thumbnailID] = r
		metrics.Rooms.Inc()
	}
	r[conn.ID()] = m

	slog.Info("client joined room", "room", thumbnailID, "clientId", conn.ID(), "username", username, "clients", len(r))
	return prev, prevUsername, moved
}

// Lookup returns the room and presence info for a connection. joined is
// false for connections that never sent a join frame.
func (h *Hub) Lookup(id string) (document string, info MemberInfo, joined bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m, exists := h.members[id]
	if !exists || m.document == "" {
		return "", MemberInfo{}, false
	}
	return m.document, MemberInfo{ID: id, Username: m.username, Color: m.color}, true
}

// Members returns a snapshot of everyone in the room, in no particular
// order.
func (h *Hub) Members(thumbnailID string) []MemberInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rooms[thumbnailID]
	members := make([]MemberInfo, 0, len(r))
	for id, m := range r {
		members = append(members, MemberInfo{ID: id, Username: m.username, Color: m.color})
	}
	return members
}

// Broadcast sends data to every room member except excludeID. Pass an
// empty excludeID to reach the whole room.
func (h *Hub) Broadcast(thumbnailID, excludeID string, data []byte) {
	h.mu.RLock()
	r := h.rooms[thumbnailID]
	targets := make([]domain.Connection, 0, len(r))
	for id, m := range r {
		if id == excludeID {
			continue
		}
		targets = append(targets, m.conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			slog.Warn("send failed, closing connection", "clientId", conn.ID(), "error", err)
			conn.Close()
		}
	}
}

// Touch refreshes the connection's last-activity timestamp.
func (h *Hub) Touch(id string) {
	h.mu.Lock()
	if m, exists := h.members[id]; exists {
		m.lastActive = h.now()
	}
	h.mu.Unlock()
}

// ReapIdle closes every connection that has been inactive longer than
// timeout. Closing the socket drives the normal disconnect path, so room
// cleanup and the leave broadcast happen exactly as for a client-initiated
// close.
func (h *Hub) ReapIdle(timeout time.Duration) int {
	cutoff := h.now().Add(-timeout)

	h.mu.RLock()
	var idle []domain.Connection
	for _, m := range h.members {
		if m.lastActive.Before(cutoff) {
			idle = append(idle, m.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range idle {
		slog.Info("reaping idle connection", "clientId", conn.ID())
		conn.Close()
	}
	metrics.Reaped.Add(float64(len(idle)))
	return len(idle)
}

// Run sweeps for idle connections on a fixed interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.ReapIdle(timeout)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.members)
}

// removeFromRoomLocked deletes the connection from a room and drops the
// room once empty. Callers hold h.mu.
func (h *Hub) removeFromRoomLocked(id, thumbnailID string) {
	r, exists := h.rooms[thumbnailID]
	if !exists {
		return
	}
	delete(r, id)
	if len(r) == 0 {
		delete(h.rooms, thumbnailID)
		metrics.Rooms.Dec()
		slog.Info("room removed", "room", thumbnailID)
	}
}
