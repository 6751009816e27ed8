package protocol

import (
	"encoding/json"
	"log/slog"
	"time"

	"thumbstudio-collab-server/arbiter"
	"thumbstudio-collab-server/domain"
	"thumbstudio-collab-server/hub"
	"thumbstudio-collab-server/metrics"
)

// Handler is the message router: it parses inbound frames and dispatches
// them to the hub and the edit arbiter.
type Handler struct {
	hub     *hub.Hub
	arbiter *arbiter.Arbiter
	now     func() time.Time
}

func NewHandler(h *hub.Hub, a *arbiter.Arbiter) *Handler {
	return &Handler{hub: h, arbiter: a, now: time.Now}
}

// Open registers the connection and tells it its assigned identity.
func (h *Handler) Open(conn domain.Connection) {
	color := h.hub.Register(conn)
	h.send(conn, connectedFrame{Type: "connected", UserID: conn.ID(), Color: color})
}

// Close removes the connection. Remaining room members receive exactly one
// leave frame; a connection that never joined leaves silently.
func (h *Handler) Close(conn domain.Connection) {
	document, username, wasJoined := h.hub.Unregister(conn)
	if !wasJoined {
		return
	}
	h.broadcast(document, "", leaveFrame{Type: "leave", UserID: conn.ID(), Username: username})
}

// Handle processes one inbound frame. Malformed frames are logged and
// dropped without closing the connection; unknown types are ignored for
// forward compatibility. Every parsed frame refreshes the connection's
// activity timestamp.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("invalid frame", "clientId", conn.ID(), "error", err)
		return
	}

	h.hub.Touch(conn.ID())

	switch frame.Type {
	case "join":
		h.handleJoin(conn, frame)
	case "cursor", "selection":
		h.relayTagged(conn, frame.Type, frame.Data)
	case "sync":
		h.relaySync(conn, frame.Data)
	case "edit":
		h.handleEdit(conn, frame)
	case "chat":
		h.handleChat(conn, frame)
	default:
		metrics.Frames.WithLabelValues("unknown").Inc()
		return
	}
	metrics.Frames.WithLabelValues(frame.Type).Inc()
}

func (h *Handler) handleJoin(conn domain.Connection, frame domain.Frame) {
	if frame.ThumbnailID == "" {
		return
	}

	prev, prevUsername, moved := h.hub.Join(conn, frame.ThumbnailID, frame.Username)
	if moved {
		h.broadcast(prev, "", leaveFrame{Type: "leave", UserID: conn.ID(), Username: prevUsername})
	}

	h.broadcast(frame.ThumbnailID, conn.ID(), joinFrame{
		Type:     "join",
		UserID:   conn.ID(),
		Username: frame.Username,
		Color:    domain.ColorFor(conn.ID()),
	})

	members := h.hub.Members(frame.ThumbnailID)
	users := make([]User, 0, len(members))
	for _, m := range members {
		users = append(users, User{UserID: m.ID, Username: m.Username, Color: m.Color})
	}
	h.send(conn, presenceFrame{Type: "presence", Users: users})
}

// relayTagged fans out cursor and selection frames to the rest of the room,
// tagged with the sender's identity. A selection with a null layerId is
// forwarded as-is so other clients clear that user's highlight.
func (h *Handler) relayTagged(conn domain.Connection, frameType string, data json.RawMessage) {
	document, info, joined := h.hub.Lookup(conn.ID())
	if !joined {
		return
	}
	h.broadcast(document, conn.ID(), relayFrame{
		Type:     frameType,
		UserID:   info.ID,
		Username: info.Username,
		Color:    info.Color,
		Data:     data,
	})
}

// relaySync forwards a full-state payload to the rest of the room with no
// conflict check.
func (h *Handler) relaySync(conn domain.Connection, data json.RawMessage) {
	document, _, joined := h.hub.Lookup(conn.ID())
	if !joined {
		return
	}
	h.broadcast(document, conn.ID(), relayFrame{Type: "sync", UserID: conn.ID(), Data: data})
}

func (h *Handler) handleEdit(conn domain.Connection, frame domain.Frame) {
	document, info, joined := h.hub.Lookup(conn.ID())
	if !joined {
		return
	}

	timestamp := frame.Timestamp
	if timestamp == 0 {
		timestamp = h.now().UnixMilli()
	}

	result := h.arbiter.Submit(document, frame.Data, timestamp, conn.ID())
	if !result.Accepted {
		metrics.Edits.WithLabelValues("rejected").Inc()
		h.send(conn, editRejectedFrame{
			Type:             "edit_rejected",
			Timestamp:        timestamp,
			CurrentTimestamp: result.CurrentTimestamp,
			CurrentData:      result.CurrentData,
			Reason:           "Newer edit exists",
		})
		return
	}

	metrics.Edits.WithLabelValues("accepted").Inc()
	h.broadcast(document, conn.ID(), editFrame{
		Type:      "edit",
		UserID:    info.ID,
		Username:  info.Username,
		Data:      frame.Data,
		Timestamp: timestamp,
		Accepted:  true,
	})
	h.send(conn, editAckFrame{Type: "edit_ack", Timestamp: timestamp, Accepted: true})
}

// handleChat relays a chat line to the whole room, sender included, with a
// server-assigned timestamp. The client does not locally echo.
func (h *Handler) handleChat(conn domain.Connection, frame domain.Frame) {
	document, info, joined := h.hub.Lookup(conn.ID())
	if !joined {
		return
	}
	h.broadcast(document, "", chatFrame{
		Type:      "chat",
		UserID:    info.ID,
		Username:  info.Username,
		Color:     info.Color,
		Data:      frame.Data,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) send(conn domain.Connection, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	conn.Send(data)
}

func (h *Handler) broadcast(thumbnailID, excludeID string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("marshal error", "room", thumbnailID, "error", err)
		return
	}
	h.hub.Broadcast(thumbnailID, excludeID, data)
}
