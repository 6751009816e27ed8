// Package client implements the editor-side collaboration session: one
// logical connection to the collaboration server for a single thumbnail,
// with automatic reconnection and local mirrors of the room state.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Collaborator is one remote participant in the room.
type Collaborator struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// CursorPosition is a remote cursor in percentage coordinates (0-100).
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ChatEntry is one line of the room transcript.
type ChatEntry struct {
	UserID    string
	Username  string
	Color     string
	Message   string
	Timestamp string
}

type clientFrame struct {
	Type        string `json:"type"`
	ThumbnailID string `json:"thumbnailId,omitempty"`
	Username    string `json:"username,omitempty"`
	Data        any    `json:"data,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// serverFrame is the superset of every server frame shape. Timestamp stays
// raw because edits carry a number and chat carries an RFC 3339 string.
type serverFrame struct {
	Type             string          `json:"type"`
	UserID           string          `json:"userId"`
	Username         string          `json:"username"`
	Color            string          `json:"color"`
	Users            []Collaborator  `json:"users"`
	Data             json.RawMessage `json:"data"`
	Timestamp        json.RawMessage `json:"timestamp"`
	CurrentTimestamp int64           `json:"currentTimestamp"`
	CurrentData      json.RawMessage `json:"currentData"`
	Accepted         bool            `json:"accepted"`
	Reason           string          `json:"reason"`
}

// Session owns the socket for one thumbnail. It reconnects forever on a
// fixed delay; every Send method is a silent no-op while disconnected.
type Session struct {
	URL         string
	ThumbnailID string
	Username    string

	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration

	// CursorInterval bounds cursor emission to one frame per window.
	CursorInterval time.Duration

	// OnConflict fires when the server rejects a locally authored edit,
	// with the currently winning payload and the rejected timestamp.
	OnConflict func(currentData json.RawMessage, rejectedTimestamp int64)

	// OnRemoteEdit and OnSync hand accepted remote payloads to the canvas.
	OnRemoteEdit func(userID string, data json.RawMessage, timestamp int64)
	OnSync       func(userID string, data json.RawMessage)

	mu            sync.Mutex
	writeMu       sync.Mutex
	ws            *websocket.Conn
	connected     bool
	userID        string
	color         string
	collaborators map[string]Collaborator
	cursors       map[string]CursorPosition
	selections    map[string]string
	chat          []ChatEntry
	lastCursor    time.Time
	cancel        context.CancelFunc
}

func New(url, thumbnailID, username string) *Session {
	return &Session{
		URL:            url,
		ThumbnailID:    thumbnailID,
		Username:       username,
		ReconnectDelay: 3 * time.Second,
		CursorInterval: 50 * time.Millisecond,
		collaborators:  make(map[string]Collaborator),
		cursors:        make(map[string]CursorPosition),
		selections:     make(map[string]string),
	}
}

// Connect starts the session loop. It returns immediately; the loop dials,
// joins on the server's connected frame, and redials after every drop
// until ctx is cancelled or Close is called. Calling Connect again once
// the loop is running (or after Close) is a no-op.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ws := s.ws
	s.ws = nil
	s.connected = false
	s.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
}

func (s *Session) run(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.ReconnectDelay), ctx)

	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, nil)
		if err != nil {
			slog.Debug("dial failed", "url", s.URL, "error", err)
		} else {
			s.mu.Lock()
			s.ws = ws
			s.connected = true
			s.mu.Unlock()

			s.readLoop(ws)

			s.mu.Lock()
			s.ws = nil
			s.connected = false
			s.mu.Unlock()
			ws.Close()
		}

		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("invalid server frame", "error", err)
		return
	}

	switch frame.Type {
	case "connected":
		s.mu.Lock()
		s.userID = frame.UserID
		s.color = frame.Color
		s.mu.Unlock()
		s.writeFrame(clientFrame{Type: "join", ThumbnailID: s.ThumbnailID, Username: s.Username})

	case "presence":
		s.mu.Lock()
		s.collaborators = make(map[string]Collaborator, len(frame.Users))
		for _, u := range frame.Users {
			s.collaborators[u.UserID] = u
		}
		// Leave frames can be missed while disconnected, so the snapshot
		// is authoritative: drop mirror entries for anyone not in it.
		for id := range s.cursors {
			if _, present := s.collaborators[id]; !present {
				delete(s.cursors, id)
			}
		}
		for id := range s.selections {
			if _, present := s.collaborators[id]; !present {
				delete(s.selections, id)
			}
		}
		s.mu.Unlock()

	case "join":
		s.mu.Lock()
		s.collaborators[frame.UserID] = Collaborator{UserID: frame.UserID, Username: frame.Username, Color: frame.Color}
		s.mu.Unlock()

	case "leave":
		s.mu.Lock()
		delete(s.collaborators, frame.UserID)
		delete(s.cursors, frame.UserID)
		delete(s.selections, frame.UserID)
		s.mu.Unlock()

	case "cursor":
		var pos CursorPosition
		if err := json.Unmarshal(frame.Data, &pos); err != nil {
			return
		}
		s.mu.Lock()
		s.cursors[frame.UserID] = pos
		s.mu.Unlock()

	case "selection":
		var sel struct {
			LayerID *string `json:"layerId"`
		}
		if err := json.Unmarshal(frame.Data, &sel); err != nil {
			return
		}
		s.mu.Lock()
		if sel.LayerID == nil {
			delete(s.selections, frame.UserID)
		} else {
			s.selections[frame.UserID] = *sel.LayerID
		}
		s.mu.Unlock()

	case "chat":
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return
		}
		var ts string
		json.Unmarshal(frame.Timestamp, &ts)
		s.mu.Lock()
		s.chat = append(s.chat, ChatEntry{
			UserID:    frame.UserID,
			Username:  frame.Username,
			Color:     frame.Color,
			Message:   body.Message,
			Timestamp: ts,
		})
		s.mu.Unlock()

	case "edit":
		if s.OnRemoteEdit != nil {
			s.OnRemoteEdit(frame.UserID, frame.Data, rawInt64(frame.Timestamp))
		}

	case "sync":
		if s.OnSync != nil {
			s.OnSync(frame.UserID, frame.Data)
		}

	case "edit_rejected":
		if s.OnConflict != nil {
			s.OnConflict(frame.CurrentData, rawInt64(frame.Timestamp))
		}
	}
}

func rawInt64(raw json.RawMessage) int64 {
	var v int64
	json.Unmarshal(raw, &v)
	return v
}

// SendCursor emits the local cursor position, throttled to one frame per
// CursorInterval of movement.
func (s *Session) SendCursor(x, y float64) {
	s.mu.Lock()
	if !s.connected || time.Since(s.lastCursor) < s.CursorInterval {
		s.mu.Unlock()
		return
	}
	s.lastCursor = time.Now()
	s.mu.Unlock()

	s.writeFrame(clientFrame{Type: "cursor", Data: CursorPosition{X: x, Y: y}})
}

func (s *Session) SendEdit(data any) {
	s.writeFrame(clientFrame{Type: "edit", Data: data, Timestamp: time.Now().UnixMilli()})
}

func (s *Session) SendSync(data any) {
	s.writeFrame(clientFrame{Type: "sync", Data: data})
}

func (s *Session) SendChat(text string) {
	s.writeFrame(clientFrame{Type: "chat", Data: map[string]string{"message": text}})
}

// SendSelection announces the locally selected layer; pass nil to clear
// the selection for other participants.
func (s *Session) SendSelection(layerID *string) {
	s.writeFrame(clientFrame{Type: "selection", Data: map[string]*string{"layerId": layerID}})
}

func (s *Session) writeFrame(frame clientFrame) {
	s.mu.Lock()
	ws := s.ws
	connected := s.connected
	s.mu.Unlock()

	if !connected || ws == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ws.WriteJSON(frame); err != nil {
		slog.Debug("write failed", "error", err)
	}
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Color() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.color
}

func (s *Session) Collaborators() []Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Collaborator, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		out = append(out, c)
	}
	return out
}

func (s *Session) Cursors() map[string]CursorPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CursorPosition, len(s.cursors))
	for id, pos := range s.cursors {
		out[id] = pos
	}
	return out
}

func (s *Session) Selections() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.selections))
	for id, layer := range s.selections {
		out[id] = layer
	}
	return out
}

func (s *Session) Chat() []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatEntry, len(s.chat))
	copy(out, s.chat)
	return out
}
