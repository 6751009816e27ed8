package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thumbstudio-collab-server/arbiter"
	"thumbstudio-collab-server/domain"
	"thumbstudio-collab-server/hub"
	"thumbstudio-collab-server/protocol"
	ws "thumbstudio-collab-server/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newServer runs the real collaboration stack behind an httptest listener.
func newServer(t *testing.T) (wsURL string, broadcaster *hub.Hub) {
	t.Helper()

	broadcaster = hub.New()
	handler := protocol.NewHandler(broadcaster, arbiter.New())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.NewConn(uuid.New().String(), conn, handler).Start()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), broadcaster
}

func newSession(t *testing.T, url, thumbnailID, username string) *Session {
	t.Helper()
	s := New(url, thumbnailID, username)
	s.ReconnectDelay = 50 * time.Millisecond
	s.Connect(context.Background())
	t.Cleanup(s.Close)
	return s
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Connected() && s.UserID() != ""
	}, 2*time.Second, 10*time.Millisecond)
}

// rawClient is a hand-driven protocol peer for assertions the Session API
// abstracts away (frame counts, arbitrary timestamps).
type rawClient struct {
	ws     *websocket.Conn
	frames chan map[string]any
}

func dialRaw(t *testing.T, url, thumbnailID, username string) *rawClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	rc := &rawClient{ws: conn, frames: make(chan map[string]any, 64)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(rc.frames)
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				rc.frames <- frame
			}
		}
	}()

	require.Equal(t, "connected", rc.next(t)["type"])
	rc.send(t, map[string]any{"type": "join", "thumbnailId": thumbnailID, "username": username})
	require.Equal(t, "presence", rc.next(t)["type"])
	return rc
}

func (rc *rawClient) send(t *testing.T, frame map[string]any) {
	t.Helper()
	require.NoError(t, rc.ws.WriteJSON(frame))
}

func (rc *rawClient) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-rc.frames:
		require.True(t, ok, "connection closed while waiting for a frame")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// countOfType drains frames arriving within the window and counts one type.
func (rc *rawClient) countOfType(frameType string, window time.Duration) int {
	deadline := time.After(window)
	count := 0
	for {
		select {
		case frame, ok := <-rc.frames:
			if !ok {
				return count
			}
			if frame["type"] == frameType {
				count++
			}
		case <-deadline:
			return count
		}
	}
}

func TestSession_ConnectAndJoin(t *testing.T) {
	url, broadcaster := newServer(t)
	s := newSession(t, url, "thumb1", "Alice")

	waitConnected(t, s)

	assert.Contains(t, domain.Palette, s.Color())
	require.Eventually(t, func() bool {
		rooms, clients := broadcaster.Stats()
		return rooms == 1 && clients == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_CollaboratorsMirror(t *testing.T) {
	url, _ := newServer(t)
	alice := newSession(t, url, "thumb1", "Alice")
	waitConnected(t, alice)
	bob := newSession(t, url, "thumb1", "Bob")
	waitConnected(t, bob)

	require.Eventually(t, func() bool {
		return len(alice.Collaborators()) == 2 && len(bob.Collaborators()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	names := map[string]bool{}
	for _, c := range bob.Collaborators() {
		names[c.Username] = true
	}
	assert.True(t, names["Alice"] && names["Bob"])

	// Closing Bob removes him from Alice's mirror via the leave broadcast.
	bob.Close()
	require.Eventually(t, func() bool {
		return len(alice.Collaborators()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_ChatTranscript(t *testing.T) {
	url, _ := newServer(t)
	alice := newSession(t, url, "thumb1", "Alice")
	waitConnected(t, alice)
	bob := newSession(t, url, "thumb1", "Bob")
	waitConnected(t, bob)

	alice.SendChat("hello there")

	for _, s := range []*Session{alice, bob} {
		require.Eventually(t, func() bool {
			return len(s.Chat()) == 1
		}, 2*time.Second, 10*time.Millisecond, "chat reaches the whole room, sender included")
		entry := s.Chat()[0]
		assert.Equal(t, "Alice", entry.Username)
		assert.Equal(t, "hello there", entry.Message)
		_, err := time.Parse(time.RFC3339, entry.Timestamp)
		assert.NoError(t, err)
	}
}

func TestSession_CursorThrottle(t *testing.T) {
	url, _ := newServer(t)
	alice := newSession(t, url, "thumb1", "Alice")
	alice.CursorInterval = 300 * time.Millisecond
	waitConnected(t, alice)
	observer := dialRaw(t, url, "thumb1", "Observer")

	// A burst of mouse moves inside one throttle window collapses to a
	// single cursor frame on the wire.
	for i := 0; i < 25; i++ {
		alice.SendCursor(float64(i), float64(i))
	}

	assert.Equal(t, 1, observer.countOfType("cursor", 200*time.Millisecond))
}

func TestSession_SelectionMirror(t *testing.T) {
	url, _ := newServer(t)
	alice := newSession(t, url, "thumb1", "Alice")
	waitConnected(t, alice)
	bob := newSession(t, url, "thumb1", "Bob")
	waitConnected(t, bob)

	layer := "layer-7"
	alice.SendSelection(&layer)

	require.Eventually(t, func() bool {
		return bob.Selections()[alice.UserID()] == "layer-7"
	}, 2*time.Second, 10*time.Millisecond)

	// A null layerId clears the highlight on the other side.
	alice.SendSelection(nil)
	require.Eventually(t, func() bool {
		_, present := bob.Selections()[alice.UserID()]
		return !present
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_ConflictCallback(t *testing.T) {
	url, _ := newServer(t)

	conflicts := make(chan json.RawMessage, 1)
	alice := New(url, "thumb1", "Alice")
	alice.ReconnectDelay = 50 * time.Millisecond
	alice.OnConflict = func(currentData json.RawMessage, rejectedTimestamp int64) {
		conflicts <- currentData
	}
	alice.Connect(context.Background())
	t.Cleanup(alice.Close)
	waitConnected(t, alice)

	// A rival edit from an hour in the future wins the arbitration, so
	// Alice's wall-clock edit must be rejected.
	rival := dialRaw(t, url, "thumb1", "Rival")
	future := time.Now().Add(time.Hour).UnixMilli()
	rival.send(t, map[string]any{"type": "edit", "data": map[string]any{"v": 99}, "timestamp": future})
	require.Equal(t, "edit_ack", rival.next(t)["type"])

	alice.SendEdit(map[string]any{"v": 1})

	select {
	case current := <-conflicts:
		var payload map[string]any
		require.NoError(t, json.Unmarshal(current, &payload))
		assert.Equal(t, float64(99), payload["v"])
	case <-time.After(2 * time.Second):
		t.Fatal("conflict callback never fired")
	}
}

func TestSession_RemoteEditCallback(t *testing.T) {
	url, _ := newServer(t)

	edits := make(chan int64, 1)
	alice := New(url, "thumb1", "Alice")
	alice.ReconnectDelay = 50 * time.Millisecond
	alice.OnRemoteEdit = func(userID string, data json.RawMessage, timestamp int64) {
		edits <- timestamp
	}
	alice.Connect(context.Background())
	t.Cleanup(alice.Close)
	waitConnected(t, alice)

	rival := dialRaw(t, url, "thumb1", "Rival")
	rival.send(t, map[string]any{"type": "edit", "data": map[string]any{"v": 1}, "timestamp": 12345})

	select {
	case ts := <-edits:
		assert.Equal(t, int64(12345), ts)
	case <-time.After(2 * time.Second):
		t.Fatal("remote edit callback never fired")
	}
}

func TestSession_ReconnectAfterReap(t *testing.T) {
	url, broadcaster := newServer(t)
	s := newSession(t, url, "thumb1", "Alice")
	waitConnected(t, s)
	firstID := s.UserID()

	// Zero timeout reaps every connection; the session must come back on
	// its own and rejoin the room under a fresh identity.
	broadcaster.ReapIdle(0)

	require.Eventually(t, func() bool {
		return s.Connected() && s.UserID() != firstID
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rooms, clients := broadcaster.Stats()
		return rooms == 1 && clients == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_PresencePrunesStaleMirrors(t *testing.T) {
	s := New("ws://unused", "thumb1", "Alice")

	s.dispatch([]byte(`{"type":"cursor","userId":"ghost","username":"Ghost","data":{"x":10,"y":20}}`))
	s.dispatch([]byte(`{"type":"selection","userId":"ghost","username":"Ghost","data":{"layerId":"l1"}}`))
	require.Contains(t, s.Cursors(), "ghost")
	require.Contains(t, s.Selections(), "ghost")

	// A reconnect replays connected + presence; the snapshot no longer
	// lists the departed user, so every mirror must forget them.
	s.dispatch([]byte(`{"type":"connected","userId":"me2","color":"#FF6B6B"}`))
	s.dispatch([]byte(`{"type":"presence","users":[{"userId":"me2","username":"Alice","color":"#FF6B6B"}]}`))

	assert.NotContains(t, s.Cursors(), "ghost")
	assert.NotContains(t, s.Selections(), "ghost")
	require.Len(t, s.Collaborators(), 1)
	assert.Equal(t, "me2", s.Collaborators()[0].UserID)
}

func TestSession_ConnectTwiceKeepsOneConnection(t *testing.T) {
	url, broadcaster := newServer(t)
	s := newSession(t, url, "thumb1", "Alice")
	s.Connect(context.Background())

	waitConnected(t, s)
	require.Eventually(t, func() bool {
		_, clients := broadcaster.Stats()
		return clients == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second loop would dial its own socket; give it time to show up.
	time.Sleep(200 * time.Millisecond)
	_, clients := broadcaster.Stats()
	assert.Equal(t, 1, clients)
}

func TestSession_SendsAreNoopsWhileDisconnected(t *testing.T) {
	s := New("ws://127.0.0.1:1/ws", "thumb1", "Alice")

	assert.False(t, s.Connected())
	s.SendCursor(1, 2)
	s.SendEdit(map[string]any{"v": 1})
	s.SendSync(map[string]any{})
	s.SendChat("nobody hears this")
	s.SendSelection(nil)

	assert.Empty(t, s.Chat())
	assert.Empty(t, s.Collaborators())
}
