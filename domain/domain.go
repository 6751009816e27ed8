package domain

import (
	"encoding/json"
	"hash/fnv"
)

// Frame is one inbound client message. Type is mandatory; the other fields
// are populated depending on the type. Data is opaque to the server and is
// only ever relayed.
type Frame struct {
	Type        string          `json:"type"`
	ThumbnailID string          `json:"thumbnailId,omitempty"`
	Username    string          `json:"username,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type MessageHandler interface {
	Open(conn Connection)
	Handle(conn Connection, data []byte)
	Close(conn Connection)
}

// Palette holds the display colors the editor UI renders for remote
// cursors and presence badges.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E9", "#F8B739", "#52BE80",
}

// ColorFor picks a display color from the connection id alone, so the
// assignment does not depend on connect order.
func ColorFor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return Palette[h.Sum32()%uint32(len(Palette))]
}
