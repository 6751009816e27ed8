package protocol

import "encoding/json"

// Server → client frame shapes. Field names are part of the wire contract
// with the editor UI.

type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type connectedFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Color  string `json:"color"`
}

type presenceFrame struct {
	Type  string `json:"type"`
	Users []User `json:"users"`
}

type joinFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type leaveFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// relayFrame carries cursor, selection and sync fan-outs. Sync frames omit
// the sender's username and color.
type relayFrame struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Color    string          `json:"color,omitempty"`
	Data     json.RawMessage `json:"data"`
}

type editFrame struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Accepted  bool            `json:"accepted"`
}

type editAckFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Accepted  bool   `json:"accepted"`
}

type editRejectedFrame struct {
	Type             string          `json:"type"`
	Timestamp        int64           `json:"timestamp"`
	CurrentTimestamp int64           `json:"currentTimestamp"`
	CurrentData      json.RawMessage `json:"currentData"`
	Reason           string          `json:"reason"`
}

type chatFrame struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}
