package arbiter

import (
	"encoding/json"
	"sync"
)

type editState struct {
	data      json.RawMessage
	timestamp int64
	authorID  string
}

// Result reports the outcome of one edit submission. On rejection,
// CurrentTimestamp and CurrentData carry the stored winning edit so the
// submitter can resync.
type Result struct {
	Accepted         bool
	Timestamp        int64
	CurrentTimestamp int64
	CurrentData      json.RawMessage
}

// Arbiter resolves concurrent edits per thumbnail with a last-writer-wins
// policy. States live in memory for the process lifetime and are never
// evicted.
type Arbiter struct {
	states map[string]*editState
	mu     sync.Mutex
}

func New() *Arbiter {
	return &Arbiter{states: make(map[string]*editState)}
}

// Submit accepts the edit when no state exists or its timestamp is not
// older than the stored one. Equal timestamps are accepted, so the most
// recently processed edit wins a tie. The stored timestamp never
// decreases.
func (a *Arbiter) Submit(thumbnailID string, data json.RawMessage, timestamp int64, authorID string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, exists := a.states[thumbnailID]; exists && timestamp < s.timestamp {
		return Result{
			Accepted:         false,
			Timestamp:        timestamp,
			CurrentTimestamp: s.timestamp,
			CurrentData:      s.data,
		}
	}

	a.states[thumbnailID] = &editState{data: data, timestamp: timestamp, authorID: authorID}
	return Result{Accepted: true, Timestamp: timestamp}
}
