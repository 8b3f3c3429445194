package domain

import (
	"encoding/json"
	"time"
)

// Notification is one event to be delivered to a user or a team.
// It is immutable once constructed; delivery code only wraps it with
// delivery metadata, never mutates it.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	TeamID    string          `json:"team_id,omitempty"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Read      bool            `json:"read"`
}
