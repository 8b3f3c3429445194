package ws

import "encoding/json"

// Event vocabulary over the realtime transport.
const (
	EventAuthenticate     = "authenticate"
	EventAuthOK           = "auth_ok"
	EventJoinTeam         = "join_team"
	EventLeaveTeam        = "leave_team"
	EventNotification     = "notification"
	EventNotificationRead = "notification_read"
	EventMarkAllRead      = "mark_all_read"
	EventPing             = "ping"
	EventPong             = "pong"
	EventHeartbeat        = "heartbeat"
	EventRateLimited      = "rate_limit_exceeded"
	EventError            = "error"
)

// Frame is the wire shape for both directions. Unused fields are omitted.
type Frame struct {
	Type           string          `json:"type"`
	UserID         string          `json:"user_id,omitempty"`
	TeamID         string          `json:"team_id,omitempty"`
	NotificationID string          `json:"notification_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// marshalFrame encodes a frame. The shapes involved cannot fail to
// marshal, so the error is dropped.
func marshalFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}
