package domain

import "time"

// DeliveryTier identifies which transport carried a notification.
type DeliveryTier string

const (
	TierRealtimeTeam DeliveryTier = "realtime-team"
	TierRealtimeUser DeliveryTier = "realtime-user"
	TierStream       DeliveryTier = "stream"
	TierStored       DeliveryTier = "stored"
	TierFailed       DeliveryTier = "failed"
)

// DeliveryReport records the outcome of one deliver call. It is data for
// observability, not a retry signal: retries belong to the caller.
type DeliveryReport struct {
	NotificationID string       `json:"notification_id"`
	Tier           DeliveryTier `json:"tier"`
	DeliveredAt    time.Time    `json:"delivered_at"`
	Error          string       `json:"error,omitempty"`
}

// SessionStats summarizes the local registry of a single server instance.
// Counts are process-local on purpose: cluster-wide counts would put a
// store round-trip on a hot path.
type SessionStats struct {
	TotalSessions      int            `json:"total_sessions"`
	AuthenticatedUsers int            `json:"authenticated_users"`
	TeamsJoined        int            `json:"teams_joined"`
	SessionsPerUser    map[string]int `json:"sessions_per_user"`
}
