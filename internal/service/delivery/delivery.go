// Package delivery routes notifications through progressively weaker
// transports: realtime socket sessions first, then open event streams,
// then the persistence fallback.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/planly/notifier/internal/domain"
	"github.com/planly/notifier/internal/metrics"
	"github.com/planly/notifier/internal/repository"
	"github.com/planly/notifier/internal/ws"
)

// SocketSender is the realtime tier, backed by the socket server.
type SocketSender interface {
	SendToUser(ctx context.Context, userID string, n domain.Notification, opts ws.SendOptions) (ws.DeliveryOutcome, error)
	SendToTeam(ctx context.Context, teamID string, n domain.Notification)
}

// StreamHub is the event-stream tier. SendToUser reports how many open
// streams received the payload.
type StreamHub interface {
	SendToUser(userID string, payload []byte) int
}

// Router walks a notification down the delivery tiers until one
// accepts it. Each notification is handed to exactly one tier.
type Router struct {
	sockets SocketSender
	streams StreamHub
	repo    repository.NotificationRepository
	log     *slog.Logger
}

// NewRouter constructs a Router. The stream hub and repository may be
// nil, in which case their tiers are skipped.
func NewRouter(sockets SocketSender, streams StreamHub, repo repository.NotificationRepository, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{sockets: sockets, streams: streams, repo: repo, log: log}
}

// Deliver pushes a notification toward its recipients and reports
// which tier carried it. Team notifications fan out to whoever is
// connected right now and are never persisted; user notifications fall
// back to streams and then storage when no session is reachable.
func (r *Router) Deliver(ctx context.Context, n domain.Notification) domain.DeliveryReport {
	report := domain.DeliveryReport{NotificationID: n.ID, DeliveredAt: time.Now().UTC()}

	if n.TeamID != "" {
		r.sockets.SendToTeam(ctx, n.TeamID, n)
		report.Tier = domain.TierRealtimeTeam
		r.record(report)
		return report
	}

	out, err := r.sockets.SendToUser(ctx, n.UserID, n, ws.SendOptions{PersistIfOffline: true})
	if err != nil {
		// A realtime-tier error reads as undelivered; the lower tiers
		// still run.
		r.log.Warn("realtime tier error", "notification_id", n.ID, "error", err)
		out.Delivered = false
	}
	if out.Delivered {
		report.Tier = domain.TierRealtimeUser
		r.record(report)
		return report
	}

	if r.streams != nil {
		payload, err := json.Marshal(n)
		if err != nil {
			report.Tier = domain.TierFailed
			report.Error = fmt.Sprintf("encode notification: %v", err)
			r.record(report)
			return report
		}
		if sent := r.streams.SendToUser(n.UserID, payload); sent > 0 {
			report.Tier = domain.TierStream
			r.record(report)
			return report
		}
	}

	if r.repo == nil {
		report.Tier = domain.TierFailed
		report.Error = "recipient offline and no persistence configured"
		r.record(report)
		return report
	}
	if err := r.repo.InsertNotification(ctx, n); err != nil {
		report.Tier = domain.TierFailed
		report.Error = fmt.Sprintf("persist notification: %v", err)
		r.record(report)
		return report
	}
	report.Tier = domain.TierStored
	r.record(report)
	return report
}

func (r *Router) record(report domain.DeliveryReport) {
	metrics.Deliveries.WithLabelValues(string(report.Tier)).Inc()
	if report.Tier == domain.TierFailed {
		r.log.Warn("delivery failed", "notification_id", report.NotificationID, "error", report.Error)
		return
	}
	r.log.Debug("notification delivered", "notification_id", report.NotificationID, "tier", string(report.Tier))
}
