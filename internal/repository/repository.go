package repository

import (
	"context"

	"github.com/planly/notifier/internal/domain"
)

// NotificationRepository is the store-if-offline collaborator: dropped
// notifications land here and surface on the recipient's next poll.
type NotificationRepository interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
	ListUnread(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) error
}
