package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tyemirov/timecapsule/internal/model"
	"gorm.io/gorm"
)

// NotificationService defines the in-app notification inbox of a user.
type NotificationService interface {
	// ListNotifications returns the user's notifications, newest first.
	ListNotifications(ctx context.Context, userID uint, unreadOnly bool) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID uint) (int64, error)
	MarkRead(ctx context.Context, userID uint, notificationID uint) (model.Notification, error)
	MarkAllRead(ctx context.Context, userID uint) (int64, error)
	// Notify stores a new notification for the user.
	Notify(ctx context.Context, userID uint, capsuleID *uint, notificationType model.NotificationType, message string) (model.Notification, error)
	// PruneRead deletes read notifications older than the retention window.
	PruneRead(ctx context.Context, retention time.Duration) (int64, error)
}

type notificationServiceImpl struct {
	database *gorm.DB
	logger   *slog.Logger
	now      func() time.Time
}

// NewNotificationService creates a new NotificationService backed by the database.
func NewNotificationService(db *gorm.DB, logger *slog.Logger) NotificationService {
	return &notificationServiceImpl{
		database: db,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (serviceInstance *notificationServiceImpl) ListNotifications(ctx context.Context, userID uint, unreadOnly bool) ([]model.Notification, error) {
	return model.ListNotifications(ctx, serviceInstance.database, userID, unreadOnly)
}

func (serviceInstance *notificationServiceImpl) UnreadCount(ctx context.Context, userID uint) (int64, error) {
	return model.CountUnreadNotifications(ctx, serviceInstance.database, userID)
}

func (serviceInstance *notificationServiceImpl) MarkRead(ctx context.Context, userID uint, notificationID uint) (model.Notification, error) {
	notification, err := model.MarkNotificationRead(ctx, serviceInstance.database, userID, notificationID, serviceInstance.now())
	if err != nil {
		return model.Notification{}, err
	}
	return *notification, nil
}

func (serviceInstance *notificationServiceImpl) MarkAllRead(ctx context.Context, userID uint) (int64, error) {
	return model.MarkAllNotificationsRead(ctx, serviceInstance.database, userID, serviceInstance.now())
}

func (serviceInstance *notificationServiceImpl) Notify(ctx context.Context, userID uint, capsuleID *uint, notificationType model.NotificationType, message string) (model.Notification, error) {
	if strings.TrimSpace(message) == "" {
		return model.Notification{}, errors.New("notification message is required")
	}
	notification := model.Notification{
		UserID:           userID,
		CapsuleID:        capsuleID,
		Message:          message,
		NotificationType: notificationType,
	}
	if err := model.CreateNotification(ctx, serviceInstance.database, &notification); err != nil {
		serviceInstance.logger.Error("Failed to store notification", "user_id", userID, "error", err)
		return model.Notification{}, err
	}
	serviceInstance.logger.Info(
		"notification_persisted",
		"notification_id", notification.ID,
		"notification_type", notification.NotificationType,
		"user_id", userID,
	)
	return notification, nil
}

func (serviceInstance *notificationServiceImpl) PruneRead(ctx context.Context, retention time.Duration) (int64, error) {
	return model.PruneReadNotifications(ctx, serviceInstance.database, serviceInstance.now().Add(-retention))
}
