package model

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotificationNotFound = errors.New("notification not found")

type NotificationType string

const (
	NotificationDeliverySuccess  NotificationType = "delivery_success"
	NotificationDeliveryFail     NotificationType = "delivery_fail"
	NotificationNewSharedCapsule NotificationType = "new_shared_capsule"
	NotificationReminder         NotificationType = "reminder"
	NotificationSystemAlert      NotificationType = "system_alert"
	NotificationTransfer         NotificationType = "transfer_notification"
)

// Notification is an in-app message for a user, optionally about a capsule.
type Notification struct {
	ID               uint             `json:"id" gorm:"primaryKey"`
	UserID           uint             `json:"-" gorm:"index;not null"`
	CapsuleID        *uint            `json:"capsule_id" gorm:"index"`
	Message          string           `json:"message" gorm:"not null"`
	NotificationType NotificationType `json:"notification_type" gorm:"size:30;not null"`
	IsRead           bool             `json:"is_read" gorm:"index;not null"`
	CreatedAt        time.Time        `json:"created_at"`
	ReadAt           *time.Time       `json:"read_at"`
}

// ====================== DB CRUD METHODS ====================== //

func CreateNotification(ctx context.Context, db *gorm.DB, notification *Notification) error {
	return db.WithContext(ctx).Create(notification).Error
}

// ListNotifications returns the user's notifications, newest first.
func ListNotifications(ctx context.Context, db *gorm.DB, userID uint, unreadOnly bool) ([]Notification, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var notifications []Notification
	if err := query.Order("created_at DESC, id DESC").Find(&notifications).Error; err != nil {
		return nil, err
	}
	return notifications, nil
}

func CountUnreadNotifications(ctx context.Context, db *gorm.DB, userID uint) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Notification{}).Where("user_id = ? AND is_read = ?", userID, false).Count(&count).Error
	return count, err
}

// MarkNotificationRead flags one of the user's notifications as read. Marking an already
// read notification keeps its original ReadAt.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, userID uint, notificationID uint, readAt time.Time) (*Notification, error) {
	var notification Notification
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", notificationID, userID).First(&notification).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	if notification.IsRead {
		return &notification, nil
	}
	notification.IsRead = true
	notification.ReadAt = &readAt
	if err := db.WithContext(ctx).Model(&notification).Updates(map[string]any{"is_read": true, "read_at": readAt}).Error; err != nil {
		return nil, err
	}
	return &notification, nil
}

// MarkAllNotificationsRead returns how many notifications changed.
func MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userID uint, readAt time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": readAt})
	return result.RowsAffected, result.Error
}

// PruneReadNotifications deletes read notifications created before the cutoff.
func PruneReadNotifications(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Where("is_read = ? AND created_at < ?", true, cutoff).
		Delete(&Notification{})
	return result.RowsAffected, result.Error
}
