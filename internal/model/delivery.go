package model

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailure DeliveryStatus = "failure"
	DeliveryPending DeliveryStatus = "pending"
)

// DeliveryLog records one attempt to hand a capsule to one recipient.
// (RecipientID, Attempt) is unique so a replayed attempt never writes twice.
type DeliveryLog struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	CapsuleID       uint           `json:"capsule_id" gorm:"index;not null"`
	RecipientID     uint           `json:"recipient_id" gorm:"uniqueIndex:idx_recipient_attempt;not null"`
	Attempt         int            `json:"attempt" gorm:"uniqueIndex:idx_recipient_attempt;not null"`
	Method          DeliveryMethod `json:"delivery_method" gorm:"size:20;not null"`
	RecipientEmail  string         `json:"recipient_email" gorm:"size:255"`
	RecipientUserID *uint          `json:"recipient_user_id"`
	Status          DeliveryStatus `json:"status" gorm:"size:20;not null"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExternalID      string         `json:"external_id,omitempty" gorm:"size:255"`
	AttemptedAt     time.Time      `json:"attempted_at" gorm:"index"`
}

// dueCondition matches capsules a worker may take: pending and due, or abandoned by a
// worker whose lease has run out.
const dueCondition = "(status = ? AND is_delivered = ? AND delivery_date <= ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND lease_expires_at < ?)"

func dueArguments(now time.Time) []any {
	return []any{CapsuleStatusPending, false, now, now, CapsuleStatusDelivering, now}
}

// ListClaimableCapsuleIDs returns up to limit capsule IDs ready for a delivery attempt,
// oldest delivery date first.
func ListClaimableCapsuleIDs(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]uint, error) {
	var capsuleIDs []uint
	err := db.WithContext(ctx).
		Model(&Capsule{}).
		Where(dueCondition, dueArguments(now)...).
		Order("delivery_date ASC, id ASC").
		Limit(limit).
		Pluck("id", &capsuleIDs).Error
	if err != nil {
		return nil, err
	}
	return capsuleIDs, nil
}

// ClaimCapsule moves one capsule into delivering under the caller's lease. The guard is
// re-evaluated inside the UPDATE so concurrent workers cannot both succeed.
func ClaimCapsule(ctx context.Context, db *gorm.DB, capsuleID uint, leaseOwner string, now time.Time, leaseExpiresAt time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&Capsule{}).
		Where("id = ?", capsuleID).
		Where(dueCondition, dueArguments(now)...).
		Updates(map[string]any{
			"status":           CapsuleStatusDelivering,
			"lease_owner":      leaseOwner,
			"lease_expires_at": leaseExpiresAt,
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RenewLease pushes the lease expiry forward if the caller still holds the capsule.
func RenewLease(ctx context.Context, db *gorm.DB, capsuleID uint, leaseOwner string, leaseExpiresAt time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&Capsule{}).
		Where("id = ? AND status = ? AND lease_owner = ?", capsuleID, CapsuleStatusDelivering, leaseOwner).
		Update("lease_expires_at", leaseExpiresAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FinishClaim applies the outcome of a delivery pass if the caller still holds the lease.
func FinishClaim(ctx context.Context, db *gorm.DB, capsuleID uint, leaseOwner string, updates map[string]any) (bool, error) {
	updates["lease_owner"] = ""
	updates["lease_expires_at"] = nil
	updates["updated_at"] = time.Now().UTC()
	result := db.WithContext(ctx).
		Model(&Capsule{}).
		Where("id = ? AND status = ? AND lease_owner = ?", capsuleID, CapsuleStatusDelivering, leaseOwner).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RecordDeliveryLog inserts the log row unless this attempt was already recorded.
func RecordDeliveryLog(ctx context.Context, db *gorm.DB, entry *DeliveryLog) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient_id"}, {Name: "attempt"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListDeliveryLogs returns a capsule's attempts, newest first.
func ListDeliveryLogs(ctx context.Context, db *gorm.DB, capsuleID uint) ([]DeliveryLog, error) {
	var logs []DeliveryLog
	err := db.WithContext(ctx).
		Where("capsule_id = ?", capsuleID).
		Order("attempted_at DESC, id DESC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
