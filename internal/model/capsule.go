package model

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrCapsuleNotFound   = errors.New("capsule not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrContentNotFound   = errors.New("content not found")
	ErrCapsuleLeased     = errors.New("capsule is leased by a delivery worker")
)

// CapsuleStatus tracks a capsule through the delivery state machine.
type CapsuleStatus string

const (
	CapsuleStatusPending    CapsuleStatus = "pending"
	CapsuleStatusDelivering CapsuleStatus = "delivering"
	CapsuleStatusDelivered  CapsuleStatus = "delivered"
	CapsuleStatusFailed     CapsuleStatus = "failed"
	CapsuleStatusCancelled  CapsuleStatus = "cancelled"
)

// DeliveryMethod is the channel used to hand a capsule to its recipients.
type DeliveryMethod string

const (
	DeliveryMethodEmail DeliveryMethod = "email"
	DeliveryMethodInApp DeliveryMethod = "in_app"
	DeliveryMethodSMS   DeliveryMethod = "sms"
)

type PrivacyStatus string

const (
	PrivacyPrivate PrivacyStatus = "private"
	PrivacyShared  PrivacyStatus = "shared"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientOpened  RecipientStatus = "opened"
)

// Capsule is the unit of scheduled delivery owned by a user.
type Capsule struct {
	ID                     uint   `gorm:"primaryKey"`
	PublicID               string `gorm:"size:36;uniqueIndex;not null"`
	OwnerID                uint   `gorm:"index;not null"`
	Title                  string `gorm:"size:255;not null"`
	Description            string
	DeliveryDate           time.Time     `gorm:"index;not null"`
	Status                 CapsuleStatus `gorm:"size:20;index;not null"`
	IsDelivered            bool          `gorm:"not null"`
	DeliveredAt            *time.Time
	IsArchived             bool           `gorm:"not null"`
	DeliveryMethod         DeliveryMethod `gorm:"size:20;not null"`
	PrivacyStatus          PrivacyStatus  `gorm:"size:20;not null"`
	TransferOnInactivity   bool           `gorm:"not null"`
	TransferRecipientEmail string         `gorm:"size:255"`
	TransferredAt          *time.Time
	AttemptCount           int `gorm:"not null"`
	NextAttemptAt          *time.Time
	LeaseOwner             string `gorm:"size:64"`
	LeaseExpiresAt         *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsDueForDelivery reports whether the capsule is waiting and its delivery date has passed.
func (capsule Capsule) IsDueForDelivery(now time.Time) bool {
	return capsule.Status == CapsuleStatusPending && !capsule.IsDelivered && !capsule.DeliveryDate.After(now)
}

// CapsuleContent is one ordered piece of a capsule: inline text or a stored file.
type CapsuleContent struct {
	ID          uint        `gorm:"primaryKey"`
	PublicID    string      `gorm:"size:36;uniqueIndex;not null"`
	CapsuleID   uint        `gorm:"index;not null"`
	ContentType ContentType `gorm:"size:20;not null"`
	TextContent string
	FileKey     string `gorm:"size:512"`
	FileName    string `gorm:"size:255"`
	MimeType    string `gorm:"size:255"`
	SizeBytes   int64
	Order       int `gorm:"column:sort_order;not null"`
	CreatedAt   time.Time
}

// CapsuleRecipient tracks delivery to one address.
type CapsuleRecipient struct {
	ID             uint            `gorm:"primaryKey"`
	CapsuleID      uint            `gorm:"uniqueIndex:idx_capsule_recipient;not null"`
	RecipientEmail string          `gorm:"size:255;uniqueIndex:idx_capsule_recipient;not null"`
	RecipientPhone string          `gorm:"size:32"`
	ReceivedStatus RecipientStatus `gorm:"size:20;not null"`
	AccessToken    string          `gorm:"size:128;uniqueIndex;not null"`
	AttemptCount   int             `gorm:"not null"`
	LastAttemptAt  *time.Time
	LastError      string
	SentAt         *time.Time
	OpenedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Delivered reports whether nothing is left to send to this recipient.
func (recipient CapsuleRecipient) Delivered() bool {
	return recipient.ReceivedStatus == RecipientSent || recipient.ReceivedStatus == RecipientOpened
}

// CapsuleDetails bundles a capsule with its ordered contents and recipients.
type CapsuleDetails struct {
	Capsule    Capsule
	Contents   []CapsuleContent
	Recipients []CapsuleRecipient
}

// ====================== DB CRUD METHODS ====================== //

// CreateCapsuleGraph inserts a capsule and its children atomically.
func CreateCapsuleGraph(ctx context.Context, db *gorm.DB, capsule *Capsule, contents []CapsuleContent, recipients []CapsuleRecipient) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(capsule).Error; err != nil {
			return err
		}
		for index := range contents {
			contents[index].CapsuleID = capsule.ID
		}
		if len(contents) > 0 {
			if err := tx.Create(&contents).Error; err != nil {
				return err
			}
		}
		for index := range recipients {
			recipients[index].CapsuleID = capsule.ID
		}
		if len(recipients) > 0 {
			if err := tx.Create(&recipients).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func GetCapsuleByID(ctx context.Context, db *gorm.DB, capsuleID uint) (*Capsule, error) {
	var capsule Capsule
	if err := db.WithContext(ctx).First(&capsule, capsuleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCapsuleNotFound
		}
		return nil, err
	}
	return &capsule, nil
}

// GetCapsuleForOwner hides capsules owned by someone else behind ErrCapsuleNotFound.
func GetCapsuleForOwner(ctx context.Context, db *gorm.DB, ownerID uint, capsuleID uint) (*Capsule, error) {
	var capsule Capsule
	err := db.WithContext(ctx).Where("id = ? AND owner_id = ?", capsuleID, ownerID).First(&capsule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCapsuleNotFound
		}
		return nil, err
	}
	return &capsule, nil
}

// ListCapsulesForOwner returns the owner's capsules, newest first.
func ListCapsulesForOwner(ctx context.Context, db *gorm.DB, ownerID uint, includeArchived bool) ([]Capsule, error) {
	query := db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if !includeArchived {
		query = query.Where("is_archived = ?", false)
	}
	var capsules []Capsule
	if err := query.Order("created_at DESC, id DESC").Find(&capsules).Error; err != nil {
		return nil, err
	}
	return capsules, nil
}

// ListPendingTransferCapsules returns pending capsules of an owner flagged for transfer.
func ListPendingTransferCapsules(ctx context.Context, db *gorm.DB, ownerID uint) ([]Capsule, error) {
	var capsules []Capsule
	err := db.WithContext(ctx).
		Where("owner_id = ? AND status = ? AND transfer_on_inactivity = ? AND transferred_at IS NULL", ownerID, CapsuleStatusPending, true).
		Find(&capsules).Error
	if err != nil {
		return nil, err
	}
	return capsules, nil
}

// LoadCapsuleDetails fetches contents and recipients for each capsule, preserving input order.
func LoadCapsuleDetails(ctx context.Context, db *gorm.DB, capsules []Capsule) ([]CapsuleDetails, error) {
	if len(capsules) == 0 {
		return nil, nil
	}
	capsuleIDs := make([]uint, 0, len(capsules))
	for _, capsule := range capsules {
		capsuleIDs = append(capsuleIDs, capsule.ID)
	}

	var contents []CapsuleContent
	if err := db.WithContext(ctx).Where("capsule_id IN ?", capsuleIDs).Order("sort_order ASC, id ASC").Find(&contents).Error; err != nil {
		return nil, err
	}
	var recipients []CapsuleRecipient
	if err := db.WithContext(ctx).Where("capsule_id IN ?", capsuleIDs).Order("id ASC").Find(&recipients).Error; err != nil {
		return nil, err
	}

	contentsByCapsule := make(map[uint][]CapsuleContent, len(capsules))
	for _, content := range contents {
		contentsByCapsule[content.CapsuleID] = append(contentsByCapsule[content.CapsuleID], content)
	}
	recipientsByCapsule := make(map[uint][]CapsuleRecipient, len(capsules))
	for _, recipient := range recipients {
		recipientsByCapsule[recipient.CapsuleID] = append(recipientsByCapsule[recipient.CapsuleID], recipient)
	}

	details := make([]CapsuleDetails, 0, len(capsules))
	for _, capsule := range capsules {
		details = append(details, CapsuleDetails{
			Capsule:    capsule,
			Contents:   contentsByCapsule[capsule.ID],
			Recipients: recipientsByCapsule[capsule.ID],
		})
	}
	return details, nil
}

func SaveCapsule(ctx context.Context, db *gorm.DB, capsule *Capsule) error {
	return db.WithContext(ctx).Save(capsule).Error
}

// UpdateCapsuleIfStatus applies updates only while the capsule is still in one of the
// expected statuses, so owner edits never race the delivery worker.
func UpdateCapsuleIfStatus(ctx context.Context, db *gorm.DB, capsuleID uint, expected []CapsuleStatus, updates map[string]any) (bool, error) {
	updates["updated_at"] = time.Now().UTC()
	result := db.WithContext(ctx).
		Model(&Capsule{}).
		Where("id = ? AND status IN ?", capsuleID, expected).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeleteCapsuleGraph removes a capsule with its contents, recipients and delivery logs.
// A capsule held by a delivery worker is left alone and ErrCapsuleLeased is returned.
// Notifications keep their text but lose the capsule reference.
func DeleteCapsuleGraph(ctx context.Context, db *gorm.DB, capsuleID uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND status <> ?", capsuleID, CapsuleStatusDelivering).Delete(&Capsule{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var existing int64
			if err := tx.Model(&Capsule{}).Where("id = ?", capsuleID).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return ErrCapsuleLeased
			}
			return ErrCapsuleNotFound
		}
		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&DeliveryLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&CapsuleRecipient{}).Error; err != nil {
			return err
		}
		if err := tx.Where("capsule_id = ?", capsuleID).Delete(&CapsuleContent{}).Error; err != nil {
			return err
		}
		return tx.Model(&Notification{}).Where("capsule_id = ?", capsuleID).Update("capsule_id", nil).Error
	})
}

func ListRecipients(ctx context.Context, db *gorm.DB, capsuleID uint) ([]CapsuleRecipient, error) {
	var recipients []CapsuleRecipient
	if err := db.WithContext(ctx).Where("capsule_id = ?", capsuleID).Order("id ASC").Find(&recipients).Error; err != nil {
		return nil, err
	}
	return recipients, nil
}

func SaveRecipient(ctx context.Context, db *gorm.DB, recipient *CapsuleRecipient) error {
	return db.WithContext(ctx).Save(recipient).Error
}

// AddRecipientIfAbsent inserts the recipient unless the address is already on the capsule.
func AddRecipientIfAbsent(ctx context.Context, db *gorm.DB, recipient *CapsuleRecipient) (bool, error) {
	var existing int64
	err := db.WithContext(ctx).Model(&CapsuleRecipient{}).
		Where("capsule_id = ? AND recipient_email = ?", recipient.CapsuleID, recipient.RecipientEmail).
		Count(&existing).Error
	if err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}
	if err := db.WithContext(ctx).Create(recipient).Error; err != nil {
		return false, err
	}
	return true, nil
}

func GetRecipientByAccessToken(ctx context.Context, db *gorm.DB, accessToken string) (*CapsuleRecipient, error) {
	var recipient CapsuleRecipient
	if err := db.WithContext(ctx).Where("access_token = ?", accessToken).First(&recipient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return &recipient, nil
}

// MarkRecipientOpened records the first open of a delivered capsule by a recipient.
func MarkRecipientOpened(ctx context.Context, db *gorm.DB, recipientID uint, openedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&CapsuleRecipient{}).
		Where("id = ? AND opened_at IS NULL", recipientID).
		Updates(map[string]any{
			"opened_at":       openedAt,
			"received_status": RecipientOpened,
			"updated_at":      openedAt,
		}).Error
}

func GetContent(ctx context.Context, db *gorm.DB, capsuleID uint, contentPublicID string) (*CapsuleContent, error) {
	var content CapsuleContent
	err := db.WithContext(ctx).Where("capsule_id = ? AND public_id = ?", capsuleID, contentPublicID).First(&content).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContentNotFound
		}
		return nil, err
	}
	return &content, nil
}

func ListContents(ctx context.Context, db *gorm.DB, capsuleID uint) ([]CapsuleContent, error) {
	var contents []CapsuleContent
	if err := db.WithContext(ctx).Where("capsule_id = ?", capsuleID).Order("sort_order ASC, id ASC").Find(&contents).Error; err != nil {
		return nil, err
	}
	return contents, nil
}
