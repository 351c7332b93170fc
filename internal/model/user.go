package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrEmailTaken        = errors.New("a user with that email already exists")
	ErrAPITokenNotFound  = errors.New("no active session found for this user")
	ErrResetCodeNotFound = errors.New("password reset code not found")
)

// DateLayout is the wire format for calendar dates such as a date of birth.
const DateLayout = "2006-01-02"

// User is an account identified by its email address.
type User struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	Email        string     `json:"email" gorm:"size:255;uniqueIndex;not null"`
	Name         string     `json:"name" gorm:"size:255"`
	DateOfBirth  *time.Time `json:"-"`
	PasswordHash string     `json:"-" gorm:"not null"`
	IsActive     bool       `json:"is_active" gorm:"not null"`
	IsStaff      bool       `json:"is_staff" gorm:"not null"`
	IsAdmin      bool       `json:"-" gorm:"not null"`
	LastLoginAt  *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LastSeen is the most recent sign of life used by the inactivity sweep.
func (user User) LastSeen() time.Time {
	if user.LastLoginAt != nil {
		return user.LastLoginAt.UTC()
	}
	return user.CreatedAt.UTC()
}

// APIToken is the long-lived opaque token returned at login and revoked at logout.
type APIToken struct {
	Token     string `gorm:"primaryKey;size:128"`
	UserID    uint   `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// PasswordResetCode stores a hashed one-time code for the OTP reset flow.
type PasswordResetCode struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	CodeHash  string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
	Attempts  int       `gorm:"not null;default:0"`
	UsedAt    *time.Time
	CreatedAt time.Time
}

// UserResponse is the public shape of an account.
type UserResponse struct {
	ID          uint      `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	DateOfBirth *string   `json:"dob"`
	IsActive    bool      `json:"is_active"`
	IsStaff     bool      `json:"is_staff"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewUserResponse translates a DB User into its response shape.
func NewUserResponse(user User) UserResponse {
	var dateOfBirth *string
	if user.DateOfBirth != nil {
		formatted := user.DateOfBirth.Format(DateLayout)
		dateOfBirth = &formatted
	}
	return UserResponse{
		ID:          user.ID,
		Email:       user.Email,
		Name:        user.Name,
		DateOfBirth: dateOfBirth,
		IsActive:    user.IsActive,
		IsStaff:     user.IsStaff,
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}
}

// NormalizeEmail lowercases and trims an address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ====================== DB CRUD METHODS ====================== //

func CreateUser(ctx context.Context, db *gorm.DB, user *User) error {
	user.Email = NormalizeEmail(user.Email)
	var existing int64
	if err := db.WithContext(ctx).Model(&User{}).Where("email = ?", user.Email).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return ErrEmailTaken
	}
	return db.WithContext(ctx).Create(user).Error
}

func SaveUser(ctx context.Context, db *gorm.DB, user *User) error {
	return db.WithContext(ctx).Save(user).Error
}

func GetUserByID(ctx context.Context, db *gorm.DB, userID uint) (*User, error) {
	var user User
	if err := db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func GetUserByEmail(ctx context.Context, db *gorm.DB, email string) (*User, error) {
	var user User
	if err := db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUsersByEmails returns registered users keyed by normalized email.
func FindUsersByEmails(ctx context.Context, db *gorm.DB, emails []string) (map[string]User, error) {
	result := make(map[string]User, len(emails))
	if len(emails) == 0 {
		return result, nil
	}
	normalized := make([]string, 0, len(emails))
	for _, email := range emails {
		normalized = append(normalized, NormalizeEmail(email))
	}
	var users []User
	if err := db.WithContext(ctx).Where("email IN ?", normalized).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, user := range users {
		result[user.Email] = user
	}
	return result, nil
}

// ListInactiveOwners returns active accounts whose last sign of life predates the cutoff.
func ListInactiveOwners(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]User, error) {
	var users []User
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("(last_login_at IS NULL AND created_at < ?) OR last_login_at < ?", cutoff, cutoff).
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// UpsertUserByEmail inserts or refreshes an account keyed by its email.
func UpsertUserByEmail(ctx context.Context, db *gorm.DB, user *User) error {
	user.Email = NormalizeEmail(user.Email)
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "password_hash", "is_active", "is_staff", "is_admin", "updated_at"}),
	}).Create(user).Error
}

// GetOrCreateAPIToken returns the existing token for the user or stores the candidate key.
func GetOrCreateAPIToken(ctx context.Context, db *gorm.DB, userID uint, candidateKey string) (APIToken, error) {
	var token APIToken
	err := db.WithContext(ctx).
		Where(APIToken{UserID: userID}).
		Attrs(APIToken{Token: candidateKey, CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&token).Error
	if err != nil {
		return APIToken{}, fmt.Errorf("api token: %w", err)
	}
	return token, nil
}

func GetAPIToken(ctx context.Context, db *gorm.DB, tokenValue string) (*APIToken, error) {
	var token APIToken
	if err := db.WithContext(ctx).Where("token = ?", tokenValue).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAPITokenNotFound
		}
		return nil, err
	}
	return &token, nil
}

func DeleteAPIToken(ctx context.Context, db *gorm.DB, userID uint) error {
	result := db.WithContext(ctx).Where("user_id = ?", userID).Delete(&APIToken{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAPITokenNotFound
	}
	return nil
}

// ReplaceResetCode invalidates outstanding codes for the user and stores a new one.
func ReplaceResetCode(ctx context.Context, db *gorm.DB, code *PasswordResetCode) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&PasswordResetCode{}).
			Where("user_id = ? AND used_at IS NULL", code.UserID).
			Update("used_at", now).Error; err != nil {
			return err
		}
		return tx.Create(code).Error
	})
}

// GetActiveResetCode returns the newest unused code for the user.
func GetActiveResetCode(ctx context.Context, db *gorm.DB, userID uint) (*PasswordResetCode, error) {
	var code PasswordResetCode
	err := db.WithContext(ctx).
		Where("user_id = ? AND used_at IS NULL", userID).
		Order("created_at DESC, id DESC").
		First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResetCodeNotFound
		}
		return nil, err
	}
	return &code, nil
}

// ClaimResetAttempt counts one guess against an unused code. It reports false once the
// code is used or maxAttempts guesses have been spent.
func ClaimResetAttempt(ctx context.Context, db *gorm.DB, codeID uint, maxAttempts int) (bool, error) {
	result := db.WithContext(ctx).
		Model(&PasswordResetCode{}).
		Where("id = ? AND used_at IS NULL AND attempts < ?", codeID, maxAttempts).
		Update("attempts", gorm.Expr("attempts + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ConsumeResetCode marks the code used. Only the first caller gets true.
func ConsumeResetCode(ctx context.Context, db *gorm.DB, codeID uint, usedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&PasswordResetCode{}).
		Where("id = ? AND used_at IS NULL", codeID).
		Update("used_at", usedAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
