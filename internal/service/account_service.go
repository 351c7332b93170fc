package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tyemirov/timecapsule/internal/auth"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/pkg/secret"
	"gorm.io/gorm"
)

const (
	minLoginEmailLength = 5
	maxEmailLength      = 255
	maxNameLength       = 255
	resetCodeDigits     = 6
	maxResetAttempts    = 5
)

// TokenIssuer signs and validates the JWT pair handed to clients.
type TokenIssuer interface {
	IssuePair(userID uint) (auth.TokenPair, error)
	ParseAccess(tokenString string) (uint, error)
	ParseRefresh(tokenString string) (uint, error)
}

// AccountService covers registration, authentication, profile management and password reset.
type AccountService interface {
	Register(ctx context.Context, request RegisterRequest) (AuthResult, error)
	Login(ctx context.Context, request LoginRequest) (AuthResult, error)
	// Logout revokes the user's API token.
	Logout(ctx context.Context, userID uint) error
	AuthenticateAccessToken(ctx context.Context, accessToken string) (*model.User, error)
	AuthenticateAPIToken(ctx context.Context, apiToken string) (*model.User, error)
	CurrentUser(ctx context.Context, userID uint) (model.UserResponse, error)
	UpdateProfile(ctx context.Context, userID uint, update ProfileUpdate) (model.UserResponse, error)
	ChangePassword(ctx context.Context, userID uint, request ChangePasswordRequest) error
	RefreshTokens(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	// RequestPasswordReset never reveals whether the address is registered.
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, request ConfirmResetRequest) error
}

type RegisterRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	DateOfBirth string `json:"dob"`
	Password    string `json:"password"`
	Password2   string `json:"password2"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate is a partial update; nil fields are left untouched.
type ProfileUpdate struct {
	Name        *string `json:"name"`
	DateOfBirth *string `json:"dob"`
}

type ChangePasswordRequest struct {
	OldPassword     string `json:"old_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type ConfirmResetRequest struct {
	Email         string `json:"email"`
	OTP           string `json:"otp"`
	NewPassword   string `json:"new_password"`
	ReNewPassword string `json:"re_new_password"`
}

// AuthResult is returned by login and registration.
type AuthResult struct {
	Token  string             `json:"token,omitempty"`
	Tokens auth.TokenPair     `json:"tokens"`
	User   model.UserResponse `json:"user"`
}

// AccountServiceConfig bundles the collaborators of the account service.
type AccountServiceConfig struct {
	Database    *gorm.DB
	Logger      *slog.Logger
	Tokens      TokenIssuer
	Secrets     *secret.Generator
	EmailSender EmailSender
	OTPTTL      time.Duration
}

type accountServiceImpl struct {
	database    *gorm.DB
	logger      *slog.Logger
	tokens      TokenIssuer
	secrets     *secret.Generator
	emailSender EmailSender
	otpTTL      time.Duration
	tokenLength secret.ByteLength
	now         func() time.Time
}

func NewAccountService(config AccountServiceConfig) (AccountService, error) {
	if config.Database == nil || config.Logger == nil || config.Tokens == nil || config.Secrets == nil || config.EmailSender == nil {
		return nil, errors.New("account service: missing dependency")
	}
	return &accountServiceImpl{
		database:    config.Database,
		logger:      config.Logger,
		tokens:      config.Tokens,
		secrets:     config.Secrets,
		emailSender: config.EmailSender,
		otpTTL:      config.OTPTTL,
		tokenLength: secret.TokenByteLength(),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (serviceInstance *accountServiceImpl) Register(ctx context.Context, request RegisterRequest) (AuthResult, error) {
	email, err := validateEmail("email", request.Email)
	if err != nil {
		return AuthResult{}, err
	}
	name := strings.TrimSpace(request.Name)
	if utf8.RuneCountInString(name) > maxNameLength {
		return AuthResult{}, newValidationError("name", "Ensure this field has no more than 255 characters.")
	}
	dateOfBirth, err := parseDateOfBirth(request.DateOfBirth, serviceInstance.now())
	if err != nil {
		return AuthResult{}, err
	}
	if request.Password != request.Password2 {
		return AuthResult{}, newValidationError("password", "Password fields didn't match.")
	}
	if err := validatePasswordStrength("password", request.Password); err != nil {
		return AuthResult{}, err
	}

	passwordHash, err := auth.HashSecret(request.Password)
	if err != nil {
		return AuthResult{}, err
	}
	user := model.User{
		Email:        email,
		Name:         name,
		DateOfBirth:  dateOfBirth,
		PasswordHash: passwordHash,
		IsActive:     true,
	}
	if err := model.CreateUser(ctx, serviceInstance.database, &user); err != nil {
		if errors.Is(err, model.ErrEmailTaken) {
			return AuthResult{}, newValidationError("email", "A user with that email already exists.")
		}
		return AuthResult{}, err
	}
	pair, err := serviceInstance.tokens.IssuePair(user.ID)
	if err != nil {
		return AuthResult{}, err
	}
	serviceInstance.logger.Info("user_registered", "user_id", user.ID)
	return AuthResult{Tokens: pair, User: model.NewUserResponse(user)}, nil
}

func (serviceInstance *accountServiceImpl) Login(ctx context.Context, request LoginRequest) (AuthResult, error) {
	email := model.NormalizeEmail(request.Email)
	if len(email) < minLoginEmailLength || len(email) > maxEmailLength {
		return AuthResult{}, newValidationError("email", "Enter a valid email address.")
	}
	if request.Password == "" {
		return AuthResult{}, newValidationError("password", "This field is required.")
	}

	user, err := model.GetUserByEmail(ctx, serviceInstance.database, email)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}
	matches, err := auth.VerifySecret(user.PasswordHash, request.Password)
	if err != nil {
		return AuthResult{}, err
	}
	if !matches || !user.IsActive {
		serviceInstance.logger.Warn("login_rejected", "user_id", user.ID, "active", user.IsActive)
		return AuthResult{}, ErrInvalidCredentials
	}

	candidateKey, err := serviceInstance.secrets.GenerateSecret(ctx, serviceInstance.tokenLength)
	if err != nil {
		return AuthResult{}, err
	}
	apiToken, err := model.GetOrCreateAPIToken(ctx, serviceInstance.database, user.ID, candidateKey)
	if err != nil {
		return AuthResult{}, err
	}
	loggedInAt := serviceInstance.now()
	user.LastLoginAt = &loggedInAt
	if err := model.SaveUser(ctx, serviceInstance.database, user); err != nil {
		return AuthResult{}, err
	}
	pair, err := serviceInstance.tokens.IssuePair(user.ID)
	if err != nil {
		return AuthResult{}, err
	}
	serviceInstance.logger.Info("user_logged_in", "user_id", user.ID)
	return AuthResult{Token: apiToken.Token, Tokens: pair, User: model.NewUserResponse(*user)}, nil
}

func (serviceInstance *accountServiceImpl) Logout(ctx context.Context, userID uint) error {
	if err := model.DeleteAPIToken(ctx, serviceInstance.database, userID); err != nil {
		return err
	}
	serviceInstance.logger.Info("user_logged_out", "user_id", userID)
	return nil
}

func (serviceInstance *accountServiceImpl) AuthenticateAccessToken(ctx context.Context, accessToken string) (*model.User, error) {
	userID, err := serviceInstance.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return serviceInstance.activeUser(ctx, userID)
}

func (serviceInstance *accountServiceImpl) AuthenticateAPIToken(ctx context.Context, apiToken string) (*model.User, error) {
	token, err := model.GetAPIToken(ctx, serviceInstance.database, apiToken)
	if err != nil {
		if errors.Is(err, model.ErrAPITokenNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return serviceInstance.activeUser(ctx, token.UserID)
}

func (serviceInstance *accountServiceImpl) activeUser(ctx context.Context, userID uint) (*model.User, error) {
	user, err := model.GetUserByID(ctx, serviceInstance.database, userID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

func (serviceInstance *accountServiceImpl) CurrentUser(ctx context.Context, userID uint) (model.UserResponse, error) {
	user, err := model.GetUserByID(ctx, serviceInstance.database, userID)
	if err != nil {
		return model.UserResponse{}, err
	}
	return model.NewUserResponse(*user), nil
}

func (serviceInstance *accountServiceImpl) UpdateProfile(ctx context.Context, userID uint, update ProfileUpdate) (model.UserResponse, error) {
	user, err := model.GetUserByID(ctx, serviceInstance.database, userID)
	if err != nil {
		return model.UserResponse{}, err
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if utf8.RuneCountInString(name) > maxNameLength {
			return model.UserResponse{}, newValidationError("name", "Ensure this field has no more than 255 characters.")
		}
		user.Name = name
	}
	if update.DateOfBirth != nil {
		dateOfBirth, err := parseDateOfBirth(*update.DateOfBirth, serviceInstance.now())
		if err != nil {
			return model.UserResponse{}, err
		}
		user.DateOfBirth = dateOfBirth
	}
	if err := model.SaveUser(ctx, serviceInstance.database, user); err != nil {
		return model.UserResponse{}, err
	}
	return model.NewUserResponse(*user), nil
}

func (serviceInstance *accountServiceImpl) ChangePassword(ctx context.Context, userID uint, request ChangePasswordRequest) error {
	user, err := model.GetUserByID(ctx, serviceInstance.database, userID)
	if err != nil {
		return err
	}
	matches, err := auth.VerifySecret(user.PasswordHash, request.OldPassword)
	if err != nil {
		return err
	}
	if !matches {
		return newValidationError("old_password", "Old password is not correct.")
	}
	if request.NewPassword != request.ConfirmPassword {
		return newValidationError("confirm_password", "New passwords do not match.")
	}
	if request.NewPassword == request.OldPassword {
		return newValidationError("new_password", "New password must differ from the old password.")
	}
	if err := validatePasswordStrength("new_password", request.NewPassword); err != nil {
		return err
	}
	passwordHash, err := auth.HashSecret(request.NewPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = passwordHash
	if err := model.SaveUser(ctx, serviceInstance.database, user); err != nil {
		return err
	}
	serviceInstance.logger.Info("password_changed", "user_id", user.ID)
	return nil
}

func (serviceInstance *accountServiceImpl) RefreshTokens(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return auth.TokenPair{}, newValidationError("refresh", "This field is required.")
	}
	userID, err := serviceInstance.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if _, err := serviceInstance.activeUser(ctx, userID); err != nil {
		return auth.TokenPair{}, err
	}
	return serviceInstance.tokens.IssuePair(userID)
}

func (serviceInstance *accountServiceImpl) RequestPasswordReset(ctx context.Context, email string) error {
	normalized, err := validateEmail("email", email)
	if err != nil {
		return err
	}
	user, err := model.GetUserByEmail(ctx, serviceInstance.database, normalized)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			serviceInstance.logger.Info("password_reset_unknown_email")
			return nil
		}
		return err
	}
	if !user.IsActive {
		serviceInstance.logger.Info("password_reset_inactive_user", "user_id", user.ID)
		return nil
	}

	code, err := serviceInstance.secrets.GenerateNumericCode(ctx, resetCodeDigits)
	if err != nil {
		return err
	}
	codeHash, err := auth.HashSecret(code)
	if err != nil {
		return err
	}
	resetCode := model.PasswordResetCode{
		UserID:    user.ID,
		CodeHash:  codeHash,
		ExpiresAt: serviceInstance.now().Add(serviceInstance.otpTTL),
	}
	if err := model.ReplaceResetCode(ctx, serviceInstance.database, &resetCode); err != nil {
		return err
	}
	if err := serviceInstance.emailSender.SendEmail(ctx, user.Email, passwordResetSubject(), passwordResetBody(code, serviceInstance.otpTTL)); err != nil {
		serviceInstance.logger.Error("password_reset_email_failed", "user_id", user.ID, "error", err)
		return nil
	}
	serviceInstance.logger.Info("password_reset_requested", "user_id", user.ID)
	return nil
}

func (serviceInstance *accountServiceImpl) ConfirmPasswordReset(ctx context.Context, request ConfirmResetRequest) error {
	if request.NewPassword != request.ReNewPassword {
		return newValidationError("re_new_password", "Passwords do not match.")
	}
	if err := validatePasswordStrength("new_password", request.NewPassword); err != nil {
		return err
	}
	user, err := model.GetUserByEmail(ctx, serviceInstance.database, request.Email)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return ErrInvalidResetCode
		}
		return err
	}
	resetCode, err := model.GetActiveResetCode(ctx, serviceInstance.database, user.ID)
	if err != nil {
		if errors.Is(err, model.ErrResetCodeNotFound) {
			return ErrInvalidResetCode
		}
		return err
	}
	now := serviceInstance.now()
	if now.After(resetCode.ExpiresAt) {
		return ErrInvalidResetCode
	}
	claimed, err := model.ClaimResetAttempt(ctx, serviceInstance.database, resetCode.ID, maxResetAttempts)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrInvalidResetCode
	}

	matches, err := auth.VerifySecret(resetCode.CodeHash, strings.TrimSpace(request.OTP))
	if err != nil {
		return err
	}
	if !matches {
		serviceInstance.logger.Warn("password_reset_code_mismatch", "user_id", user.ID)
		return ErrInvalidResetCode
	}

	passwordHash, err := auth.HashSecret(request.NewPassword)
	if err != nil {
		return err
	}
	err = serviceInstance.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consumed, err := model.ConsumeResetCode(ctx, tx, resetCode.ID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrInvalidResetCode
		}
		user.PasswordHash = passwordHash
		if err := model.SaveUser(ctx, tx, user); err != nil {
			return err
		}
		if err := model.DeleteAPIToken(ctx, tx, user.ID); err != nil && !errors.Is(err, model.ErrAPITokenNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	serviceInstance.logger.Info("password_reset_completed", "user_id", user.ID)
	return nil
}

func validateEmail(field string, raw string) (string, error) {
	email := model.NormalizeEmail(raw)
	if email == "" {
		return "", newValidationError(field, "This field is required.")
	}
	if len(email) > maxEmailLength {
		return "", newValidationError(field, "Enter a valid email address.")
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		return "", newValidationError(field, "Enter a valid email address.")
	}
	return email, nil
}

func validatePasswordStrength(field string, password string) error {
	if len(password) < auth.MinPasswordLength {
		return newValidationError(field, fmt.Sprintf("This password is too short. It must contain at least %d characters.", auth.MinPasswordLength))
	}
	if len(password) > auth.MaxPasswordBytes {
		return newValidationError(field, fmt.Sprintf("This password is too long. It must contain at most %d bytes.", auth.MaxPasswordBytes))
	}
	return nil
}

func parseDateOfBirth(raw string, now time.Time) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := time.Parse(model.DateLayout, trimmed)
	if err != nil {
		return nil, newValidationError("dob", "Date has wrong format. Use YYYY-MM-DD.")
	}
	if parsed.After(now) {
		return nil, newValidationError("dob", "Date of birth cannot be in the future.")
	}
	return &parsed, nil
}
