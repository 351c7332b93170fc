package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrInvalidResetCode   = errors.New("invalid or expired reset code")
	ErrCapsuleNotEditable = errors.New("capsule can only be changed while pending")
	ErrCapsuleInFlight    = errors.New("capsule is being delivered")
	ErrCapsuleNotShared   = errors.New("capsule is not available")
	ErrSMSDisabled        = errors.New("sms delivery disabled: missing Twilio credentials")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (validationError *ValidationError) Error() string {
	if validationError.Field == "" {
		return validationError.Message
	}
	return fmt.Sprintf("%s: %s", validationError.Field, validationError.Message)
}

func newValidationError(field string, message string) error {
	return &ValidationError{Field: field, Message: message}
}
