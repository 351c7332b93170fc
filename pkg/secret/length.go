package secret

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidByteLength reports a secret length outside the supported range.
var ErrInvalidByteLength = errors.New("secret: invalid_byte_length")

const (
	minSecretByteLength     = 32
	maxSecretByteLength     = 1024
	defaultSecretByteLength = 48
)

// ByteLength is the amount of entropy, in bytes, behind a generated secret.
type ByteLength struct {
	value int
}

func NewByteLength(value int) (ByteLength, error) {
	if value < minSecretByteLength || value > maxSecretByteLength {
		return ByteLength{}, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidByteLength, value, minSecretByteLength, maxSecretByteLength)
	}
	return ByteLength{value: value}, nil
}

// TokenByteLength sizes API tokens and recipient access tokens.
func TokenByteLength() ByteLength {
	return ByteLength{value: minSecretByteLength}
}

// DefaultByteLength is used for signing and encryption keys.
func DefaultByteLength() ByteLength {
	return ByteLength{value: defaultSecretByteLength}
}

func (length ByteLength) Value() int {
	return length.value
}

// EncodedLength is the size of the URL-safe text form produced by GenerateSecret.
func (length ByteLength) EncodedLength() int {
	return base64.RawURLEncoding.EncodedLen(length.value)
}
