package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrRandomSourceFailure indicates that entropy retrieval failed.
	ErrRandomSourceFailure = errors.New("secret: random_source_failure")
	// ErrMissingRandomSource indicates that a nil entropy source was provided.
	ErrMissingRandomSource = errors.New("secret: missing_random_source")
	// ErrInvalidDigitCount indicates an unusable numeric code length.
	ErrInvalidDigitCount = errors.New("secret: invalid_digit_count")
)

const (
	minCodeDigits = 4
	maxCodeDigits = 12
	// bytes at or above this value are rejected so every digit is equally likely.
	uniformDigitCeiling = 250
)

// Generator wraps an entropy source for generating secrets.
type Generator struct {
	randomSource io.Reader
}

// NewGenerator constructs a Generator that draws entropy from the provided reader.
func NewGenerator(randomSource io.Reader) (*Generator, error) {
	if randomSource == nil {
		return nil, ErrMissingRandomSource
	}
	return &Generator{
		randomSource: randomSource,
	}, nil
}

// NewCryptoGenerator creates a Generator backed by crypto/rand.Reader.
func NewCryptoGenerator() (*Generator, error) {
	return NewGenerator(rand.Reader)
}

// GenerateSecret produces a URL-safe secret string using the configured entropy source.
func (generator *Generator) GenerateSecret(ctx context.Context, length ByteLength) (string, error) {
	if generator == nil {
		return "", ErrMissingRandomSource
	}
	return GenerateSecret(ctx, generator.randomSource, length)
}

// GenerateNumericCode produces a one-time code made of decimal digits.
func (generator *Generator) GenerateNumericCode(ctx context.Context, digits int) (string, error) {
	if generator == nil {
		return "", ErrMissingRandomSource
	}
	return GenerateNumericCode(ctx, generator.randomSource, digits)
}

// GenerateSecret creates a URL-safe secret string using the provided entropy source.
func GenerateSecret(ctx context.Context, randomSource io.Reader, length ByteLength) (string, error) {
	if err := checkSource(ctx, randomSource); err != nil {
		return "", err
	}

	buffer := make([]byte, length.Value())
	if _, err := io.ReadFull(randomSource, buffer); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRandomSourceFailure, err)
	}

	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// GenerateNumericCode creates a zero-padded decimal code of the requested length.
func GenerateNumericCode(ctx context.Context, randomSource io.Reader, digits int) (string, error) {
	if digits < minCodeDigits || digits > maxCodeDigits {
		return "", fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidDigitCount, digits, minCodeDigits, maxCodeDigits)
	}
	if err := checkSource(ctx, randomSource); err != nil {
		return "", err
	}

	var builder strings.Builder
	builder.Grow(digits)
	chunk := make([]byte, digits)
	for builder.Len() < digits {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("secret: context canceled: %w", err)
		}
		if _, err := io.ReadFull(randomSource, chunk); err != nil {
			return "", fmt.Errorf("%w: %w", ErrRandomSourceFailure, err)
		}
		for _, value := range chunk {
			if value >= uniformDigitCeiling {
				continue
			}
			builder.WriteByte('0' + value%10)
			if builder.Len() == digits {
				break
			}
		}
	}
	return builder.String(), nil
}

func checkSource(ctx context.Context, randomSource io.Reader) error {
	if ctx == nil {
		return fmt.Errorf("%w: nil context", ErrRandomSourceFailure)
	}
	if randomSource == nil {
		return ErrMissingRandomSource
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("secret: context canceled: %w", err)
	}
	return nil
}
