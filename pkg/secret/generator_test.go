package secret

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"testing"
)

type stubRandomReader struct {
	buffer []byte
	index  int
	err    error
}

func (reader *stubRandomReader) Read(p []byte) (int, error) {
	if reader.err != nil {
		return 0, reader.err
	}
	if reader.index >= len(reader.buffer) {
		return 0, io.EOF
	}
	n := copy(p, reader.buffer[reader.index:])
	reader.index += n
	return n, nil
}

func TestNewByteLengthValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		value       int
		expectError bool
	}{
		{
			name:        "rejects too small length",
			value:       16,
			expectError: true,
		},
		{
			name:  "accepts minimum length",
			value: 32,
		},
		{
			name:  "accepts larger length",
			value: 96,
		},
		{
			name:        "rejects oversized length",
			value:       4096,
			expectError: true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			length, err := NewByteLength(testCase.value)
			if testCase.expectError {
				if err == nil {
					t.Fatalf("expected error but got nil")
				}
				if !errors.Is(err, ErrInvalidByteLength) {
					t.Fatalf("expected ErrInvalidByteLength, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if length.Value() != testCase.value {
				t.Fatalf("expected value %d, got %d", testCase.value, length.Value())
			}
		})
	}
}

func TestTokenByteLengthEncodesToFixedWidth(t *testing.T) {
	t.Parallel()

	length := TokenByteLength()
	if length.EncodedLength() != 43 {
		t.Fatalf("expected 43 encoded characters, got %d", length.EncodedLength())
	}
	token, err := GenerateSecret(context.Background(), bytes.NewReader(make([]byte, length.Value())), length)
	if err != nil {
		t.Fatalf("GenerateSecret error: %v", err)
	}
	if len(token) != length.EncodedLength() {
		t.Fatalf("expected token of %d characters, got %d", length.EncodedLength(), len(token))
	}
	if DefaultByteLength().Value() <= length.Value() {
		t.Fatalf("default length must exceed token length")
	}
}

func TestGenerateSecretSuccess(t *testing.T) {
	t.Parallel()

	length, err := NewByteLength(48)
	if err != nil {
		t.Fatalf("expected nil error constructing length, got %v", err)
	}

	data := make([]byte, length.Value())
	for index := range data {
		data[index] = byte(index)
	}

	reader := &stubRandomReader{
		buffer: data,
	}
	ctx := context.Background()

	secretValue, generateErr := GenerateSecret(ctx, reader, length)
	if generateErr != nil {
		t.Fatalf("expected nil error, got %v", generateErr)
	}

	expected := base64.RawURLEncoding.EncodeToString(data)
	if secretValue != expected {
		t.Fatalf("expected %q, got %q", expected, secretValue)
	}
	if len(secretValue) == 0 {
		t.Fatalf("expected non-empty secret")
	}
}

func TestGenerateSecretRandomFailure(t *testing.T) {
	t.Parallel()

	length, err := NewByteLength(48)
	if err != nil {
		t.Fatalf("expected nil error constructing length, got %v", err)
	}
	expectedErr := errors.New("read failure")
	reader := &stubRandomReader{
		err: expectedErr,
	}

	_, generateErr := GenerateSecret(context.Background(), reader, length)
	if generateErr == nil {
		t.Fatalf("expected error but got nil")
	}
	if !errors.Is(generateErr, ErrRandomSourceFailure) {
		t.Fatalf("expected ErrRandomSourceFailure, got %v", generateErr)
	}
	if !errors.Is(generateErr, expectedErr) {
		t.Fatalf("expected wrapped read error, got %v", generateErr)
	}
}

func TestGenerateSecretHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	length, err := NewByteLength(48)
	if err != nil {
		t.Fatalf("expected nil error constructing length, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, generateErr := GenerateSecret(ctx, bytes.NewReader(make([]byte, length.Value())), length)
	if generateErr == nil {
		t.Fatalf("expected error but got nil")
	}
	if !errors.Is(generateErr, context.Canceled) {
		t.Fatalf("expected context cancelled error, got %v", generateErr)
	}
}

func TestGenerateNumericCodeSkipsBiasedBytes(t *testing.T) {
	t.Parallel()

	reader := &stubRandomReader{
		buffer: []byte{255, 1, 252, 22, 3, 49, 250, 5, 6, 7, 8, 9},
	}
	code, err := GenerateNumericCode(context.Background(), reader, 6)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if code != "123956" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestGenerateNumericCodeRejectsInvalidLength(t *testing.T) {
	t.Parallel()

	_, err := GenerateNumericCode(context.Background(), bytes.NewReader(make([]byte, 64)), 2)
	if !errors.Is(err, ErrInvalidDigitCount) {
		t.Fatalf("expected ErrInvalidDigitCount, got %v", err)
	}
}

func TestGeneratorNumericCodeUsesCryptoSource(t *testing.T) {
	t.Parallel()

	generator, err := NewCryptoGenerator()
	if err != nil {
		t.Fatalf("generator error: %v", err)
	}
	code, err := generator.GenerateNumericCode(context.Background(), 6)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
	for _, character := range code {
		if character < '0' || character > '9' {
			t.Fatalf("unexpected character %q in %q", character, code)
		}
	}
}
