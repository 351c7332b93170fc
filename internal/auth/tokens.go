package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken      = errors.New("token is invalid or expired")
	ErrMissingSigningKey = errors.New("jwt signing key is required")
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenConfig configures JWT issuance.
type TokenConfig struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenPair is what login, registration and refresh hand back to clients.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type capsuleClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 access and refresh tokens.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(config TokenConfig) (*TokenIssuer, error) {
	if strings.TrimSpace(config.SigningKey) == "" {
		return nil, ErrMissingSigningKey
	}
	if config.AccessTTL <= 0 || config.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive")
	}
	return &TokenIssuer{
		signingKey: []byte(config.SigningKey),
		issuer:     config.Issuer,
		accessTTL:  config.AccessTTL,
		refreshTTL: config.RefreshTTL,
		now:        time.Now,
	}, nil
}

// IssuePair signs a fresh access and refresh token for the user.
func (issuer *TokenIssuer) IssuePair(userID uint) (TokenPair, error) {
	access, err := issuer.sign(userID, TokenTypeAccess, issuer.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := issuer.sign(userID, TokenTypeRefresh, issuer.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// ParseAccess returns the user ID carried by a valid access token.
func (issuer *TokenIssuer) ParseAccess(tokenString string) (uint, error) {
	return issuer.parse(tokenString, TokenTypeAccess)
}

// ParseRefresh returns the user ID carried by a valid refresh token.
func (issuer *TokenIssuer) ParseRefresh(tokenString string) (uint, error) {
	return issuer.parse(tokenString, TokenTypeRefresh)
}

func (issuer *TokenIssuer) sign(userID uint, tokenType string, ttl time.Duration) (string, error) {
	issuedAt := issuer.now().UTC()
	claims := capsuleClaims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

func (issuer *TokenIssuer) parse(tokenString string, expectedType string) (uint, error) {
	claims := &capsuleClaims{}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(issuer.now),
		jwt.WithExpirationRequired(),
	}
	if issuer.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(issuer.issuer))
	}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return issuer.signingKey, nil
	}, parserOptions...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != expectedType {
		return 0, fmt.Errorf("%w: expected %s token", ErrInvalidToken, expectedType)
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return uint(userID), nil
}
