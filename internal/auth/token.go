package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	rotationKeyInfo = "refresh-rotation:"
)

type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the signed payload of both token types. RotationKey is only
// present on refresh tokens.
type Claims struct {
	Type        TokenType `json:"type"`
	UserID      string    `json:"userId"`
	Role        []string  `json:"role"`
	RotationKey string    `json:"key,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, now func() time.Time) *Issuer {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}
}

func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// GenerateAccessToken mints a short-lived access token.
func (i *Issuer) GenerateAccessToken(userID string, role []string) (string, error) {
	return i.sign(Claims{
		Type:   TokenAccess,
		UserID: userID,
		Role:   role,
	}, i.accessTTL)
}

// GenerateRefreshToken mints a refresh token bound to the current password hash.
func (i *Issuer) GenerateRefreshToken(userID string, role []string, passwordHash string) (string, error) {
	key, err := i.RotationKey(userID, passwordHash)
	if err != nil {
		return "", err
	}

	return i.sign(Claims{
		Type:        TokenRefresh,
		UserID:      userID,
		Role:        role,
		RotationKey: key,
	}, i.refreshTTL)
}

// RotationKey derives a deterministic key from the user id and the stored
// password hash. Any change of password yields a different key.
func (i *Issuer) RotationKey(userID, passwordHash string) (string, error) {
	reader := hkdf.New(sha256.New, []byte(passwordHash), i.secret, []byte(rotationKeyInfo+userID))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(reader, key); err != nil {
		return "", &Error{Kind: KindHashingFailure, Err: fmt.Errorf("derive rotation key: %w", err)}
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

// MatchesPassword reports whether a refresh token's rotation key was derived
// from passwordHash.
func (i *Issuer) MatchesPassword(claims *Claims, passwordHash string) (bool, error) {
	expected, err := i.RotationKey(claims.UserID, passwordHash)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(claims.RotationKey)), nil
}

// Verify checks signature, expiry and shape. It returns ErrTokenExpired,
// ErrTokenMalformed or ErrSignatureInvalid on failure and never a partial
// payload.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, tokenError(KindTokenMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, tokenError(KindSignatureInvalid, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, tokenError(KindTokenExpired, err)
		default:
			return nil, tokenError(KindTokenMalformed, err)
		}
	}
	if !token.Valid {
		return nil, ErrTokenMalformed
	}

	if claims.UserID == "" {
		return nil, tokenError(KindTokenMalformed, errors.New("missing user id"))
	}
	switch claims.Type {
	case TokenAccess:
	case TokenRefresh:
		if claims.RotationKey == "" {
			return nil, tokenError(KindTokenMalformed, errors.New("refresh token without rotation key"))
		}
	default:
		return nil, tokenError(KindTokenMalformed, fmt.Errorf("unknown token type %q", claims.Type))
	}

	return claims, nil
}

func (i *Issuer) sign(claims Claims, ttl time.Duration) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	now := i.now().UTC()
	if claims.Role == nil {
		claims.Role = []string{}
	}
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        id.String(),
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, nil
}
