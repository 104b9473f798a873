// Package auth issues and verifies access tokens. A session token grants
// everything its user may do; a scoped token grants only its permissions.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Permission kinds checked by the streaming endpoint.
const (
	PermReadAdminQueue = "read:admin:queue"
	PermReadAccount    = "read:account"
	PermWriteAccount   = "write:account"
	PermReadNotes      = "read:notifications"
	PermWriteWebhooks  = "write:webhooks"
	PermWriteAdmin     = "write:admin:webhooks"
)

var ErrMissingSecret = errors.New("missing secret")

type Claims struct {
	UserID      string   `json:"uid"`
	Scoped      bool     `json:"scp,omitempty"`
	Permissions []string `json:"perm,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user id the token was issued to.
func (c *Claims) User() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

// HasPermission reports whether the token grants kind. Session tokens grant
// every kind.
func (c *Claims) HasPermission(kind string) bool {
	return !c.Scoped || slices.Contains(c.Permissions, kind)
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 30 * 24 * time.Hour,
		Issuer: "trunk",
	}
}

// CreateToken issues a session token when permissions is nil and a scoped
// token otherwise.
func CreateToken(userID uuid.UUID, permissions []string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if userID == uuid.Nil {
		return "", errors.New("missing userID")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		UserID:      userID.String(),
		Scoped:      permissions != nil,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if _, err := claims.User(); err != nil {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
