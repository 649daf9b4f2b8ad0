// Package auth validates tenant API keys. Keys are HMAC-signed JWTs
// carrying the key id, tenant and role; rotation is enforced through the
// standard expiry claim.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datapipe/api/internal/model"
)

var (
	ErrExpiredKey = errors.New("auth: key expired")
	ErrInvalidKey = errors.New("auth: invalid key")
)

// KeyValidator checks an API credential and resolves its principal.
type KeyValidator interface {
	Validate(credential string) (*model.Principal, error)
}

// KeyClaims is the signed content of an API key.
type KeyClaims struct {
	TenantID string     `json:"tenantId"`
	Role     model.Role `json:"role"`
	jwt.RegisteredClaims
}

// HMACKeyValidator validates keys signed with a shared secret.
type HMACKeyValidator struct {
	secret string
}

func NewHMACKeyValidator(secret string) *HMACKeyValidator {
	return &HMACKeyValidator{secret: secret}
}

func (v *HMACKeyValidator) Validate(credential string) (*model.Principal, error) {
	token, err := jwt.ParseWithClaims(credential, &KeyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredKey
		}
		return nil, ErrInvalidKey
	}

	claims, ok := token.Claims.(*KeyClaims)
	if !ok || !token.Valid || claims.TenantID == "" {
		return nil, ErrInvalidKey
	}

	role := claims.Role
	if role == "" {
		role = model.RoleAnalyst
	}

	return &model.Principal{
		KeyID:    claims.Subject,
		TenantID: claims.TenantID,
		Role:     role,
	}, nil
}

// GenerateKey mints a key with the given lifetime. Used by provisioning
// tooling and tests.
func GenerateKey(secret, keyID, tenantID string, role model.Role, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := KeyClaims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   keyID,
			Issuer:    "datapipe-api",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
