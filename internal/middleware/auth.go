package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/auth"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/pkg/response"
)

// AuthMiddleware resolves the bearer API key into a principal.
type AuthMiddleware struct {
	validator auth.KeyValidator
}

func NewAuthMiddleware(validator auth.KeyValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Authenticate validates the Authorization header and stores the principal
// in request locals.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return response.Unauthenticated(c, "Missing authorization header")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return response.Unauthenticated(c, "Invalid authorization header format")
		}

		principal, err := m.validator.Validate(parts[1])
		if err != nil {
			if errors.Is(err, auth.ErrExpiredKey) {
				return response.Unauthenticated(c, "API key expired")
			}
			return response.Unauthenticated(c, "Invalid API key")
		}

		c.Locals("principal", principal)
		return c.Next()
	}
}

// RequireWrite gates mutating endpoints: analysts are read-only.
func RequireWrite() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := GetPrincipal(c)
		if p == nil || !p.Role.CanWrite() {
			return response.Unauthorized(c, "Role may not modify jobs")
		}
		return c.Next()
	}
}

// RequireAdmin gates operator endpoints.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := GetPrincipal(c)
		if p == nil || !p.Role.CanAdmin() {
			return response.Unauthorized(c, "Admin role required")
		}
		return c.Next()
	}
}

// GetPrincipal extracts the authenticated principal from request locals.
func GetPrincipal(c *fiber.Ctx) *model.Principal {
	if p, ok := c.Locals("principal").(*model.Principal); ok {
		return p
	}
	return nil
}
