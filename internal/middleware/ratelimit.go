package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/store"
	"github.com/datapipe/api/pkg/response"
)

// Operation classes for per-principal quotas.
const (
	OpClassRead  = "read"
	OpClassWrite = "write"
	OpClassAdmin = "admin"
)

// RateLimiter enforces a token bucket per (principal, operation class).
// Bucket state lives in the metadata store so horizontally-scaled API
// instances converge on one budget.
type RateLimiter struct {
	store store.Store
	cfg   config.RateLimitConfig
}

func NewRateLimiter(st store.Store, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{store: st, cfg: cfg}
}

// Limit builds the middleware for one operation class.
func (rl *RateLimiter) Limit(opClass string) fiber.Handler {
	capacity, rate := rl.params(opClass)
	return func(c *fiber.Ctx) error {
		p := GetPrincipal(c)
		if p == nil {
			return c.Next() // auth middleware rejects unauthenticated calls
		}

		key := fmt.Sprintf("%s:%s", p.KeyID, opClass)
		allowed, retryAfter, err := rl.store.TakeToken(c.Context(), key, capacity, rate)
		if err != nil {
			// A degraded limiter store must not take the API down.
			return c.Next()
		}
		if !allowed {
			return response.RateLimited(c, retryAfter)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", capacity))
		return c.Next()
	}
}

func (rl *RateLimiter) params(opClass string) (int, float64) {
	switch opClass {
	case OpClassWrite:
		return rl.cfg.WriteBurst, rl.cfg.WritePerSec
	case OpClassAdmin:
		return rl.cfg.AdminBurst, rl.cfg.AdminPerSec
	default:
		return rl.cfg.ReadBurst, rl.cfg.ReadPerSec
	}
}
