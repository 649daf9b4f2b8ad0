package response

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Error kinds surfaced in the envelope
const (
	KindInvalidRequest  = "invalid_request"
	KindUnauthenticated = "unauthenticated"
	KindUnauthorized    = "unauthorized"
	KindRateLimited     = "rate_limited"
	KindNotFound        = "not_found"
	KindConflict        = "conflict"
	KindUnavailable     = "unavailable"
	KindInternal        = "internal"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id"`
}

func traceID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

func Error(c *fiber.Ctx, status int, kind, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error:   kind,
		Message: message,
		Details: details,
		TraceID: traceID(c),
	})
}

func InvalidRequest(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, KindInvalidRequest, message, details)
}

func Unauthenticated(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, KindUnauthenticated, message, nil)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, KindUnauthorized, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, KindNotFound, message, nil)
}

func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, KindConflict, message, nil)
}

// RateLimited sets Retry-After before emitting the envelope.
func RateLimited(c *fiber.Ctx, retryAfterSeconds int) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds))
	return Error(c, fiber.StatusTooManyRequests, KindRateLimited, "Rate limit exceeded", nil)
}

func Unavailable(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusServiceUnavailable, KindUnavailable, message, nil)
}

func Internal(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, KindInternal, message, nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
