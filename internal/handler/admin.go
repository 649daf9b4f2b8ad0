package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
	"github.com/datapipe/api/pkg/response"
)

type AdminHandler struct {
	jobs      *service.Jobs
	store     store.Store
	validator *validator.Validate
}

func NewAdminHandler(jobs *service.Jobs, st store.Store, v *validator.Validate) *AdminHandler {
	return &AdminHandler{jobs: jobs, store: st, validator: v}
}

// Redrive handles POST /v1/admin/dlq/redrive: dead-lettered jobs re-enter
// the main queue.
func (h *AdminHandler) Redrive(c *fiber.Ctx) error {
	var req model.RedriveRequest
	if err := c.BodyParser(&req); err != nil {
		return response.InvalidRequest(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.InvalidRequest(c, "Validation failed", formatValidationErrors(err))
	}

	result := h.jobs.Redrive(c.Context(), req.Kind, req.IDs)
	return response.OK(c, result)
}

// ListDLQ handles GET /v1/admin/dlq: the operator's view of dead letters.
func (h *AdminHandler) ListDLQ(c *fiber.Ctx) error {
	kind := model.JobKind(c.Query("kind", string(model.KindScrape)))
	entries, err := h.store.ListDeadLetters(c.Context(), kind, c.QueryInt("limit"))
	if err != nil {
		return response.Unavailable(c, "DLQ listing failed")
	}
	if entries == nil {
		entries = []*model.DeadLetter{}
	}
	return response.OK(c, fiber.Map{"items": entries})
}
