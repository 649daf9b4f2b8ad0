package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/middleware"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/pkg/response"
)

type ExecutionsHandler struct {
	query *service.Query
}

func NewExecutionsHandler(query *service.Query) *ExecutionsHandler {
	return &ExecutionsHandler{query: query}
}

// Get handles GET /v1/executions/:id.
func (h *ExecutionsHandler) Get(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)
	exec, err := h.query.GetExecution(c.Context(), principal, c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return response.NotFound(c, "Execution not found")
		}
		return response.Unavailable(c, "Lookup failed")
	}
	return response.OK(c, exec)
}

// ListForJob handles GET /v1/jobs/:id/executions.
func (h *ExecutionsHandler) ListForJob(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)
	execs, next, err := h.query.ListExecutions(c.Context(), principal, c.Params("id"), c.Query("cursor"), c.QueryInt("limit"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.InvalidRequest(c, "Bad cursor", nil)
	}
	page := model.ListPage[*model.Execution]{Items: execs, NextCursor: next}
	if page.Items == nil {
		page.Items = []*model.Execution{}
	}
	return response.OK(c, page)
}
