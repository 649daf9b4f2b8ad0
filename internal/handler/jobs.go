package handler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/middleware"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/pkg/response"
)

type JobsHandler struct {
	jobs      *service.Jobs
	query     *service.Query
	validator *validator.Validate
}

func NewJobsHandler(jobs *service.Jobs, query *service.Query, v *validator.Validate) *JobsHandler {
	return &JobsHandler{jobs: jobs, query: query, validator: v}
}

// Submit handles POST /v1/jobs.
func (h *JobsHandler) Submit(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)

	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.InvalidRequest(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.InvalidRequest(c, "Validation failed", formatValidationErrors(err))
	}

	job, _, err := h.jobs.Submit(c.Context(), principal, &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidParameters) {
			return response.InvalidRequest(c, err.Error(), nil)
		}
		return response.Unavailable(c, "Submission failed, retry with the same payload")
	}

	return response.Created(c, model.JobView(job))
}

// Get handles GET /v1/jobs/:id.
func (h *JobsHandler) Get(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)
	job, err := h.query.GetJob(c.Context(), principal, c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.Unavailable(c, "Lookup failed")
	}
	return response.OK(c, model.JobView(job))
}

// List handles GET /v1/jobs.
func (h *JobsHandler) List(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)

	filter := model.JobFilter{
		Kind:   model.JobKind(c.Query("kind")),
		Status: model.JobStatus(c.Query("status")),
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return response.InvalidRequest(c, "Bad since timestamp", nil)
		}
		filter.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return response.InvalidRequest(c, "Bad until timestamp", nil)
		}
		filter.Until = t
	}

	jobs, next, err := h.query.ListJobs(c.Context(), principal, filter, c.Query("cursor"), c.QueryInt("limit"))
	if err != nil {
		return response.InvalidRequest(c, "Bad cursor", nil)
	}

	page := model.ListPage[model.JobResponse]{NextCursor: next, Items: []model.JobResponse{}}
	for _, j := range jobs {
		page.Items = append(page.Items, model.JobView(j))
	}
	return response.OK(c, page)
}

// Cancel handles DELETE /v1/jobs/:id.
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)
	err := h.jobs.Cancel(c.Context(), principal, c.Params("id"))
	switch {
	case err == nil:
		return response.NoContent(c)
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrAlreadyTerminal):
		return response.Conflict(c, "Job already terminal")
	default:
		return response.Unavailable(c, "Cancellation failed")
	}
}
