package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/middleware"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/pkg/response"
)

type ArtifactsHandler struct {
	query *service.Query
}

func NewArtifactsHandler(query *service.Query) *ArtifactsHandler {
	return &ArtifactsHandler{query: query}
}

// Get handles GET /v1/artifacts/:id.
func (h *ArtifactsHandler) Get(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)
	artifact, err := h.query.GetArtifact(c.Context(), principal, c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return response.NotFound(c, "Artifact not found")
		}
		return response.Unavailable(c, "Lookup failed")
	}
	return response.OK(c, artifact)
}

// Body handles GET /v1/artifacts/:id/body, streaming the blob bytes.
func (h *ArtifactsHandler) Body(c *fiber.Ctx) error {
	principal := middleware.GetPrincipal(c)
	artifact, rc, err := h.query.StreamArtifactBody(c.Context(), principal, c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return response.NotFound(c, "Artifact not found")
		}
		return response.Unavailable(c, "Artifact body unavailable")
	}

	c.Set(fiber.HeaderContentType, artifact.ContentType)
	if artifact.SizeBytes > 0 {
		return c.SendStream(rc, int(artifact.SizeBytes))
	}
	return c.SendStream(rc)
}
