package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
	"github.com/datapipe/api/pkg/response"
)

// LeaderFunc reports scheduler leadership of this replica.
type LeaderFunc func() bool

type StatusHandler struct {
	store    store.Store
	blob     blob.Store
	bus      bus.Bus
	isLeader LeaderFunc
	clock    clock.Clock
	started  int64
}

func NewStatusHandler(st store.Store, bs blob.Store, b bus.Bus, isLeader LeaderFunc, clk clock.Clock) *StatusHandler {
	if clk == nil {
		clk = clock.System()
	}
	return &StatusHandler{
		store:    st,
		blob:     bs,
		bus:      b,
		isLeader: isLeader,
		clock:    clk,
		started:  clk.Now().Unix(),
	}
}

// Status handles GET /v1/status.
func (h *StatusHandler) Status(c *fiber.Ctx) error {
	redisOK := h.store.Ping(c.Context()) == nil
	blobOK := h.blob.Healthy(c.Context())

	status := "ok"
	if !redisOK || !blobOK {
		status = "degraded"
	}

	resp := model.StatusResponse{
		Status:        status,
		UptimeSeconds: h.clock.Now().Unix() - h.started,
		Redis:         redisOK,
		Blob:          blobOK,
		Queues:        map[string]model.QueueStatus{},
	}
	if h.isLeader != nil {
		resp.SchedulerLead = h.isLeader()
	}
	if h.bus != nil {
		resp.Queues = h.bus.Depths(c.Context())
	}
	return response.OK(c, resp)
}

// Healthz handles GET /healthz, the unauthenticated liveness probe.
func (h *StatusHandler) Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
