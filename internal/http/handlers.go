package http

import (
	"errors"
	"strconv"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type addDeviceRequest struct {
	DeviceID   string            `json:"deviceId"`
	DeviceType domain.DeviceType `json:"deviceType"`
	Location   string            `json:"location"`
}

type coordinationRequest struct {
	ClusterID     string         `json:"clusterId"`
	EmergencyType string         `json:"emergencyType"`
	Details       map[string]any `json:"details"`
}

func Register(app *fiber.App, orch *fleet.Orchestrator, analytics *service.AnalyticsService) {
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	g := app.Group("/")
	g.Get("devices", func(c *fiber.Ctx) error {
		return c.JSON(orch.AllDevicesStatus(c.UserContext()))
	})
	g.Get("devices/:id", func(c *fiber.Ctx) error {
		st, err := orch.DeviceStatus(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(st)
	})
	g.Post("devices", func(c *fiber.Ctx) error {
		var req addDeviceRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		st, err := orch.AddDevice(c.UserContext(), req.DeviceID, req.DeviceType, req.Location)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(st)
	})

	g.Get("clusters", func(c *fiber.Ctx) error {
		return c.JSON(orch.Clusters())
	})
	g.Get("clusters/:id", func(c *fiber.Ctx) error {
		st, err := orch.ClusterStatus(c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(st)
	})

	g.Get("emergencies", func(c *fiber.Ctx) error {
		return c.JSON(orch.EmergencyEvents())
	})
	g.Post("emergency-coordination", func(c *fiber.Ctx) error {
		var req coordinationRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		event, err := orch.TriggerEmergencyCoordination(c.UserContext(), req.ClusterID, req.EmergencyType, req.Details)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(event)
	})
	g.Post("emergencies/:id/resolve", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid event id"})
		}
		event, err := orch.ResolveEmergency(c.UserContext(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(event)
	})

	g.Get("analytics", func(c *fiber.Ctx) error {
		return c.JSON(analytics.Snapshot(c.UserContext()))
	})
}

func writeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound),
		errors.Is(err, fleet.ErrClusterNotFound),
		errors.Is(err, fleet.ErrEventNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, fleet.ErrDeviceExists),
		errors.Is(err, fleet.ErrAlreadyResolved):
		status = fiber.StatusConflict
	case errors.Is(err, fleet.ErrInvalidDevice),
		errors.Is(err, fleet.ErrInvalidEmergency):
		status = fiber.StatusBadRequest
	case errors.Is(err, fleet.ErrStopped):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
