package schoolsystem

import (
	"context"
	"time"

	"school-integration/internal/common/api"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SystemController struct {
	Service SystemService
}

func NewSystemController(service SystemService) *SystemController {
	return &SystemController{
		Service: service,
	}
}

// ListSystems godoc
// @Summary List school systems
// @Tags integrations
// @Produce json
// @Param schoolId path string true "School ID"
// @Success 200 {array} SchoolSystem
// @Router /api/integrations/systems/school/{schoolId} [get]
func (ctrl *SystemController) ListSystems(c *fiber.Ctx) error {
	schoolID := c.Params("schoolId")
	if !middleware.CanAccessSchool(c, schoolID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Access denied"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	systems, err := ctrl.Service.ListSystems(ctx, schoolID)
	if err != nil {
		return api.Error(c, err)
	}

	out := make([]SchoolSystem, len(systems))
	for i, s := range systems {
		out[i] = s.Redacted()
	}
	return c.JSON(out)
}

// CreateSystem godoc
// @Summary Create school system
// @Tags integrations
// @Accept json
// @Produce json
// @Param system body SchoolSystem true "System"
// @Success 201 {object} SchoolSystem
// @Failure 400 {object} map[string]interface{}
// @Router /api/integrations/systems [post]
func (ctrl *SystemController) CreateSystem(c *fiber.Ctx) error {
	var system SchoolSystem
	if err := c.BodyParser(&system); err != nil {
		return api.BadRequest(c, "Invalid request body")
	}
	if system.SchoolID == "" {
		if claims := middleware.Claims(c); claims != nil {
			system.SchoolID = claims.SchoolID
		}
	}
	if system.SchoolID != "" && !middleware.CanAccessSchool(c, system.SchoolID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Access denied"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.Service.CreateSystem(ctx, &system); err != nil {
		return api.Error(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(system.Redacted())
}

func (ctrl *SystemController) GetSystem(c *fiber.Ctx) error {
	return c.JSON(SystemFrom(c).Redacted())
}

func (ctrl *SystemController) UpdateSystem(c *fiber.Ctx) error {
	var update SystemUpdate
	if err := c.BodyParser(&update); err != nil {
		return api.BadRequest(c, "Invalid request body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	system, err := ctrl.Service.UpdateSystem(ctx, SystemFrom(c).ID.Hex(), update)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(system.Redacted())
}

func (ctrl *SystemController) DeleteSystem(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.Service.DeactivateSystem(ctx, SystemFrom(c).ID.Hex()); err != nil {
		return api.Error(c, err)
	}
	return c.JSON(fiber.Map{"message": "System deactivated"})
}

// TestConnection godoc
// @Summary Test the connection to a school system
// @Tags integrations
// @Produce json
// @Param id path string true "System ID"
// @Success 200 {object} map[string]interface{}
// @Failure 502 {object} map[string]interface{}
// @Router /api/integrations/systems/{id}/test [post]
func (ctrl *SystemController) TestConnection(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ctrl.Service.TestConnection(ctx, SystemFrom(c).ID.Hex()); err != nil {
		return api.Error(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (ctrl *SystemController) ListEndpoints(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoints, err := ctrl.Service.ListEndpoints(ctx, SystemFrom(c).ID)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(endpoints)
}

func (ctrl *SystemController) SaveEndpoint(c *fiber.Ctx) error {
	var endpoint Endpoint
	if err := c.BodyParser(&endpoint); err != nil {
		return api.BadRequest(c, "Invalid request body")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.Service.SaveEndpoint(ctx, SystemFrom(c).ID, &endpoint); err != nil {
		return api.Error(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(endpoint)
}
