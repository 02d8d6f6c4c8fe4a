package mapping

import (
	"context"
	"encoding/json"
	"time"

	"school-integration/internal/common/api"
	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"
	"school-integration/internal/features/schoolsystem"

	"github.com/gofiber/fiber/v2"
)

type MappingController struct {
	Service MappingService
}

func NewMappingController(service MappingService) *MappingController {
	return &MappingController{
		Service: service,
	}
}

// GetMappings godoc
// @Summary List field mappings for an entity type
// @Tags integrations
// @Produce json
// @Param id path string true "System ID"
// @Param entityType path string true "Entity type or module"
// @Success 200 {array} FieldMapping
// @Router /api/integrations/systems/{id}/mappings/{entityType} [get]
func (ctrl *MappingController) GetMappings(c *fiber.Ctx) error {
	module, err := models.ParseModule(c.Params("entityType"))
	if err != nil {
		return api.Error(c, apperr.Field("entityType", err.Error()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mappings, err := ctrl.Service.GetMappings(ctx, schoolsystem.SystemFrom(c).ID, module)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(mappings)
}

// SaveMappings accepts a single mapping or {"mappings": [...]}.
func (ctrl *MappingController) SaveMappings(c *fiber.Ctx) error {
	var batch SaveMappingsRequest
	if err := json.Unmarshal(c.Body(), &batch); err != nil {
		return api.BadRequest(c, "Invalid request body")
	}
	if len(batch.Mappings) == 0 {
		var single FieldMapping
		if err := json.Unmarshal(c.Body(), &single); err != nil {
			return api.BadRequest(c, "Invalid request body")
		}
		batch.Mappings = []FieldMapping{single}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, err := ctrl.Service.SaveMappings(ctx, schoolsystem.SystemFrom(c).ID, batch.Mappings)
	if err != nil {
		return api.Error(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(saved)
}

func (ctrl *MappingController) DeleteMapping(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.Service.DeleteMapping(ctx, schoolsystem.SystemFrom(c).ID, c.Params("mappingId")); err != nil {
		return api.Error(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (ctrl *MappingController) ListTransforms(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"transforms": Transforms()})
}
