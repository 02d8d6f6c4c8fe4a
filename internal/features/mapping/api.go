package mapping

import (
	"school-integration/internal/common/api"
	"school-integration/internal/config"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type MappingApi struct {
	controller    *MappingController
	systemService schoolsystem.SystemService
	config        *config.Config
}

func NewMappingApi(controller *MappingController, systemService schoolsystem.SystemService, config *config.Config) *MappingApi {
	return &MappingApi{
		controller:    controller,
		systemService: systemService,
		config:        config,
	}
}

func (h *MappingApi) Setup(app *fiber.App) {
	guard := schoolsystem.Guard(h.config.SkipAuth, h.systemService)

	app.Get("/api/integrations/transforms", api.Chain(middleware.SchoolAdmin(h.config.SkipAuth), h.controller.ListTransforms)...)

	systems := app.Group("/api/integrations/systems")
	systems.Get("/:id/mappings/:entityType", api.Chain(guard, h.controller.GetMappings)...)
	systems.Post("/:id/mappings", api.Chain(guard, h.controller.SaveMappings)...)
	systems.Delete("/:id/mappings/:mappingId", api.Chain(guard, h.controller.DeleteMapping)...)
}
