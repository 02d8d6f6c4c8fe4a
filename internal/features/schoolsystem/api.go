package schoolsystem

import (
	"school-integration/internal/common/api"
	"school-integration/internal/config"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SystemApi struct {
	controller *SystemController
	service    SystemService
	config     *config.Config
}

func NewSystemApi(controller *SystemController, service SystemService, config *config.Config) *SystemApi {
	return &SystemApi{
		controller: controller,
		service:    service,
		config:     config,
	}
}

func (h *SystemApi) Setup(app *fiber.App) {
	systems := app.Group("/api/integrations/systems")
	admin := middleware.SchoolAdmin(h.config.SkipAuth)
	guard := Guard(h.config.SkipAuth, h.service)

	systems.Get("/school/:schoolId", api.Chain(admin, h.controller.ListSystems)...)
	systems.Post("/", api.Chain(admin, h.controller.CreateSystem)...)

	systems.Get("/:id", api.Chain(guard, h.controller.GetSystem)...)
	systems.Put("/:id", api.Chain(guard, h.controller.UpdateSystem)...)
	systems.Delete("/:id", api.Chain(guard, h.controller.DeleteSystem)...)
	systems.Post("/:id/test", api.Chain(guard, h.controller.TestConnection)...)

	systems.Get("/:id/endpoints", api.Chain(guard, h.controller.ListEndpoints)...)
	systems.Post("/:id/endpoints", api.Chain(guard, h.controller.SaveEndpoint)...)
}
