package scheduler

import (
	"school-integration/internal/config"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type DispatcherApi struct {
	controller *DispatcherController
	config     *config.Config
}

func NewDispatcherApi(controller *DispatcherController, config *config.Config) *DispatcherApi {
	return &DispatcherApi{
		controller: controller,
		config:     config,
	}
}

func (h *DispatcherApi) Setup(app *fiber.App) {
	dispatcher := app.Group("/api/integrations/dispatcher",
		middleware.AuthMiddleware(h.config.SkipAuth),
		middleware.RequireRoles(middleware.RoleAdmin),
	)

	dispatcher.Get("/", h.controller.GetStatus)
	dispatcher.Get("/runs", h.controller.ListRuns)
	dispatcher.Post("/sweep", h.controller.Sweep)
}
