package synctask

import (
	"school-integration/internal/common/api"
	"school-integration/internal/config"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type SyncApi struct {
	controller    *SyncController
	systemService schoolsystem.SystemService
	config        *config.Config
}

func NewSyncApi(controller *SyncController, systemService schoolsystem.SystemService, config *config.Config) *SyncApi {
	return &SyncApi{
		controller:    controller,
		systemService: systemService,
		config:        config,
	}
}

func (h *SyncApi) Setup(app *fiber.App) {
	systems := app.Group("/api/integrations/systems")
	guard := schoolsystem.Guard(h.config.SkipAuth, h.systemService)

	systems.Post("/:id/sync", api.Chain(guard, h.controller.TriggerSync)...)
	systems.Get("/:id/sync-status", api.Chain(guard, h.controller.SyncStatus)...)
	systems.Get("/:id/history", api.Chain(guard, h.controller.ListHistory)...)
	systems.Get("/:id/tasks", api.Chain(guard, h.controller.ListTasks)...)

	tasks := app.Group("/api/integrations/tasks")
	taskGuard := api.Chain(middleware.SchoolAdmin(h.config.SkipAuth), h.controller.RequireTaskAccess)

	tasks.Get("/:taskId", api.Chain(taskGuard, h.controller.GetTask)...)
	tasks.Post("/:taskId/execute", api.Chain(taskGuard, h.controller.ExecuteTask)...)
	tasks.Post("/:taskId/retry", api.Chain(taskGuard, h.controller.RetryTask)...)
	tasks.Post("/:taskId/cancel", api.Chain(taskGuard, h.controller.CancelTask)...)
}
