package webhook

import (
	"school-integration/internal/common/api"
	"school-integration/internal/config"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type WebhookApi struct {
	controller    *WebhookController
	systemService schoolsystem.SystemService
	config        *config.Config
}

func NewWebhookApi(controller *WebhookController, systemService schoolsystem.SystemService, config *config.Config) *WebhookApi {
	return &WebhookApi{
		controller:    controller,
		systemService: systemService,
		config:        config,
	}
}

func (h *WebhookApi) Setup(app *fiber.App) {
	webhooks := app.Group("/api/integrations/webhooks")

	// external systems authenticate with the signature header, not a JWT
	webhooks.Post("/:systemId", h.controller.ReceiveWebhook)

	guard := api.Chain(middleware.SchoolAdmin(h.config.SkipAuth), h.controller.RequireWebhookAccess)
	webhooks.Post("/:id/reprocess", api.Chain(guard, h.controller.ReprocessWebhook)...)

	systems := app.Group("/api/integrations/systems")
	systems.Get("/:id/webhooks", api.Chain(schoolsystem.Guard(h.config.SkipAuth, h.systemService), h.controller.ListWebhooks)...)
}
