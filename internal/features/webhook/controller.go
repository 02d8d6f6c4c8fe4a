package webhook

import (
	"context"
	"time"

	"school-integration/internal/common/api"
	"school-integration/internal/features/record"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

type WebhookController struct {
	Service       WebhookService
	SystemService schoolsystem.SystemService
}

func NewWebhookController(service WebhookService, systemService schoolsystem.SystemService) *WebhookController {
	return &WebhookController{
		Service:       service,
		SystemService: systemService,
	}
}

// ReceiveWebhook godoc
// @Summary Receive a webhook from an external system
// @Description Stores the call and answers 202 before any processing
// @Tags webhooks
// @Accept json
// @Produce json
// @Param systemId path string true "System ID"
// @Success 202 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/integrations/webhooks/{systemId} [post]
func (ctrl *WebhookController) ReceiveWebhook(c *fiber.Ctx) error {
	// fiber reuses the request buffer once the handler returns
	body := append([]byte(nil), c.Body()...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wh, err := ctrl.Service.RegisterWebhook(ctx, c.Params("systemId"), body, c.Get(SignatureHeader))
	if err != nil {
		return api.Error(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"webhookId": wh.ID.Hex(),
	})
}

// ListWebhooks godoc
// @Summary List webhooks received for a system
// @Tags webhooks
// @Produce json
// @Param id path string true "System ID"
// @Param status query string false "received, processed or failed"
// @Success 200 {array} Webhook
// @Router /api/integrations/systems/{id}/webhooks [get]
func (ctrl *WebhookController) ListWebhooks(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	webhooks, err := ctrl.Service.ListWebhooks(ctx,
		schoolsystem.SystemFrom(c).ID,
		Status(c.Query("status")),
		record.ParseInt64(c.Query("limit"), 50),
	)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(webhooks)
}

// RequireWebhookAccess checks the caller may manage the system that received
// the webhook named by :id.
func (ctrl *WebhookController) RequireWebhookAccess(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wh, err := ctrl.Service.GetWebhook(ctx, c.Params("id"))
	if err != nil {
		return api.Error(c, err)
	}
	system, err := ctrl.SystemService.GetSystem(ctx, wh.SystemID.Hex())
	if err != nil {
		return api.Error(c, err)
	}
	if !middleware.CanAccessSchool(c, system.SchoolID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Access denied: webhook belongs to another school",
		})
	}
	return c.Next()
}

func (ctrl *WebhookController) ReprocessWebhook(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	wh, err := ctrl.Service.Reprocess(ctx, c.Params("id"))
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(wh)
}
