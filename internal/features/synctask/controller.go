package synctask

import (
	"context"
	"time"

	"school-integration/internal/common/api"
	"school-integration/internal/common/models"
	"school-integration/internal/common/validate"
	"school-integration/internal/features/record"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

const taskLocalsKey = "sync_task"

type SyncController struct {
	Service       SyncService
	SystemService schoolsystem.SystemService
}

func NewSyncController(service SyncService, systemService schoolsystem.SystemService) *SyncController {
	return &SyncController{
		Service:       service,
		SystemService: systemService,
	}
}

// moduleQuery reads the optional ?entityType= filter.
func moduleQuery(c *fiber.Ctx) (models.Module, error) {
	raw := c.Query("entityType")
	if raw == "" {
		return "", nil
	}
	return models.ParseModule(raw)
}

// TriggerSync godoc
// @Summary Trigger a sync for a school system
// @Tags integrations
// @Accept json
// @Produce json
// @Param id path string true "System ID"
// @Param request body TriggerRequest true "Sync request"
// @Success 200 {object} TriggerResult
// @Success 202 {object} TriggerResult
// @Failure 400 {object} map[string]interface{}
// @Router /api/integrations/systems/{id}/sync [post]
func (ctrl *SyncController) TriggerSync(c *fiber.Ctx) error {
	var req TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return api.BadRequest(c, "Invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return api.Error(c, err)
	}

	timeout := 10 * time.Second
	if req.ExecuteNow {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := ctrl.Service.TriggerSync(ctx, schoolsystem.SystemFrom(c), req)
	if err != nil {
		return api.Error(c, err)
	}

	if req.ExecuteNow {
		return c.JSON(result)
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

// SyncStatus godoc
// @Summary Latest sync result and task counts
// @Tags integrations
// @Produce json
// @Param id path string true "System ID"
// @Param entityType query string false "Entity type"
// @Success 200 {object} StatusReport
// @Router /api/integrations/systems/{id}/sync-status [get]
func (ctrl *SyncController) SyncStatus(c *fiber.Ctx) error {
	module, err := moduleQuery(c)
	if err != nil {
		return api.BadRequest(c, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := ctrl.Service.SyncStatus(ctx, schoolsystem.SystemFrom(c), module)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(report)
}

func (ctrl *SyncController) ListHistory(c *fiber.Ctx) error {
	module, err := moduleQuery(c)
	if err != nil {
		return api.BadRequest(c, err.Error())
	}
	limit := record.ParseInt64(c.Query("limit"), 50)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	history, err := ctrl.Service.ListHistory(ctx, schoolsystem.SystemFrom(c).ID, module, limit)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(history)
}

func (ctrl *SyncController) ListTasks(c *fiber.Ctx) error {
	limit := record.ParseInt64(c.Query("limit"), 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := ctrl.Service.ListTasks(ctx, schoolsystem.SystemFrom(c).ID, Status(c.Query("status")), limit)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(tasks)
}

// RequireTaskAccess loads the task named by :taskId and checks the caller may
// act on its system.
func (ctrl *SyncController) RequireTaskAccess(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := ctrl.Service.GetTask(ctx, c.Params("taskId"))
	if err != nil {
		return api.Error(c, err)
	}
	system, err := ctrl.SystemService.GetSystem(ctx, task.SystemID.Hex())
	if err != nil {
		return api.Error(c, err)
	}
	if !middleware.CanAccessSchool(c, system.SchoolID) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Access denied: task belongs to another school",
		})
	}

	c.Locals(taskLocalsKey, task)
	return c.Next()
}

func taskFrom(c *fiber.Ctx) *SyncTask {
	task, _ := c.Locals(taskLocalsKey).(*SyncTask)
	return task
}

func (ctrl *SyncController) GetTask(c *fiber.Ctx) error {
	return c.JSON(taskFrom(c))
}

// ExecuteTask godoc
// @Summary Run a sync task now
// @Tags integrations
// @Produce json
// @Param taskId path string true "Task ID"
// @Success 200 {object} ExecutionResult
// @Router /api/integrations/tasks/{taskId}/execute [post]
func (ctrl *SyncController) ExecuteTask(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := ctrl.Service.ExecuteSyncTask(ctx, taskFrom(c).ID.Hex())
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(result)
}

func (ctrl *SyncController) RetryTask(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := ctrl.Service.RetryTask(ctx, taskFrom(c).ID.Hex())
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(task)
}

func (ctrl *SyncController) CancelTask(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := ctrl.Service.CancelTask(ctx, taskFrom(c).ID.Hex())
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(task)
}
