package scheduler

import (
	"context"
	"errors"
	"time"

	"school-integration/internal/common/api"
	"school-integration/internal/features/record"

	"github.com/gofiber/fiber/v2"
)

type DispatcherController struct {
	Dispatcher Dispatcher
}

func NewDispatcherController(dispatcher Dispatcher) *DispatcherController {
	return &DispatcherController{
		Dispatcher: dispatcher,
	}
}

// GetStatus godoc
// @Summary Dispatcher status
// @Description Schedule, next run and the last recorded sweep
// @Tags dispatcher
// @Produce json
// @Success 200 {object} Status
// @Router /api/integrations/dispatcher [get]
func (ctrl *DispatcherController) GetStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := ctrl.Dispatcher.Status(ctx)
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(st)
}

// ListRuns godoc
// @Summary List recent sweeps
// @Tags dispatcher
// @Produce json
// @Param limit query int false "Max runs (default 20)"
// @Success 200 {array} SweepRun
// @Router /api/integrations/dispatcher/runs [get]
func (ctrl *DispatcherController) ListRuns(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runs, err := ctrl.Dispatcher.ListRuns(ctx, record.ParseInt64(c.Query("limit"), 20))
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(runs)
}

// Sweep godoc
// @Summary Run a sweep now
// @Tags dispatcher
// @Produce json
// @Success 200 {object} SweepRun
// @Failure 409 {object} map[string]interface{}
// @Router /api/integrations/dispatcher/sweep [post]
func (ctrl *DispatcherController) Sweep(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	run, err := ctrl.Dispatcher.Sweep(ctx, TriggerManual)
	if errors.Is(err, ErrSweepRunning) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return api.Error(c, err)
	}
	return c.JSON(run)
}
