package schoolsystem

import (
	"context"
	"time"

	"school-integration/internal/common/api"
	"school-integration/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

const systemLocalsKey = "school_system"

// RequireSystemAccess loads the system named by :id and rejects callers from
// another school. Handlers read it back with SystemFrom.
func RequireSystemAccess(service SystemService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		system, err := service.GetSystem(ctx, c.Params("id"))
		if err != nil {
			return api.Error(c, err)
		}
		if !middleware.CanAccessSchool(c, system.SchoolID) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Access denied: system belongs to another school",
			})
		}

		c.Locals(systemLocalsKey, system)
		return c.Next()
	}
}

func SystemFrom(c *fiber.Ctx) *SchoolSystem {
	system, _ := c.Locals(systemLocalsKey).(*SchoolSystem)
	return system
}

// Guard is the handler chain for routes under /systems/:id.
func Guard(skipAuth bool, service SystemService) []fiber.Handler {
	return api.Chain(middleware.SchoolAdmin(skipAuth), RequireSystemAccess(service))
}
