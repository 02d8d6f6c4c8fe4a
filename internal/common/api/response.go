package api

import (
	"school-integration/internal/common/apperr"

	"github.com/gofiber/fiber/v2"
)

// Error writes err as {"error": ..., "fields": ...} with the status its type maps to.
func Error(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": err.Error()}
	if fields := apperr.Fields(err); len(fields) > 0 {
		body["fields"] = fields
	}
	return c.Status(apperr.HTTPStatus(err)).JSON(body)
}

// BadRequest is the response for bodies that do not parse.
func BadRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
