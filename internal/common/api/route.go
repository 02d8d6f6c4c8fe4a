package api

import "github.com/gofiber/fiber/v2"

// Route is implemented by every feature API and collected by fx into the "routes" group.
type Route interface {
	Setup(app *fiber.App)
}

// Chain returns a fresh handler slice so one guard can front many routes.
func Chain(guard []fiber.Handler, handlers ...fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(guard)+len(handlers))
	out = append(out, guard...)
	return append(out, handlers...)
}
