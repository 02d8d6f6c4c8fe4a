package middleware

import (
	"github.com/gofiber/fiber/v2"
)

const (
	RoleAdmin  = "admin"
	RoleSchool = "school"
)

// RequireRoles rejects requests whose claims carry none of the given roles
func RequireRoles(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := Claims(c)
		if claims == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		if !claims.HasRole(roles...) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Access denied: Insufficient permissions",
			})
		}

		return c.Next()
	}
}

// SchoolAdmin is the guard every integration management route uses.
func SchoolAdmin(skipAuth bool) []fiber.Handler {
	return []fiber.Handler{AuthMiddleware(skipAuth), RequireRoles(RoleAdmin, RoleSchool)}
}

// CanAccessSchool reports whether the caller may manage the given school.
// Admins see every school; school users only their own.
func CanAccessSchool(c *fiber.Ctx, schoolID string) bool {
	claims := Claims(c)
	if claims == nil {
		return false
	}
	if claims.HasRole(RoleAdmin) {
		return true
	}
	return claims.SchoolID != "" && claims.SchoolID == schoolID
}
