package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PlanFox/internal/pkg/usercontext"
)

// RequireAuth rejects anonymous API requests with a JSON 401.
func RequireAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authentication required."})
	}
	return c.Next()
}

// RequireAdmin ensures the authenticated caller has the admin role.
func RequireAdmin(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authentication required."})
	}
	if !usercontext.IsAdmin(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Admin access required."})
	}
	return c.Next()
}
