package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/app/repository"
	"github.com/ManuelReschke/PlanFox/internal/pkg/usercontext"
)

// APIKeyUsers is the part of the user repository the API key middleware needs.
type APIKeyUsers interface {
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	TouchAPIKeyUsage(settingsID uint) error
}

var _ APIKeyUsers = repository.UserRepository(nil)

// APIKeyAuthMiddleware authenticates requests carrying a user API key in
// X-API-Key or an Authorization bearer header.
func APIKeyAuthMiddleware(users APIKeyUsers) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing API key."})
		}

		user, settings, err := users.GetByAPIKeyHash(models.HashAPIKey(apiKey))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid API key."})
			}
			log.Errorf("[Auth] api key lookup failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "API key verification failed."})
		}

		if !user.IsActive() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "User inactive."})
		}

		// Refresh last-used timestamp best-effort.
		if err := users.TouchAPIKeyUsage(settings.ID); err != nil {
			log.Warnf("[Auth] failed to update api key usage for user %d: %v", user.ID, err)
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     user.ID,
			Username:   user.Name,
			Email:      user.Email,
			IsLoggedIn: true,
			IsAdmin:    user.IsAdmin(),
		})
		c.Locals(usercontext.KeyAPIKeyID, settings.ID)

		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
