package apiv1

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PlanFox/app/models"
	"github.com/ManuelReschke/PlanFox/internal/pkg/usercontext"
)

// Pong is the body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// Account describes the caller of an API key request.
type Account struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// UserGetter loads users by id.
type UserGetter interface {
	GetByID(id uint) (*models.User, error)
}

// APIServer serves the small account endpoints of the v1 API.
type APIServer struct {
	users UserGetter
}

// NewAPIServer creates a new API server instance
func NewAPIServer(users UserGetter) *APIServer {
	return &APIServer{users: users}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// GetAccount returns the account behind the API key. Security is enforced by
// the API key middleware attached in the router.
func (s *APIServer) GetAccount(c *fiber.Ctx) error {
	user, err := s.users.GetByID(usercontext.GetUserID(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found."})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error."})
	}
	return c.JSON(Account{
		ID:     user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Role:   user.Role,
		Status: user.Status,
	})
}
