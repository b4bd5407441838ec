package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/auth"
)

// AuthHandler answers the gateway's ForwardAuth checks
type AuthHandler struct {
	authenticator *auth.Authenticator
}

func NewAuthHandler(a *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: a}
}

// Verify handles GET /auth/verify. It returns 200 with X-User-* headers for a
// valid bearer token and 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	identity, err := h.authenticator.Authenticate(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", identity.UserID)
	c.Set("X-User-Email", identity.Email)
	if identity.Name != "" {
		c.Set("X-User-Name", identity.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
