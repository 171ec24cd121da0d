package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/pkg/response"
)

// GatewayAuthMiddleware trusts the X-User-* headers the gateway sets after
// its ForwardAuth call to /auth/verify. Only mount it behind that gateway.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-Id"))
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}
		identify(c, &auth.Identity{
			UserID: userID,
			Email:  c.Get("X-User-Email"),
			Name:   c.Get("X-User-Name"),
		})
		return c.Next()
	}
}
