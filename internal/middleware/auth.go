package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/makeacourse/api/internal/auth"
	"github.com/makeacourse/api/pkg/response"
)

// AuthMiddleware authenticates API requests with bearer tokens
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

func NewAuthMiddleware(authenticator *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// Authenticate validates the bearer token and records the caller on the
// request: Fiber locals for handlers, and the user context for services.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		token, err := auth.BearerToken(authHeader)
		if err != nil {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		id, err := m.authenticator.Authenticate(token)
		if errors.Is(err, auth.ErrNotConfigured) {
			return response.Unauthorized(c, "Authentication not configured")
		}
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		identify(c, id)
		return c.Next()
	}
}

// identify stores the caller for the rest of the request. Services read the
// user id from the request context to stamp created_by.
func identify(c *fiber.Ctx, id *auth.Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
	c.SetUserContext(auth.WithUser(c.UserContext(), id.UserID))
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}
