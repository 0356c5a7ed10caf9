package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/auth"
	"github.com/chatforge-app/chatforge/internal/pkg/usercontext"
)

// Authenticate resolves the bearer token, if any, into the request's user
// context. Requests without a token continue anonymously; a token that fails
// verification is rejected. With a nil verifier every request is anonymous.
func Authenticate(verifier *auth.Verifier, users repository.UserRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" || verifier == nil {
			usercontext.Set(c, usercontext.UserContext{})
			return c.Next()
		}

		claims, err := verifier.Parse(token)
		if err != nil {
			log.Debugf("[Auth] rejected bearer token: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "invalid or expired token",
			})
		}

		user, err := users.Sync(claims.Subject, claims.Email, claims.Role)
		if err != nil {
			log.Errorf("[Auth] failed to sync user %s: %v", claims.Subject, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "internal_server_error",
				"message": "could not load user",
			})
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     user.ID,
			Email:      user.Email,
			Role:       user.Role,
			IsLoggedIn: true,
			IsAdmin:    user.IsAdmin(),
		})
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) string {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
