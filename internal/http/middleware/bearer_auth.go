package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// BearerAuth rejects requests whose Authorization header does not carry
// secret as a bearer token. An empty secret lets every request through
// unless required is set, in which case every request is rejected.
func BearerAuth(secret string, required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			if required {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
			}
			return c.Next()
		}
		if !ValidBearer(c.Get(fiber.HeaderAuthorization), secret) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

// ValidBearer compares the bearer token in header with secret in constant time.
func ValidBearer(header, secret string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) == 1
}
