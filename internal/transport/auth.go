package transport

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const ownerLocalsKey = "ownerID"

// BearerAuth verifies an HS256 session token and stores its subject as the
// request owner. With an empty secret every request passes with no owner.
func BearerAuth(secret string) fiber.Handler {
	key := []byte(strings.TrimSpace(secret))
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			return c.Next()
		}

		raw, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		claims := &jwt.RegisteredClaims{}
		_, err = parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token has no subject")
		}

		c.Locals(ownerLocalsKey, subject)
		return c.Next()
	}
}

// OwnerID returns the authenticated owner of the request, or "" when auth is disabled.
func OwnerID(c *fiber.Ctx) string {
	if owner, ok := c.Locals(ownerLocalsKey).(string); ok {
		return owner
	}
	return ""
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("authorization required")
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}
