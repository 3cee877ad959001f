// Package validation rejects malformed requests before they reach handlers.
package validation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cluebase/backend/pkg/logger"
)

// Identifiers are platform ids, UUIDs or configured workspace names.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ContentType rejects request bodies whose Content-Type is not one of allowed.
// Requests without a body pass through.
func ContentType(allowed ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		for _, a := range allowed {
			if strings.HasPrefix(contentType, a) {
				return c.Next()
			}
		}

		logger.Warn("Rejected request content type",
			zap.String("path", c.Path()),
			zap.String("content_type", contentType),
			zap.String("ip", c.IP()),
		)
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported content type",
		})
	}
}

// Identifiers checks that the named route params look like ids.
func Identifiers(params ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		for _, p := range params {
			if !ValidIdentifier(c.Params(p)) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid " + p,
				})
			}
		}
		return c.Next()
	}
}

// QueryInt checks that an optional query value is an integer in [min, max].
func QueryInt(name string, min, max int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Query(name)
		if raw == "" {
			return c.Next()
		}

		n, err := strconv.Atoi(raw)
		if err != nil || n < min || n > max {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": name + " must be an integer between " + strconv.Itoa(min) + " and " + strconv.Itoa(max),
			})
		}
		return c.Next()
	}
}

func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
