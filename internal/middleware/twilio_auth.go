package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	twilioclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
)

// ValidateTwilioSignature rejects webhook requests whose X-Twilio-Signature
// does not match authToken. publicURL, when set, replaces the scheme and host
// seen by the server (Cloud Run and ngrok terminate TLS in front of it).
func ValidateTwilioSignature(authToken, publicURL string, log *zap.Logger) fiber.Handler {
	validator := twilioclient.NewRequestValidator(authToken)

	return func(c *fiber.Ctx) error {
		signature := c.Get("X-Twilio-Signature")
		if signature == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing Twilio signature",
			})
		}

		if authToken == "" {
			// Log error but don't expose to client
			log.Error("webhook validation enabled without TWILIO_AUTH_TOKEN")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Server configuration error",
			})
		}

		params := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			params[utils.CopyString(string(key))] = utils.CopyString(string(value))
		})

		fullURL := getFullURL(c, publicURL)
		if !validator.Validate(fullURL, params, signature) {
			log.Warn("rejected webhook with invalid signature", zap.String("url", fullURL))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// getFullURL rebuilds the URL Twilio signed.
func getFullURL(c *fiber.Ctx, publicURL string) string {
	if publicURL != "" {
		return strings.TrimRight(publicURL, "/") + c.OriginalURL()
	}

	protocol := "https"
	if c.Protocol() == "http" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.Hostname(), c.OriginalURL())
}
