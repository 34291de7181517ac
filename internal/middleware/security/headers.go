package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	// HSTS enables Strict-Transport-Security; leave off when serving plain HTTP.
	HSTS bool
	// NoStorePrefixes mark responses that must not be cached by browsers or proxies.
	NoStorePrefixes []string
}

// HeadersMiddleware sets response headers for a JSON API that never serves HTML.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Set("Cross-Origin-Resource-Policy", "same-site")

		if cfg.HSTS {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		path := c.Path()
		for _, prefix := range cfg.NoStorePrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Set(fiber.HeaderCacheControl, "no-store")
				break
			}
		}

		return c.Next()
	}
}
