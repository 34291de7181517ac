package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	app := fiber.New()
	app.Use(HeadersMiddleware(HeadersConfig{NoStorePrefixes: []string{"/api/v1/query"}}))
	app.Get("/*", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/query", nil))
	require.NoError(t, err)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/stats", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Cache-Control"))
}
