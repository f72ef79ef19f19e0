package middleware

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		required bool
		header   string
		want     int
	}{
		{"open when unset", "", false, "", fiber.StatusOK},
		{"closed when required and unset", "", true, "Bearer anything", fiber.StatusUnauthorized},
		{"missing header", "s3cret", false, "", fiber.StatusUnauthorized},
		{"wrong token", "s3cret", true, "Bearer nope", fiber.StatusUnauthorized},
		{"wrong scheme", "s3cret", true, "Basic s3cret", fiber.StatusUnauthorized},
		{"valid", "s3cret", true, "Bearer s3cret", fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", BearerAuth(tt.secret, tt.required), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusOK)
			})

			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRecovery_AnswersInternalError(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(), Recovery(zap.NewNop()))
	app.Get("/boom", func(c *fiber.Ctx) error {
		c.Status(fiber.StatusOK)
		panic("kaboom")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(body))
	assert.NotContains(t, string(body), "kaboom")
}

func TestRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(RequestIDFrom(c))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "abc-123", string(body))
	assert.Equal(t, "abc-123", resp.Header.Get(RequestIDHeader))

	resp, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get(RequestIDHeader), 36)
}

func TestCORS_AllowList(t *testing.T) {
	app := fiber.New()
	app.Use(CORS("https://app.example.com/"))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = app.Test(httptest.NewRequest("OPTIONS", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestValidBearer(t *testing.T) {
	assert.True(t, ValidBearer("Bearer abc", "abc"))
	assert.False(t, ValidBearer("Bearer ", "abc"))
	assert.False(t, ValidBearer("abc", "abc"))
}

func TestRateLimitConfig_Defaults(t *testing.T) {
	cfg := RateLimitConfig{KeyPrefix: "ratelimit:api"}.withDefaults()
	assert.Equal(t, DefaultRateLimitConfig().MaxRequests, cfg.MaxRequests)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, "ratelimit:api", cfg.KeyPrefix)

	cfg = RateLimitConfig{MaxRequests: 5, Window: time.Second}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRequests)
	assert.Equal(t, time.Second, cfg.Window)
	assert.Equal(t, "ratelimit", cfg.KeyPrefix)
}

func TestRateLimit_FailsOpenWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	app := fiber.New()
	app.Use(RateLimit(client, RateLimitConfig{}, zap.NewNop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-RateLimit-Limit"))
}
