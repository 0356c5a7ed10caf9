package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge-app/chatforge/app/models"
	"github.com/chatforge-app/chatforge/app/repository"
	"github.com/chatforge-app/chatforge/internal/pkg/auth"
	"github.com/chatforge-app/chatforge/internal/pkg/database"
	"github.com/chatforge-app/chatforge/internal/pkg/ratelimit"
	"github.com/chatforge-app/chatforge/internal/pkg/usercontext"
)

func newAuthApp(t *testing.T) (*fiber.App, *auth.Verifier) {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("test-secret")
	require.NoError(t, err)

	app := fiber.New()
	app.Use(Authenticate(verifier, repository.NewUserRepository(db)))
	app.Get("/me", RequireAuth, func(c *fiber.Ctx) error {
		return c.JSON(usercontext.GetUserContext(c))
	})
	app.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app, verifier
}

func doRequest(t *testing.T, app *fiber.App, path, token string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestRequireAuth(t *testing.T) {
	app, verifier := newAuthApp(t)

	resp := doRequest(t, app, "/me", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = doRequest(t, app, "/me", "not-a-jwt")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := verifier.Issue("user-1", "user-1@example.com", models.ROLE_USER, time.Hour)
	require.NoError(t, err)
	resp = doRequest(t, app, "/me", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"user_id":"user-1"`)
	assert.Contains(t, string(body), `"is_admin":false`)
}

func TestRequireAdmin(t *testing.T) {
	app, verifier := newAuthApp(t)

	assert.Equal(t, fiber.StatusUnauthorized, doRequest(t, app, "/admin", "").StatusCode)

	userToken, _ := verifier.Issue("user-1", "", models.ROLE_USER, time.Hour)
	assert.Equal(t, fiber.StatusForbidden, doRequest(t, app, "/admin", userToken).StatusCode)

	adminToken, _ := verifier.Issue("admin-1", "", models.ROLE_ADMIN, time.Hour)
	assert.Equal(t, fiber.StatusOK, doRequest(t, app, "/admin", adminToken).StatusCode)
}

func TestAuthenticateWithoutVerifierIsAnonymous(t *testing.T) {
	app := fiber.New()
	app.Use(Authenticate(nil, nil))
	app.Get("/me", RequireAuth, func(c *fiber.Ctx) error { return c.SendString("ok") })

	assert.Equal(t, fiber.StatusUnauthorized, doRequest(t, app, "/me", "anything").StatusCode)
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) CheckAndIncrement(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) RetryAfter(time.Time) time.Duration { return 1500 * time.Millisecond }

func TestRateLimit(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(2, time.Hour)
	app := fiber.New()
	app.Post("/log", RateLimit("chat_sessions", lim), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	send := func(xff string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/log", nil)
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, fiber.StatusCreated, send("10.0.0.1, 172.16.0.1").StatusCode)
	assert.Equal(t, fiber.StatusCreated, send("10.0.0.1").StatusCode)
	resp := send("10.0.0.1")
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	assert.Equal(t, fiber.StatusCreated, send("").StatusCode, "no header uses the global bucket")
}

func TestRateLimitKeysAndFailOpen(t *testing.T) {
	stub := &stubLimiter{err: errors.New("redis down")}
	app := fiber.New()
	app.Get("/", RateLimit("test", stub), func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 ,10.0.0.1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"203.0.113.9", GlobalRateLimitKey}, stub.keys)

	stub.err = nil
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
}
