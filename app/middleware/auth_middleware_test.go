package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/clinic-queue/app/services"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService(t *testing.T, ttl time.Duration) services.TokenService {
	t.Helper()
	svc, err := services.NewTokenService(ttl, time.Hour, "test-issuer", "test-audience",
		false, "", "", "test-secret-key-for-jwt-signing-32-chars")
	require.NoError(t, err)
	return svc
}

func newAuthApp(m *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/staff", m.Authenticate(), func(c fiber.Ctx) error {
		moderatorID, _ := GetModeratorIDFromContext(c)
		return c.JSON(fiber.Map{"moderator_id": moderatorID, "user_id": c.Locals("user_id")})
	})
	app.Get("/admin", m.AdminAuthenticate(), func(c fiber.Ctx) error {
		adminID, _ := GetAdminIDFromContext(c)
		return c.JSON(fiber.Map{"admin_id": adminID})
	})
	app.Get("/device", m.DeviceAuthenticate(), func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"device_id": c.Locals("device_id"), "moderator_id": c.Locals("moderator_id")})
	})
	return app
}

func call(t *testing.T, app *fiber.App, path, authorization string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp.StatusCode, body
}

func errorCodeOf(body map[string]any) string {
	detail, _ := body["error"].(map[string]any)
	code, _ := detail["code"].(string)
	return code
}

func TestAuthenticate(t *testing.T) {
	tokens := newTestTokenService(t, 15*time.Minute)
	app := newAuthApp(NewAuthMiddleware(tokens))

	access, refresh, err := tokens.GenerateTokens(12, 3)
	require.NoError(t, err)
	noModerator, _, err := tokens.GenerateTokens(12, 0)
	require.NoError(t, err)
	device, _, err := tokens.GenerateDeviceToken(uuid.New(), 3, time.Hour)
	require.NoError(t, err)

	status, body := call(t, app, "/staff", "Bearer "+access)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(3), body["moderator_id"])
	assert.Equal(t, float64(12), body["user_id"])

	tests := []struct {
		name          string
		authorization string
		wantCode      string
	}{
		{name: "missing header", wantCode: "MISSING_AUTHORIZATION_HEADER"},
		{name: "basic auth", authorization: "Basic abc", wantCode: "INVALID_AUTHORIZATION_FORMAT"},
		{name: "garbage", authorization: "Bearer nope", wantCode: "TOKEN_INVALID"},
		{name: "refresh token", authorization: "Bearer " + refresh, wantCode: "WRONG_TOKEN_TYPE"},
		{name: "token without moderator", authorization: "Bearer " + noModerator, wantCode: "INVALID_MODERATOR_ID"},
		{name: "device token", authorization: "Bearer " + device, wantCode: "TOKEN_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, app, "/staff", tt.authorization)
			assert.Equal(t, fiber.StatusUnauthorized, status)
			assert.Equal(t, tt.wantCode, errorCodeOf(body))
		})
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	tokens := newTestTokenService(t, -time.Minute)
	app := newAuthApp(NewAuthMiddleware(tokens))

	access, _, err := tokens.GenerateTokens(1, 1)
	require.NoError(t, err)

	status, body := call(t, app, "/staff", "Bearer "+access)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "TOKEN_EXPIRED", errorCodeOf(body))
}

func TestAdminAuthenticate(t *testing.T) {
	tokens := newTestTokenService(t, 15*time.Minute)
	app := newAuthApp(NewAuthMiddleware(tokens))

	admin, _, err := tokens.GenerateAdminTokens(8)
	require.NoError(t, err)
	staff, _, err := tokens.GenerateTokens(1, 1)
	require.NoError(t, err)

	status, body := call(t, app, "/admin", "Bearer "+admin)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(8), body["admin_id"])

	status, body = call(t, app, "/admin", "Bearer "+staff)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "TOKEN_INVALID", errorCodeOf(body))
}

func TestDeviceAuthenticate(t *testing.T) {
	tokens := newTestTokenService(t, 15*time.Minute)
	app := newAuthApp(NewAuthMiddleware(tokens))
	deviceID := uuid.New()

	device, _, err := tokens.GenerateDeviceToken(deviceID, 6, time.Hour)
	require.NoError(t, err)
	staff, _, err := tokens.GenerateTokens(1, 6)
	require.NoError(t, err)

	status, body := call(t, app, "/device", "Bearer "+device)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, deviceID.String(), body["device_id"])
	assert.Equal(t, float64(6), body["moderator_id"])

	status, body = call(t, app, "/device", "Bearer "+staff)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "WRONG_TOKEN_TYPE", errorCodeOf(body))
}
