package auth

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateAccessToken(Identity{ID: "u1", Name: "Alice", Color: "#f00", Role: RoleViewer})
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "u1", Name: "Alice", Color: "#f00", Role: RoleViewer}, claims.Identity())

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewJWTManager("other", time.Hour).ValidateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := NewJWTManager("secret", -time.Minute).GenerateAccessToken(Identity{ID: "u1"})
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(expired)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}

func TestIdentityDefaults(t *testing.T) {
	id := Identity{}.withDefaults()
	assert.NotEmpty(t, id.ID)
	assert.True(t, strings.HasPrefix(id.Name, "Anonymous-"))
	assert.Equal(t, ColorFor(id.Name), id.Color)
	assert.Equal(t, RoleEditor, id.Role)

	assert.Equal(t, ColorFor("Alice"), ColorFor("Alice"))
}

func TestPermissions(t *testing.T) {
	assert.True(t, CanEdit(RoleOwner))
	assert.True(t, CanEdit(RoleEditor))
	assert.False(t, CanEdit(RoleViewer))
	assert.False(t, CanEdit("Stranger"))
	assert.True(t, CheckPermission(RoleViewer, PermViewContent))
	assert.False(t, CheckPermission(RoleEditor, PermDeletePages))
}

func identityApp(m *JWTManager, required bool) *fiber.App {
	app := fiber.New()
	app.Get("/ws", IdentityMiddleware(m, required), func(c *fiber.Ctx) error {
		return c.JSON(c.Locals(LocalsIdentity))
	})
	return app
}

func getIdentity(t *testing.T, app *fiber.App, target string, header string) (int, Identity) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var id Identity
	if resp.StatusCode == fiber.StatusOK {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &id))
	}
	return resp.StatusCode, id
}

func TestIdentityMiddleware(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateAccessToken(Identity{ID: "u1", Name: "Alice", Color: "#f00", Role: RoleAdmin})
	require.NoError(t, err)

	t.Run("token query", func(t *testing.T) {
		status, id := getIdentity(t, identityApp(m, true), "/ws?token="+token, "")
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "u1", id.ID)
		assert.Equal(t, RoleAdmin, id.Role)
	})

	t.Run("bearer header", func(t *testing.T) {
		status, id := getIdentity(t, identityApp(m, true), "/ws", "Bearer "+token)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, "Alice", id.Name)
	})

	t.Run("bad token rejected", func(t *testing.T) {
		status, _ := getIdentity(t, identityApp(m, false), "/ws?token=garbage", "")
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("required without token", func(t *testing.T) {
		status, _ := getIdentity(t, identityApp(m, true), "/ws?userId=u9", "")
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("query identity", func(t *testing.T) {
		status, id := getIdentity(t, identityApp(nil, false), "/ws?userId=u9&name=Bob&role=Viewer", "")
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, Identity{ID: "u9", Name: "Bob", Color: ColorFor("Bob"), Role: RoleViewer}, id)
	})
}

func TestAuthMiddleware(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	app := fiber.New()
	app.Get("/api", AuthMiddleware(m), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(LocalsIdentity).(Identity).ID)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := m.GenerateAccessToken(Identity{ID: "u1", Name: "A"})
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", string(body))
}
