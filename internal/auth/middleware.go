package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalsIdentity is the fiber Locals key holding the request's Identity.
const LocalsIdentity = "identity"

// extractToken 토큰 추출 순서: token 쿼리 → Authorization 헤더 → access_token 쿠키
func extractToken(c *fiber.Ctx) (string, bool) {
	if token := c.Query("token"); token != "" {
		return token, true
	}
	if header := c.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", false
		}
		return parts[1], true
	}
	if cookie := c.Cookies("access_token"); cookie != "" {
		return cookie, true
	}
	return "", true
}

// AuthMiddleware JWT 인증 미들웨어
func AuthMiddleware(jwtManager *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := extractToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization header format",
			})
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing authorization token",
			})
		}

		// 토큰 검증
		claims, err := jwtManager.ValidateAccessToken(token)
		if err != nil {
			if err == ErrExpiredToken {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "token expired",
					"code":  "TOKEN_EXPIRED",
				})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}

		c.Locals(LocalsIdentity, claims.Identity())
		return c.Next()
	}
}

// IdentityMiddleware resolves the identity for a websocket upgrade. A token
// wins when present. Without one the identity comes from the userId, name,
// color and role query parameters, unless required is set, in which case
// the upgrade is refused. jwtManager may be nil when no secret is
// configured.
func IdentityMiddleware(jwtManager *JWTManager, required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := extractToken(c)
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		if token != "" && jwtManager != nil {
			claims, err := jwtManager.ValidateAccessToken(token)
			if err != nil {
				// WebSocket은 JSON 응답 대신 연결 거부
				return c.SendStatus(fiber.StatusUnauthorized)
			}
			c.Locals(LocalsIdentity, claims.Identity())
			return c.Next()
		}

		if required {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		id := Identity{
			ID:    c.Query("userId"),
			Name:  c.Query("name"),
			Color: c.Query("color"),
			Role:  c.Query("role"),
		}
		c.Locals(LocalsIdentity, id.withDefaults())
		return c.Next()
	}
}
