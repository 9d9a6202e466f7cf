package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthTimeout = 2 * time.Second

// Pinger is anything the health check can probe. The Redis presence
// directory implements it.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthHandler 헬스체크 핸들러
type HealthHandler struct {
	hub   *RoomHub
	redis Pinger // nil이면 not_configured
}

// NewHealthHandler HealthHandler 생성
func NewHealthHandler(hub *RoomHub, redis Pinger) *HealthHandler {
	return &HealthHandler{hub: hub, redis: redis}
}

// ComponentCheck 컴포넌트 상태
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse 헬스체크 응답
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Rooms     int                       `json:"rooms"`
	Clients   int                       `json:"clients"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// Check 전체 상태 확인 (Relay + Redis)
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	// 1. Relay 상태
	for _, room := range h.hub.Stats() {
		response.Rooms++
		response.Clients += room.Clients
	}
	response.Checks["relay"] = ComponentCheck{Status: "healthy"}

	// 2. Redis 체크 (presence directory). 없어도 relay는 동작하므로 degraded
	if h.redis != nil {
		start := time.Now()
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		err := h.redis.Health(ctx)
		cancel()
		if err != nil {
			response.Status = "degraded"
			response.Checks["redis"] = ComponentCheck{
				Status: "degraded",
				Error:  "redis ping failed",
			}
		} else {
			response.Checks["redis"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(start).String(),
			}
		}
	} else {
		response.Checks["redis"] = ComponentCheck{
			Status: "not_configured",
		}
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// Liveness K8s liveness probe용 (단순 체크)
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness K8s readiness probe용 (Redis 연결 체크)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	if h.redis == nil {
		return c.SendString("READY")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()
	if err := h.redis.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	return c.SendString("READY")
}
