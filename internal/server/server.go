package server

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"realtime-sync/internal/auth"
	"realtime-sync/internal/config"
	"realtime-sync/internal/handler"
	"realtime-sync/internal/presence"
)

const shutdownTimeout = 30 * time.Second

// Server Fiber 서버 래퍼
type Server struct {
	app           *fiber.App
	cfg           *config.Config
	log           zerolog.Logger
	hub           *handler.RoomHub
	syncWSHandler *handler.SyncWSHandler
	healthHandler *handler.HealthHandler
	roomsHandler  *handler.RoomsHandler
	jwtManager    *auth.JWTManager
}

// New 새 서버 인스턴스 생성. directory가 nil이면 Redis presence 없이 동작
func New(cfg *config.Config, log zerolog.Logger, directory *presence.Directory) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Realtime Sync Relay",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384, // 16KB - 큰 헤더 허용
		WriteBufferSize:       16384,
		DisableStartupMessage: true,
	})

	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)
	}

	hub := handler.NewRoomHub(handler.RoomOptions{
		BroadcastMode:     handler.BroadcastMode(cfg.Relay.BroadcastMode),
		PresenceSnapshot:  cfg.Relay.PresenceSnapshot,
		CompressThreshold: cfg.Relay.CompressThreshold,
	}, log)

	// typed nil이 인터페이스로 들어가지 않도록 분기
	var (
		wsDirectory handler.PresenceDirectory
		pinger      handler.Pinger
		lister      handler.OnlineLister
	)
	if directory != nil {
		wsDirectory, pinger, lister = directory, directory, directory
	}

	syncWSHandler := handler.NewSyncWSHandler(hub, wsDirectory, handler.SyncWSConfig{
		DefaultRoom:    cfg.Relay.DefaultRoom,
		SendBuffer:     cfg.Relay.SendBuffer,
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		EnforceRoles:   cfg.Relay.EnforceRoles,
	}, log)

	return &Server{
		app:           app,
		cfg:           cfg,
		log:           log.With().Str("component", "server").Logger(),
		hub:           hub,
		syncWSHandler: syncWSHandler,
		healthHandler: handler.NewHealthHandler(hub, pinger),
		roomsHandler:  handler.NewRoomsHandler(hub, lister, log),
		jwtManager:    jwtManager,
	}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the room registry the relay serves.
func (s *Server) Hub() *handler.RoomHub {
	return s.hub
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: time.DateTime,
		Output:     s.log,
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.CORS.AllowOrigins,
		AllowHeaders: s.cfg.CORS.AllowHeaders,
		AllowMethods: "GET, OPTIONS",
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Room 조회 API (AUTH_REQUIRED면 JWT 필요)
	var guards []fiber.Handler
	if s.cfg.Auth.Required && s.jwtManager != nil {
		guards = append(guards, auth.AuthMiddleware(s.jwtManager))
	}
	api := s.app.Group("/api/rooms", guards...)
	api.Get("", s.roomsHandler.ListRooms)
	api.Get("/:room/online", s.roomsHandler.GetOnline)
	api.Get("/:room/activities", s.roomsHandler.GetActivities)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Rate Limiter 설정 (연결 폭주 방지)
	if s.cfg.Relay.ConnectLimit > 0 {
		s.app.Use("/ws", limiter.New(limiter.Config{
			Max:        s.cfg.Relay.ConnectLimit,
			Expiration: 1 * time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP() // IP 기반 제한
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error": "too many connections, please try again later",
				})
			},
		}))
	}

	// WebSocket 동기화 엔드포인트 (room 생략 시 기본 방)
	s.app.Get("/ws/:room?",
		auth.IdentityMiddleware(s.jwtManager, s.cfg.Auth.Required),
		func(c *fiber.Ctx) error {
			room := c.Params("room")
			if room == "" {
				room = s.cfg.Relay.DefaultRoom
			}
			c.Locals(handler.LocalsRoom, room)
			return c.Next()
		},
		websocket.New(s.syncWSHandler.HandleWebSocket, websocket.Config{
			HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
			ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		}),
	)
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		s.log.Info().Str("signal", sig.String()).Msg("shutting down server")
		if err := s.Shutdown(); err != nil {
			s.log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	s.log.Info().
		Str("addr", s.cfg.Server.Port).
		Str("ws", "ws://localhost"+s.cfg.Server.Port+"/ws/:room").
		Msg("realtime sync relay starting")

	return s.app.Listen(s.cfg.Server.Port)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown 서버 종료. 모든 클라이언트에 종료를 알린 뒤 HTTP 서버를 닫는다
func (s *Server) Shutdown() error {
	s.hub.Shutdown()
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}
