package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Relay     RelayConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Log       LogConfig
}

// ServerConfig HTTP 서버 설정
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// WebSocketConfig WebSocket 관련 설정
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration // 이 시간 동안 아무것도 받지 못하면 연결 종료
	MaxMessageSize   int64
}

// RelayConfig 동기화 relay 설정
type RelayConfig struct {
	DefaultRoom       string
	SendBuffer        int    // 클라이언트별 송신 큐 크기
	BroadcastMode     string // full | diff
	PresenceSnapshot  bool
	ConnectLimit      int // IP별 분당 연결 수 (0 = 제한 없음)
	CompressThreshold int
	EnforceRoles      bool // Viewer 역할의 update 차단
}

// CORSConfig CORS 설정
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// AuthConfig 인증 설정
type AuthConfig struct {
	JWTSecret         string
	Required          bool // true면 토큰 없는 연결 거부
	AccessTokenExpiry time.Duration
}

// RedisConfig Redis 설정. Addr가 비어 있으면 presence 디렉터리 비활성화
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

// LogConfig 로그 설정
type LogConfig struct {
	Level  string
	Format string // json | console
}

// Load 환경 변수에서 설정 로드
func Load() *Config {
	// .env 파일 로드 (없어도 에러 무시)
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":1234"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
			PingInterval:     getDuration("WS_PING_INTERVAL", 25*time.Second),
			PongWait:         getDuration("WS_PONG_WAIT", 60*time.Second),
			MaxMessageSize:   int64(getInt("WS_MAX_MESSAGE_SIZE", 8<<20)),
		},
		Relay: RelayConfig{
			DefaultRoom:       getEnv("RELAY_DEFAULT_ROOM", "project-management"),
			SendBuffer:        getInt("RELAY_SEND_BUFFER", 256),
			BroadcastMode:     strings.ToLower(getEnv("RELAY_BROADCAST_MODE", "full")),
			PresenceSnapshot:  getBool("RELAY_PRESENCE_SNAPSHOT", true),
			ConnectLimit:      getInt("RELAY_CONNECT_LIMIT", 60),
			CompressThreshold: getInt("RELAY_COMPRESS_THRESHOLD", 16*1024),
			EnforceRoles:      getBool("RELAY_ENFORCE_ROLES", false),
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret:         getEnv("JWT_SECRET", ""),
			Required:          getBool("AUTH_REQUIRED", false),
			AccessTokenExpiry: getDuration("ACCESS_TOKEN_EXPIRY", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", ""),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getInt("REDIS_DB", 0),
			PresenceTTL: getDuration("PRESENCE_TTL", 60*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate 설정 값 검증
func (c *Config) Validate() error {
	var errs []error

	switch c.Relay.BroadcastMode {
	case "full", "diff":
	default:
		errs = append(errs, fmt.Errorf("RELAY_BROADCAST_MODE must be full or diff, got %q", c.Relay.BroadcastMode))
	}
	// sync 스냅샷과 presence 스냅샷이 동시에 들어갈 수 있어야 함
	if c.Relay.SendBuffer < 2 {
		errs = append(errs, fmt.Errorf("RELAY_SEND_BUFFER must be at least 2, got %d", c.Relay.SendBuffer))
	}
	if c.Relay.DefaultRoom == "" {
		errs = append(errs, errors.New("RELAY_DEFAULT_ROOM must not be empty"))
	}
	if c.WebSocket.ReadBufferSize <= 0 || c.WebSocket.WriteBufferSize <= 0 {
		errs = append(errs, errors.New("websocket buffer sizes must be positive"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		errs = append(errs, fmt.Errorf("WS_PONG_WAIT (%s) must be longer than WS_PING_INTERVAL (%s)",
			c.WebSocket.PongWait, c.WebSocket.PingInterval))
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_REQUIRED needs JWT_SECRET"))
	}
	if c.Auth.JWTSecret == "change-this-secret-in-production" {
		errs = append(errs, errors.New("JWT_SECRET must be changed from the default value"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// getEnv 환경 변수 조회 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt 정수형 환경 변수 조회
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getBool 불리언 환경 변수 조회
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration 시간 환경 변수 조회
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// 숫자만 있으면 초로 간주
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
