package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"realtime-sync/internal/config"
	"realtime-sync/internal/logger"
	"realtime-sync/internal/presence"
	"realtime-sync/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred cleanup always runs.
func run() error {
	// 설정 로드
	cfg := config.Load()
	log := logger.New(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Redis presence 디렉터리 (선택)
	var directory *presence.Directory
	if cfg.Redis.Addr != "" {
		directory = presence.NewDirectory(presence.DirectoryOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.PresenceTTL,
			ServerID: uuid.NewString(),
		})
		defer directory.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := directory.Health(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, presence directory degraded")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Str("server_id", directory.ServerID()).Msg("redis presence directory connected")
		}
		cancel()

		watchCtx, stopWatch := context.WithCancel(context.Background())
		defer stopWatch()
		go watchDirectory(watchCtx, directory, log)
	} else {
		log.Info().Msg("redis not configured, presence stays local")
	}

	// 서버 생성 및 설정
	srv := server.New(cfg, log, directory)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// 서버 시작
	if err := srv.Start(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// watchDirectory logs joins and leaves announced by other relay processes.
func watchDirectory(ctx context.Context, d *presence.Directory, log zerolog.Logger) {
	sub := d.SubscribePresence(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := presence.DecodeEvent(msg)
			if err != nil {
				log.Warn().Err(err).Msg("invalid presence event")
				continue
			}
			if ev.Entry.ServerID == d.ServerID() {
				continue
			}
			log.Debug().
				Str("event", string(ev.Type)).
				Str("room", ev.Entry.RoomID).
				Str("user", ev.Entry.UserID).
				Str("server_id", ev.Entry.ServerID).
				Msg("remote presence event")
		}
	}
}
