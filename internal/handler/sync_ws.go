package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"realtime-sync/internal/auth"
	"realtime-sync/internal/crdt"
	"realtime-sync/internal/presence"
	"realtime-sync/internal/protocol"
	"realtime-sync/internal/session"
)

// LocalsRoom is the fiber Locals key holding the room id resolved from the
// route.
const LocalsRoom = "room"

const directoryTimeout = 2 * time.Second

// PresenceDirectory records online users outside this process. The Redis
// directory implements it.
type PresenceDirectory interface {
	SetPresence(ctx context.Context, roomID, userID string, user presence.User) error
	UpdateHeartbeat(ctx context.Context, roomID, userID string) error
	RemovePresence(ctx context.Context, roomID, userID string) error
}

// SyncWSConfig 연결 처리 설정
type SyncWSConfig struct {
	DefaultRoom    string
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	EnforceRoles   bool // true면 edit_content 권한 없는 역할의 update 무시
}

// SyncWSHandler WebSocket 동기화 핸들러
type SyncWSHandler struct {
	hub       *RoomHub
	directory PresenceDirectory // nil이면 비활성화
	cfg       SyncWSConfig
	log       zerolog.Logger
}

// NewSyncWSHandler SyncWSHandler 생성. directory may be nil.
func NewSyncWSHandler(hub *RoomHub, directory PresenceDirectory, cfg SyncWSConfig, log zerolog.Logger) *SyncWSHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 12 / 5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &SyncWSHandler{
		hub:       hub,
		directory: directory,
		cfg:       cfg,
		log:       log.With().Str("component", "sync_ws").Logger(),
	}
}

// HandleWebSocket runs one connection from join to release. It returns once
// both the reader and the writer have stopped.
func (h *SyncWSHandler) HandleWebSocket(c *websocket.Conn) {
	// 패닉 복구 - 서버 크래시 방지
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("recovered websocket panic")
		}
	}()

	identity, ok := c.Locals(auth.LocalsIdentity).(auth.Identity)
	if !ok {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"invalid session"}`))
		_ = c.Close()
		return
	}
	roomID, _ := c.Locals(LocalsRoom).(string)
	if roomID == "" {
		roomID = h.cfg.DefaultRoom
	}

	sess := session.New(roomID, identity.ID)
	log := h.log.With().
		Str("session", sess.ID).
		Str("room", roomID).
		Str("client", identity.ID).
		Logger()

	user := presence.User{Name: identity.Name, Color: identity.Color}
	client := NewClient(identity.ID, user, h.cfg.SendBuffer)

	room, _, err := h.hub.Join(roomID, client)
	if err != nil {
		log.Error().Err(err).Msg("join failed")
		sess.Close()
		_ = c.Close()
		return
	}
	if err := sess.Open(); err != nil {
		log.Error().Err(err).Msg("session open failed")
	}
	log.Info().Str("name", identity.Name).Str("role", identity.Role).Msg("connection open")

	h.directoryCall(sess.Context(), log, "set", func(ctx context.Context) error {
		return h.directory.SetPresence(ctx, roomID, identity.ID, user)
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c, client, sess, log)
	}()

	h.readLoop(c, room, client, identity, sess, log)

	// CLOSED: 방에서 제거하고 writer 종료 대기
	sess.Close()
	h.hub.ReleaseClient(roomID, client)
	client.Close(nil)
	_ = c.Close()
	<-writerDone

	// 세션 컨텍스트는 이미 취소됨
	if !errors.Is(client.Err(), ErrReplaced) {
		h.directoryCall(context.Background(), log, "remove", func(ctx context.Context) error {
			return h.directory.RemovePresence(ctx, roomID, identity.ID)
		})
	}

	stats := sess.GetStats()
	log.Info().
		Uint64("frames_in", stats.FramesIn).
		Uint64("frames_out", stats.FramesOut).
		Uint64("decode_errors", stats.DecodeErrors).
		Dur("duration", sess.Duration()).
		AnErr("reason", client.Err()).
		Msg("connection closed")
}

func (h *SyncWSHandler) readLoop(c *websocket.Conn, room *Room, client *Client, identity auth.Identity, sess *session.Session, log zerolog.Logger) {
	extend := func() {
		_ = c.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	}

	if h.cfg.MaxMessageSize > 0 {
		c.SetReadLimit(h.cfg.MaxMessageSize)
	}
	extend()
	c.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	canEdit := !h.cfg.EnforceRoles || auth.CanEdit(identity.Role)

	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		extend()
		sess.RecordIn(len(data))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			sess.RecordDecodeError()
			log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}

		switch f := frame.(type) {
		case protocol.Sync:
			err = room.Sync(client)
		case protocol.Update:
			if !canEdit {
				log.Warn().Str("role", identity.Role).Msg("dropping update from read-only client")
				continue
			}
			err = room.ApplyAndBroadcast(client, f.Block)
			if crdt.IsDecodeError(err) {
				sess.RecordDecodeError()
				log.Warn().Err(err).Int("bytes", len(f.Block)).Msg("dropping malformed update block")
				continue
			}
		case protocol.Cursor:
			err = room.UpdatePresence(client, f.Position)
		default:
			// leave/presence는 서버 → 클라이언트 전용
			log.Debug().Str("type", frame.Type()).Msg("ignoring server-only frame")
			continue
		}

		if errors.Is(err, ErrClientNotFound) {
			// 다른 연결에 의해 대체되었거나 방에서 제외됨
			return
		}
		if err != nil {
			log.Error().Err(err).Str("type", frame.Type()).Msg("frame dispatch failed")
		}
	}
}

// writeLoop owns every write on the connection: queued frames and pings.
func (h *SyncWSHandler) writeLoop(c *websocket.Conn, client *Client, sess *session.Session, log zerolog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-client.Send():
			_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Msg("write failed")
				_ = c.Close()
				return
			}
			sess.RecordOut()

		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("ping failed")
				_ = c.Close()
				return
			}
			h.directoryCall(sess.Context(), log, "heartbeat", func(ctx context.Context) error {
				return h.directory.UpdateHeartbeat(ctx, sess.RoomID, sess.ClientID)
			})

		case <-client.Done():
			if reason := client.Err(); reason != nil {
				log.Info().Err(reason).Msg("closing connection")
				closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason.Error())
				if errors.Is(reason, ErrShutdown) {
					closeMsg = websocket.FormatCloseMessage(websocket.CloseGoingAway, reason.Error())
				}
				_ = c.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(h.cfg.WriteTimeout))
			}
			_ = c.Close()
			return
		}
	}
}

// directoryCall runs fn with a bounded context derived from parent. Failures
// are logged; the relay keeps working without the directory.
func (h *SyncWSHandler) directoryCall(parent context.Context, log zerolog.Logger, op string, fn func(ctx context.Context) error) {
	if h.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, directoryTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("presence directory call failed")
	}
}
