package handler

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"realtime-sync/internal/activity"
	"realtime-sync/internal/presence"
)

// OnlineLister looks up the users the shared directory sees in a room.
type OnlineLister interface {
	ListRoom(ctx context.Context, roomID string) ([]*presence.Entry, error)
	GetMultiPresence(ctx context.Context, roomID string, userIDs []string) (map[string]*presence.Entry, error)
}

// RoomsHandler 방 조회 API 핸들러
type RoomsHandler struct {
	hub       *RoomHub
	directory OnlineLister // nil이면 로컬 presence만 사용
	log       zerolog.Logger
}

// NewRoomsHandler RoomsHandler 생성
func NewRoomsHandler(hub *RoomHub, directory OnlineLister, log zerolog.Logger) *RoomsHandler {
	return &RoomsHandler{
		hub:       hub,
		directory: directory,
		log:       log.With().Str("component", "rooms_api").Logger(),
	}
}

// OnlineUser 접속자 응답
type OnlineUser struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	ServerID string `json:"serverId,omitempty"`
}

// OnlineResponse 접속자 목록 응답
type OnlineResponse struct {
	RoomID string       `json:"roomId"`
	Source string       `json:"source"`
	Users  []OnlineUser `json:"users"`
}

// ListRooms GET /api/rooms
func (h *RoomsHandler) ListRooms(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"rooms": h.hub.Stats(),
	})
}

// GetOnline GET /api/rooms/:room/online[?users=a,b]
// Redis 디렉터리가 있으면 전체 relay 기준, 실패하거나 없으면 이 프로세스 기준.
// users가 주어지면 해당 유저 중 접속 중인 유저만 반환
func (h *RoomsHandler) GetOnline(c *fiber.Ctx) error {
	roomID := c.Params("room")
	if roomID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "room is required",
		})
	}
	userIDs := splitUsers(c.Query("users"))

	if h.directory != nil {
		entries, err := h.lookupDirectory(c.UserContext(), roomID, userIDs)
		if err == nil {
			users := make([]OnlineUser, 0, len(entries))
			for _, e := range entries {
				users = append(users, OnlineUser{UserID: e.UserID, Name: e.Name, Color: e.Color, ServerID: e.ServerID})
			}
			return c.JSON(OnlineResponse{RoomID: roomID, Source: "redis", Users: users})
		}
		h.log.Warn().Err(err).Str("room", roomID).Msg("directory lookup failed, using local presence")
	}

	users := []OnlineUser{}
	room, err := h.hub.Room(roomID)
	if errors.Is(err, ErrRoomNotFound) {
		return c.JSON(OnlineResponse{RoomID: roomID, Source: "local", Users: users})
	}

	wanted := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}
	for _, s := range room.Presence() {
		if len(wanted) > 0 && !wanted[s.ClientID] {
			continue
		}
		users = append(users, OnlineUser{UserID: s.ClientID, Name: s.User.Name, Color: s.User.Color})
	}
	return c.JSON(OnlineResponse{RoomID: roomID, Source: "local", Users: users})
}

// lookupDirectory lists the whole room, or only the given users when ids is
// not empty. Entries come back sorted by user id.
func (h *RoomsHandler) lookupDirectory(parent context.Context, roomID string, ids []string) ([]*presence.Entry, error) {
	ctx, cancel := context.WithTimeout(parent, directoryTimeout)
	defer cancel()

	if len(ids) == 0 {
		return h.directory.ListRoom(ctx, roomID)
	}

	byID, err := h.directory.GetMultiPresence(ctx, roomID, ids)
	if err != nil {
		return nil, err
	}
	entries := make([]*presence.Entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

func splitUsers(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetActivities GET /api/rooms/:room/activities
func (h *RoomsHandler) GetActivities(c *fiber.Ctx) error {
	room, err := h.hub.Room(c.Params("room"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "room not found",
		})
	}

	entries, err := room.Activities()
	if err != nil {
		h.log.Error().Err(err).Str("room", room.ID).Msg("failed to read activities")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read activities",
		})
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	return c.JSON(fiber.Map{
		"roomId":     room.ID,
		"activities": entries,
	})
}
