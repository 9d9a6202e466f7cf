package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/activity"
	"realtime-sync/internal/crdt"
	"realtime-sync/internal/presence"
)

type fakeLister struct {
	entries []*presence.Entry
	err     error
}

func (f fakeLister) ListRoom(context.Context, string) ([]*presence.Entry, error) {
	return f.entries, f.err
}

func (f fakeLister) GetMultiPresence(_ context.Context, _ string, ids []string) (map[string]*presence.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*presence.Entry)
	for _, id := range ids {
		for _, e := range f.entries {
			if e.UserID == id {
				out[id] = e
			}
		}
	}
	return out, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Health(context.Context) error { return f.err }

func doGet(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func roomsApp(hub *RoomHub, lister OnlineLister) *fiber.App {
	h := NewRoomsHandler(hub, lister, zerolog.Nop())
	app := fiber.New()
	app.Get("/api/rooms", h.ListRooms)
	app.Get("/api/rooms/:room/online", h.GetOnline)
	app.Get("/api/rooms/:room/activities", h.GetActivities)
	return app
}

func TestGetOnline(t *testing.T) {
	hub := newTestHub(RoomOptions{})
	_, _, err := hub.Join("r", newTestClient("local-user"))
	require.NoError(t, err)

	t.Run("directory listing", func(t *testing.T) {
		app := roomsApp(hub, fakeLister{entries: []*presence.Entry{
			{RoomID: "r", UserID: "u1", Name: "Alice", ServerID: "relay-a"},
			{RoomID: "r", UserID: "u2", Name: "Bob", ServerID: "relay-b"},
		}})

		var resp OnlineResponse
		assert.Equal(t, 200, doGet(t, app, "/api/rooms/r/online", &resp))
		assert.Equal(t, "redis", resp.Source)
		require.Len(t, resp.Users, 2)
		assert.Equal(t, "relay-b", resp.Users[1].ServerID)
	})

	t.Run("directory lookup of given users", func(t *testing.T) {
		app := roomsApp(hub, fakeLister{entries: []*presence.Entry{
			{RoomID: "r", UserID: "u1", Name: "Alice", ServerID: "relay-a"},
			{RoomID: "r", UserID: "u2", Name: "Bob", ServerID: "relay-b"},
			{RoomID: "r", UserID: "u3", Name: "Carol", ServerID: "relay-a"},
		}})

		var resp OnlineResponse
		assert.Equal(t, 200, doGet(t, app, "/api/rooms/r/online?users=u3,offline,u1", &resp))
		assert.Equal(t, "redis", resp.Source)
		require.Len(t, resp.Users, 2)
		assert.Equal(t, "u1", resp.Users[0].UserID)
		assert.Equal(t, "u3", resp.Users[1].UserID)
	})

	t.Run("local lookup of given users", func(t *testing.T) {
		app := roomsApp(hub, nil)

		var resp OnlineResponse
		assert.Equal(t, 200, doGet(t, app, "/api/rooms/r/online?users=someone-else", &resp))
		assert.Equal(t, "local", resp.Source)
		assert.Empty(t, resp.Users)

		assert.Equal(t, 200, doGet(t, app, "/api/rooms/r/online?users=local-user", &resp))
		require.Len(t, resp.Users, 1)
	})

	t.Run("directory failure falls back", func(t *testing.T) {
		app := roomsApp(hub, fakeLister{err: errors.New("connection refused")})

		var resp OnlineResponse
		assert.Equal(t, 200, doGet(t, app, "/api/rooms/r/online", &resp))
		assert.Equal(t, "local", resp.Source)
		require.Len(t, resp.Users, 1)
		assert.Equal(t, "local-user", resp.Users[0].UserID)
	})

	t.Run("unknown room is empty", func(t *testing.T) {
		app := roomsApp(hub, nil)

		var resp OnlineResponse
		assert.Equal(t, 200, doGet(t, app, "/api/rooms/elsewhere/online", &resp))
		assert.Empty(t, resp.Users)
	})
}

func TestGetActivities(t *testing.T) {
	hub := newTestHub(RoomOptions{})
	a := newTestClient("a")
	room, _, err := hub.Join("r", a)
	require.NoError(t, err)

	replica := crdt.New("a")
	actor := activity.Actor{ID: "a", Name: "Alice", Role: "Editor"}
	require.NoError(t, replica.Transact(func(tx *crdt.Txn) error {
		return activity.Append(tx, activity.NewEntry(actor, activity.TypePageEdit, "page-1"))
	}))
	block, err := replica.EncodeFull()
	require.NoError(t, err)
	require.NoError(t, room.ApplyAndBroadcast(a, block))

	app := roomsApp(hub, nil)
	var resp struct {
		RoomID     string           `json:"roomId"`
		Activities []activity.Entry `json:"activities"`
	}
	assert.Equal(t, 200, doGet(t, app, "/api/rooms/r/activities", &resp))
	require.Len(t, resp.Activities, 1)
	assert.Equal(t, activity.TypePageEdit, resp.Activities[0].Type)
	assert.Equal(t, "Alice", resp.Activities[0].UserName)

	assert.Equal(t, 404, doGet(t, app, "/api/rooms/missing/activities", nil))
}

func TestHealthWithRedis(t *testing.T) {
	hub := newTestHub(RoomOptions{})

	t.Run("redis down is degraded", func(t *testing.T) {
		h := NewHealthHandler(hub, fakePinger{err: errors.New("down")})
		app := fiber.New()
		app.Get("/health", h.Check)
		app.Get("/ready", h.Readiness)

		var resp HealthResponse
		assert.Equal(t, 200, doGet(t, app, "/health", &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "degraded", resp.Checks["redis"].Status)
		assert.Equal(t, 503, doGet(t, app, "/ready", nil))
	})

	t.Run("redis up", func(t *testing.T) {
		h := NewHealthHandler(hub, fakePinger{})
		app := fiber.New()
		app.Get("/health", h.Check)

		var resp HealthResponse
		assert.Equal(t, 200, doGet(t, app, "/health", &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.NotEmpty(t, resp.Checks["redis"].Latency)
	})
}
