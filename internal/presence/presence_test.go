package presence

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionJSON(t *testing.T) {
	t.Run("pointer", func(t *testing.T) {
		data, err := json.Marshal(Pointer(10, 20, 800, 600))
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":10,"y":20,"containerWidth":800,"containerHeight":600}`, string(data))

		var p Position
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, *Pointer(10, 20, 800, 600), p)
	})

	t.Run("selection", func(t *testing.T) {
		data, err := json.Marshal(Selection(3, 9, 120.5, 40))
		require.NoError(t, err)
		assert.JSONEq(t, `{"start":3,"end":9,"top":120.5,"left":40}`, string(data))

		var p Position
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, KindSelection, p.Kind)
		assert.Equal(t, 9, p.End)
	})

	t.Run("unrecognised shape", func(t *testing.T) {
		var p Position
		err := json.Unmarshal([]byte(`{"line":3}`), &p)
		assert.ErrorIs(t, err, ErrInvalidPosition)

		err = json.Unmarshal([]byte(`[1,2]`), &p)
		assert.ErrorIs(t, err, ErrInvalidPosition)
	})
}

func TestStateNullCursor(t *testing.T) {
	s := State{ClientID: "u1", User: User{Name: "Alice", Color: "#f00"}}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1","position":null,"user":{"name":"Alice","color":"#f00"}}`, string(data))

	var back State
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Nil(t, back.Cursor)
	assert.Equal(t, s, back)
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.Set(State{ClientID: "b", User: User{Name: "Bob"}})
	tr.Set(State{ClientID: "a", User: User{Name: "Alice"}})
	tr.Set(State{ClientID: "c", User: User{Name: "Carol"}})
	assert.Equal(t, 3, tr.Len())

	t.Run("last write wins", func(t *testing.T) {
		tr.Set(State{ClientID: "a", Cursor: Pointer(1, 2, 3, 4), User: User{Name: "Alice"}})
		got, ok := tr.Get("a")
		require.True(t, ok)
		assert.Equal(t, 1.0, got.Cursor.X)
		assert.Equal(t, 3, tr.Len())
	})

	t.Run("snapshot excludes and sorts", func(t *testing.T) {
		snap := tr.Snapshot("b")
		require.Len(t, snap, 2)
		assert.Equal(t, "a", snap[0].ClientID)
		assert.Equal(t, "c", snap[1].ClientID)
	})

	t.Run("remove", func(t *testing.T) {
		assert.True(t, tr.Remove("c"))
		assert.False(t, tr.Remove("c"))
		_, ok := tr.Get("c")
		assert.False(t, ok)
		assert.Equal(t, 2, tr.Len())
	})
}

func TestKeys(t *testing.T) {
	key := userKey("project-management", "u-42")
	assert.Equal(t, "presence:room:project-management:user:u-42", key)
	assert.Equal(t, "u-42", userIDFromKey(key))
	assert.Equal(t, "presence:room:project-management:user:*", roomPattern("project-management"))
}

func TestRoomPatternIsLiteral(t *testing.T) {
	rooms := []string{"a", "*", "a:user:b", "a*", "[ab]", "?", `a\`, "100%"}

	// With no metacharacters before the trailing '*', a Redis glob match is a
	// prefix match.
	prefix := func(room string) string {
		p := roomPattern(room)
		require.True(t, strings.HasSuffix(p, "*"))
		p = strings.TrimSuffix(p, "*")
		require.False(t, strings.ContainsAny(p, `*?[]\`), "pattern %q", p)
		return p
	}

	for _, room := range rooms {
		for _, other := range rooms {
			key := userKey(other, "u:1*")
			matches := strings.HasPrefix(key, prefix(room))
			assert.Equal(t, room == other, matches, "room %q key %q", room, key)
		}
	}

	assert.Equal(t, "u:1*", userIDFromKey(userKey("a:user:b", "u:1*")))
	assert.Equal(t, "100%", userIDFromKey(userKey("r", "100%")))
}
