package auth

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// Identity is the user behind a connection: {id, name, color, role}.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Role  string `json:"role,omitempty"`
}

// ColorFor derives a stable display color from a name.
func ColorFor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", h.Sum32()%360)
}

// withDefaults 비어 있는 필드 채우기
func (id Identity) withDefaults() Identity {
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	if id.Name == "" {
		id.Name = "Anonymous-" + id.ID[:min(4, len(id.ID))]
	}
	if id.Color == "" {
		id.Color = ColorFor(id.Name)
	}
	if id.Role == "" {
		id.Role = RoleEditor
	}
	return id
}
