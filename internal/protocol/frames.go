// Package protocol defines the JSON frames exchanged between the relay and
// its clients.
//
// Every frame is an envelope {"type", "data", "userId"}. Update blocks travel
// as JSON arrays of integers.
package protocol

import (
	"realtime-sync/internal/presence"
)

// Frame types.
const (
	TypeSync     = "sync"
	TypeUpdate   = "update"
	TypeCursor   = "cursor"
	TypeLeave    = "leave"
	TypePresence = "presence"
)

// Frame is implemented only by the types in this package: Sync, Update,
// Cursor, Leave and Presence.
type Frame interface {
	Type() string
	isFrame()
}

// Sync is a snapshot request from a client (Block empty) or the relay's
// full-state reply.
type Sync struct {
	Block Bytes
}

// Update carries an update block.
type Update struct {
	Block Bytes
}

// Cursor is a presence update. From a client UserID is advisory; the relay
// always stamps the connection's own identity before fanning it out.
type Cursor struct {
	UserID   string
	Position *presence.Position
	User     presence.User
}

// Leave tells peers a client disconnected.
type Leave struct {
	UserID string
}

// Presence is the relay's snapshot of the peers already in a room, sent to a
// client when it joins.
type Presence struct {
	Peers []presence.State
}

func (Sync) Type() string     { return TypeSync }
func (Update) Type() string   { return TypeUpdate }
func (Cursor) Type() string   { return TypeCursor }
func (Leave) Type() string    { return TypeLeave }
func (Presence) Type() string { return TypePresence }

func (Sync) isFrame()     {}
func (Update) isFrame()   {}
func (Cursor) isFrame()   {}
func (Leave) isFrame()    {}
func (Presence) isFrame() {}

// State converts a cursor frame into the presence state it describes.
func (c Cursor) State() presence.State {
	return presence.State{ClientID: c.UserID, Cursor: c.Position, User: c.User}
}

// CursorFrom is the inverse of Cursor.State.
func CursorFrom(s presence.State) Cursor {
	return Cursor{UserID: s.ClientID, Position: s.Cursor, User: s.User}
}
