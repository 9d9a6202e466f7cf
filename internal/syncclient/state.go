package syncclient

import (
	"errors"
	"fmt"
)

// State is the connection state of a Client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrInvalidTransition = errors.New("syncclient: invalid state transition")
	// ErrOffline is returned by operations that need an open connection.
	ErrOffline = errors.New("syncclient: not connected")
	ErrClosed  = errors.New("syncclient: client closed")
)

// 상태 전이 규칙
//
//	CONNECTING   → OPEN | RECONNECTING | CLOSED
//	OPEN         → RECONNECTING | CLOSED
//	RECONNECTING → OPEN | CLOSED
//	CLOSED       → (없음)
func (s State) canTransitionTo(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateOpen || next == StateReconnecting || next == StateClosed
	case StateOpen:
		return next == StateReconnecting || next == StateClosed
	case StateReconnecting:
		return next == StateOpen || next == StateClosed
	default:
		return false
	}
}
