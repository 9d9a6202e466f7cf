package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"realtime-sync/internal/presence"
)

// DecodeError reports a malformed inbound frame. The relay logs it and keeps
// the connection open.
type DecodeError struct {
	Type   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "protocol: decode"
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += " frame: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is (or wraps) a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

type envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	UserID string          `json:"userId,omitempty"`
}

type cursorData struct {
	Position *presence.Position `json:"position"`
	User     presence.User      `json:"user"`
}

// Encode serializes a frame into its JSON envelope.
func Encode(f Frame) ([]byte, error) {
	env := envelope{Type: f.Type()}

	var (
		data any
		err  error
	)
	switch v := f.(type) {
	case Sync:
		if v.Block != nil {
			data = v.Block
		}
	case Update:
		data = v.Block
	case Cursor:
		env.UserID = v.UserID
		data = cursorData{Position: v.Position, User: v.User}
	case Leave:
		env.UserID = v.UserID
	case Presence:
		peers := v.Peers
		if peers == nil {
			peers = []presence.State{}
		}
		data = peers
	default:
		return nil, fmt.Errorf("protocol: unknown frame %T", f)
	}

	if data != nil {
		env.Data, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", f.Type(), err)
		}
	}
	return json.Marshal(env)
}

// Decode parses one inbound frame. Any failure is a *DecodeError.
func Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid envelope", Err: err}
	}

	switch env.Type {
	case TypeSync:
		var block Bytes
		if hasData(env.Data) {
			if err := json.Unmarshal(env.Data, &block); err != nil {
				return nil, &DecodeError{Type: env.Type, Reason: "invalid block", Err: err}
			}
		}
		return Sync{Block: block}, nil

	case TypeUpdate:
		if !hasData(env.Data) {
			return nil, &DecodeError{Type: env.Type, Reason: "missing block"}
		}
		var block Bytes
		if err := json.Unmarshal(env.Data, &block); err != nil {
			return nil, &DecodeError{Type: env.Type, Reason: "invalid block", Err: err}
		}
		if len(block) == 0 {
			return nil, &DecodeError{Type: env.Type, Reason: "empty block"}
		}
		return Update{Block: block}, nil

	case TypeCursor:
		var cd cursorData
		if hasData(env.Data) {
			if err := json.Unmarshal(env.Data, &cd); err != nil {
				return nil, &DecodeError{Type: env.Type, Reason: "invalid cursor", Err: err}
			}
		}
		return Cursor{UserID: env.UserID, Position: cd.Position, User: cd.User}, nil

	case TypeLeave:
		if env.UserID == "" {
			return nil, &DecodeError{Type: env.Type, Reason: "missing userId"}
		}
		return Leave{UserID: env.UserID}, nil

	case TypePresence:
		var peers []presence.State
		if hasData(env.Data) {
			if err := json.Unmarshal(env.Data, &peers); err != nil {
				return nil, &DecodeError{Type: env.Type, Reason: "invalid peers", Err: err}
			}
		}
		return Presence{Peers: peers}, nil

	case "":
		return nil, &DecodeError{Reason: "missing type"}
	default:
		return nil, &DecodeError{Type: env.Type, Reason: "unknown type"}
	}
}

func hasData(d json.RawMessage) bool {
	return len(d) > 0 && string(d) != "null"
}
