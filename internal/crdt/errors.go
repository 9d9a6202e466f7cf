package crdt

import (
	"errors"
	"fmt"
)

var (
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	ErrEmptyName       = errors.New("crdt: empty field name")
	ErrClockExhausted  = errors.New("crdt: lamport clock exhausted")
)

// DecodeError reports a malformed update block. Stale but well-formed blocks
// never produce it; they are merged like any other.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crdt: decode update block: %s: %v", e.Reason, e.Err)
	}
	return "crdt: decode update block: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err (or anything it wraps) is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
