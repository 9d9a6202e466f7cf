package presence

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPosition is returned when a cursor payload is neither a pointer
// position nor a text selection.
var ErrInvalidPosition = errors.New("presence: invalid cursor position")

// PositionKind 커서 종류
type PositionKind int

const (
	KindPointer   PositionKind = iota // {x, y, containerWidth, containerHeight}
	KindSelection                     // {start, end, top, left}
)

// Position is a cursor location. A nil *Position means "no cursor".
type Position struct {
	Kind PositionKind

	// pointer
	X               float64
	Y               float64
	ContainerWidth  float64
	ContainerHeight float64

	// selection
	Start int
	End   int
	Top   float64
	Left  float64
}

// Pointer builds a pointer position.
func Pointer(x, y, width, height float64) *Position {
	return &Position{Kind: KindPointer, X: x, Y: y, ContainerWidth: width, ContainerHeight: height}
}

// Selection builds a text selection position.
func Selection(start, end int, top, left float64) *Position {
	return &Position{Kind: KindSelection, Start: start, End: end, Top: top, Left: left}
}

type pointerJSON struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	ContainerWidth  float64 `json:"containerWidth"`
	ContainerHeight float64 `json:"containerHeight"`
}

type selectionJSON struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Top   float64 `json:"top"`
	Left  float64 `json:"left"`
}

// MarshalJSON 종류에 따라 두 가지 형태 중 하나로 직렬화
func (p Position) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindSelection:
		return json.Marshal(selectionJSON{Start: p.Start, End: p.End, Top: p.Top, Left: p.Left})
	case KindPointer:
		return json.Marshal(pointerJSON{X: p.X, Y: p.Y, ContainerWidth: p.ContainerWidth, ContainerHeight: p.ContainerHeight})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidPosition, p.Kind)
	}
}

// UnmarshalJSON picks the variant from the keys present: start/end means a
// selection, x/y a pointer. Anything else is rejected.
func (p *Position) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}

	_, hasStart := probe["start"]
	_, hasEnd := probe["end"]
	_, hasX := probe["x"]
	_, hasY := probe["y"]

	switch {
	case hasStart && hasEnd:
		var s selectionJSON
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
		}
		*p = Position{Kind: KindSelection, Start: s.Start, End: s.End, Top: s.Top, Left: s.Left}
	case hasX && hasY:
		var pt pointerJSON
		if err := json.Unmarshal(data, &pt); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPosition, err)
		}
		*p = Position{Kind: KindPointer, X: pt.X, Y: pt.Y, ContainerWidth: pt.ContainerWidth, ContainerHeight: pt.ContainerHeight}
	default:
		return ErrInvalidPosition
	}
	return nil
}

// User 표시용 사용자 정보
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// State is one client's ephemeral presence. It is replaced wholesale on
// every update and dropped on disconnect.
type State struct {
	ClientID string    `json:"userId"`
	Cursor   *Position `json:"position"`
	User     User      `json:"user"`
}
