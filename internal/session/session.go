package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State WebSocket 연결 상태
type State int

const (
	StateConnecting State = iota // 핸드셰이크 완료, 방 참가 전
	StateOpen                    // 방 참가 완료, 프레임 처리 중
	StateClosed                  // 연결 종료
)

// String 상태를 문자열로 반환
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned for a state change the connection state
// machine does not allow.
var ErrInvalidTransition = errors.New("session: invalid state transition")

func (s State) canTransitionTo(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateOpen || next == StateClosed
	case StateOpen:
		return next == StateClosed
	default:
		return false
	}
}

// Stats 연결별 통계
type Stats struct {
	FramesIn     uint64
	FramesOut    uint64
	BytesIn      int64
	DecodeErrors uint64
}

// Session 클라이언트 연결 세션 (Thread-Safe)
type Session struct {
	ID          string
	RoomID      string
	ClientID    string
	ConnectedAt time.Time

	mu    sync.RWMutex
	state State
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// New 새 세션 생성
func New(roomID, clientID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		ClientID:    clientID,
		ConnectedAt: time.Now(),
		state:       StateConnecting,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// GetState 현재 상태 조회
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Open moves CONNECTING -> OPEN.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.canTransitionTo(StateOpen) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateOpen)
	}
	s.state = StateOpen
	return nil
}

// Close moves the session to CLOSED and reports whether this call did it.
// Closing twice is harmless.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.canTransitionTo(StateClosed) {
		return false
	}
	s.state = StateClosed
	s.cancel()
	return true
}

// IsClosed 세션 종료 여부 확인
func (s *Session) IsClosed() bool {
	return s.GetState() == StateClosed
}

// RecordIn 수신 프레임 기록
func (s *Session) RecordIn(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.FramesIn++
	s.stats.BytesIn += int64(n)
}

// RecordOut 송신 프레임 기록
func (s *Session) RecordOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.FramesOut++
}

// RecordDecodeError 잘못된 프레임 기록
func (s *Session) RecordDecodeError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.DecodeErrors++
}

// GetStats 통계 조회
func (s *Session) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stats
}

// Duration 연결 유지 시간
func (s *Session) Duration() time.Duration {
	return time.Since(s.ConnectedAt)
}
