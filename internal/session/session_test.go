package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	s := New("room", "u1")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StateConnecting, s.GetState())

	require.NoError(t, s.Open())
	assert.Equal(t, StateOpen, s.GetState())
	assert.ErrorIs(t, s.Open(), ErrInvalidTransition)

	assert.True(t, s.Close())
	assert.True(t, s.IsClosed())
	assert.False(t, s.Close())
	assert.ErrorIs(t, s.Open(), ErrInvalidTransition)

	select {
	case <-s.Context().Done():
	default:
		t.Fatal("context not cancelled on close")
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	s := New("room", "u1")
	assert.True(t, s.Close())
	assert.Equal(t, "closed", s.GetState().String())
}

func TestStats(t *testing.T) {
	s := New("room", "u1")
	s.RecordIn(10)
	s.RecordIn(5)
	s.RecordOut()
	s.RecordDecodeError()

	st := s.GetStats()
	assert.Equal(t, uint64(2), st.FramesIn)
	assert.Equal(t, int64(15), st.BytesIn)
	assert.Equal(t, uint64(1), st.FramesOut)
	assert.Equal(t, uint64(1), st.DecodeErrors)
}
