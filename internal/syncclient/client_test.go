package syncclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/crdt"
	"realtime-sync/internal/presence"
	"realtime-sync/internal/protocol"
)

const waitFor = 2 * time.Second

// fakeRelay hands every accepted connection to the test.
type fakeRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws/test-room"
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(waitFor):
		t.Fatal("no connection")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	msg, err := protocol.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func textBlock(t *testing.T, name, value string) []byte {
	t.Helper()
	d := crdt.New("relay")
	require.NoError(t, d.Transact(func(tx *crdt.Txn) error { return tx.SetText(name, value) }))
	b, err := d.EncodeFull()
	require.NoError(t, err)
	return b
}

func emptyBlock(t *testing.T) []byte {
	t.Helper()
	b, err := crdt.New("relay").EncodeFull()
	require.NoError(t, err)
	return b
}

func startClient(t *testing.T, opts Options) (*Client, <-chan error) {
	t.Helper()
	if opts.InitialInterval == 0 {
		opts.InitialInterval = 10 * time.Millisecond
	}
	c, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return c, done
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateConnecting, StateOpen, true},
		{StateConnecting, StateReconnecting, true},
		{StateOpen, StateReconnecting, true},
		{StateReconnecting, StateOpen, true},
		{StateOpen, StateClosed, true},
		{StateOpen, StateConnecting, false},
		{StateReconnecting, StateConnecting, false},
		{StateClosed, StateOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.canTransitionTo(tt.to))
		})
	}
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Options{URL: "http://localhost/ws"})
	assert.Error(t, err)

	c, err := New(Options{URL: "ws://localhost/ws/room", Name: "Alice", Role: "viewer"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())
	assert.Contains(t, c.url, "userId="+c.ID())
	assert.Contains(t, c.url, "name=Alice")
	assert.Equal(t, StateConnecting, c.State())
}

func TestIgnoresUpdatesBeforeFirstSync(t *testing.T) {
	relay := newFakeRelay(t)
	c, _ := startClient(t, Options{URL: relay.url()})
	conn := relay.accept(t)

	_, ok := readFrame(t, conn).(protocol.Sync)
	require.True(t, ok, "client must request a snapshot on open")

	sendFrame(t, conn, protocol.Update{Block: textBlock(t, "early", "x")})
	sendFrame(t, conn, protocol.Sync{Block: emptyBlock(t)})
	sendFrame(t, conn, protocol.Update{Block: textBlock(t, "late", "y")})

	require.Eventually(t, func() bool { return c.Text("late") == "y" }, waitFor, 10*time.Millisecond)
	assert.Empty(t, c.Text("early"))
	assert.True(t, c.IsOnline())
}

func TestOfflineEditsArePushedAfterSync(t *testing.T) {
	relay := newFakeRelay(t)
	c, err := New(Options{URL: relay.url(), InitialInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, c.SetText("content", "written offline"))
	assert.ErrorIs(t, c.AddActivity("comment", "page-1"), ErrOffline)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn := relay.accept(t)
	_, ok := readFrame(t, conn).(protocol.Sync)
	require.True(t, ok)
	sendFrame(t, conn, protocol.Sync{Block: emptyBlock(t)})

	update, ok := readFrame(t, conn).(protocol.Update)
	require.True(t, ok)
	replica := crdt.New("check")
	_, err = replica.ApplyUpdate(update.Block)
	require.NoError(t, err)
	assert.Equal(t, "written offline", replica.Text("content"))

	t.Run("online edits are sent immediately", func(t *testing.T) {
		require.NoError(t, c.AddActivity("comment", "page-1"))
		update, ok := readFrame(t, conn).(protocol.Update)
		require.True(t, ok)
		_, err := replica.ApplyUpdate(update.Block)
		require.NoError(t, err)
		assert.Equal(t, 1, replica.Len("activities"))
	})
}

func TestReconnectResyncsAndClearsPeers(t *testing.T) {
	relay := newFakeRelay(t)
	c, _ := startClient(t, Options{URL: relay.url()})

	var states []State
	stateCh := make(chan State, 16)
	c.OnState(func(s State) { stateCh <- s })

	first := relay.accept(t)
	readFrame(t, first)
	sendFrame(t, first, protocol.Sync{Block: emptyBlock(t)})
	sendFrame(t, first, protocol.Cursor{UserID: "peer", Position: presence.Pointer(1, 2, 10, 10), User: presence.User{Name: "Peer"}})
	require.Eventually(t, func() bool { return len(c.Peers()) == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, first.Close())

	second := relay.accept(t)
	_, ok := readFrame(t, second).(protocol.Sync)
	require.True(t, ok, "sync is re-issued on every open")
	assert.Empty(t, c.Peers())

	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-stateCh:
				states = append(states, s)
			default:
				return len(states) >= 2 && states[len(states)-1] == StateOpen
			}
		}
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, states, StateReconnecting)

	t.Run("leave removes a peer", func(t *testing.T) {
		sendFrame(t, second, protocol.Presence{Peers: []presence.State{{ClientID: "p1"}, {ClientID: "p2"}}})
		require.Eventually(t, func() bool { return len(c.Peers()) == 2 }, waitFor, 10*time.Millisecond)
		sendFrame(t, second, protocol.Leave{UserID: "p1"})
		require.Eventually(t, func() bool {
			_, ok := c.Peers()["p1"]
			return !ok
		}, waitFor, 10*time.Millisecond)
	})
}

func TestCloseStopsRun(t *testing.T) {
	relay := newFakeRelay(t)
	c, done := startClient(t, Options{URL: relay.url()})
	relay.accept(t)
	require.Eventually(t, c.IsOnline, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Close")
	}

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.SetText("content", "x"), ErrClosed)
	assert.ErrorIs(t, c.SetCursor(nil), ErrOffline)
}

func TestGivesUpAfterMaxElapsedTime(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, err := New(Options{
		URL:             "ws://" + addr + "/ws/room",
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxElapsedTime:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, c.State())
}
