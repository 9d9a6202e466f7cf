// Package syncclient keeps a local document replica in sync with a relay
// room over a websocket, reconnecting with exponential backoff.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"realtime-sync/internal/activity"
	"realtime-sync/internal/crdt"
	"realtime-sync/internal/presence"
	"realtime-sync/internal/protocol"
)

// Options 클라이언트 설정
type Options struct {
	// URL of the room endpoint, e.g. ws://localhost:1234/ws/project-management.
	URL string

	UserID string // 비어 있으면 생성 (재연결 시에도 유지)
	Name   string
	Color  string
	Role   string
	Token  string // JWT. 있으면 relay가 쿼리 identity 대신 사용

	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration // 0이면 무한 재시도
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration // 이 시간 동안 아무것도 못 받으면 재연결

	Dialer *websocket.Dialer
	Logger *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.UserID == "" {
		o.UserID = uuid.NewString()
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 75 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Client is one replica of a room document.
type Client struct {
	opts Options
	url  string
	doc  *crdt.Document
	log  zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	synced     bool // 현재 연결에서 첫 sync 응답 적용 여부
	pending    bool // relay에 아직 보내지 않은 로컬 변경
	peers      map[string]presence.State
	onPresence []func(map[string]presence.State)
	onState    []func(State)

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a client in the CONNECTING state. Nothing is dialed until Run.
func New(opts Options) (*Client, error) {
	opts.setDefaults()

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("syncclient: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("syncclient: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("userId", opts.UserID)
	for key, v := range map[string]string{"name": opts.Name, "color": opts.Color, "role": opts.Role, "token": opts.Token} {
		if v != "" {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Client{
		opts:   opts,
		url:    u.String(),
		doc:    crdt.New(""),
		log:    log.With().Str("component", "syncclient").Str("client", opts.UserID).Logger(),
		state:  StateConnecting,
		peers:  make(map[string]presence.State),
		closed: make(chan struct{}),
	}, nil
}

// ID is the client id the relay knows this replica by.
func (c *Client) ID() string {
	return c.opts.UserID
}

// Document returns the local replica.
func (c *Client) Document() *crdt.Document {
	return c.doc
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOnline reports whether the connection is open.
func (c *Client) IsOnline() bool {
	return c.State() == StateOpen
}

// Synced reports whether the current connection has applied its first sync
// reply, after which edits go out immediately.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.synced
}

// Run connects and keeps reconnecting until ctx is done, Close is called or
// the backoff gives up. It returns nil after Close, ctx.Err() after
// cancellation and the last dial error when retries are exhausted.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.InitialInterval),
		backoff.WithMaxInterval(c.opts.MaxInterval),
		backoff.WithMaxElapsedTime(c.opts.MaxElapsedTime),
	)

	for {
		opened, err := c.connect(ctx)

		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		default:
		}

		if opened {
			b.Reset()
		}
		c.dropped()

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.log.Error().Err(err).Msg("giving up reconnecting")
			c.Close()
			return fmt.Errorf("syncclient: reconnect: %w", err)
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("connection lost")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.closed:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			c.Close()
			return ctx.Err()
		}
	}
}

// connect runs one connection until it drops. opened reports whether the
// dial succeeded.
func (c *Client) connect(ctx context.Context) (opened bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return false, ErrClosed
	}
	c.conn = conn
	c.synced = false
	changed := c.setStateLocked(StateOpen)
	c.mu.Unlock()
	if changed {
		c.emitState(StateOpen)
	}
	c.log.Info().Str("url", c.opts.URL).Msg("connected")

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.synced = false
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// ctx 취소 또는 Close 시 읽기 루프를 깨움
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	extend()

	// 연결마다 sync 재요청
	if err := c.write(conn, protocol.Sync{}); err != nil {
		return true, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		extend()

		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handle(conn, frame)
	}
}

func (c *Client) handle(conn *websocket.Conn, frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.Sync:
		if len(f.Block) > 0 {
			if _, err := c.doc.ApplyUpdate(f.Block); err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed sync block")
				return
			}
		}
		c.mu.Lock()
		first := !c.synced
		c.synced = true
		push := c.pending
		c.pending = false
		c.mu.Unlock()
		if first {
			c.log.Debug().Bool("push_pending", push).Msg("synced")
		}
		if push {
			c.pushState(conn)
		}

	case protocol.Update:
		c.mu.Lock()
		synced := c.synced
		c.mu.Unlock()
		if !synced {
			c.log.Debug().Msg("ignoring update before first sync")
			return
		}
		if _, err := c.doc.ApplyUpdate(f.Block); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed update block")
		}

	case protocol.Cursor:
		c.updatePeers(func(peers map[string]presence.State) {
			peers[f.UserID] = f.State()
		})

	case protocol.Leave:
		c.updatePeers(func(peers map[string]presence.State) {
			delete(peers, f.UserID)
		})

	case protocol.Presence:
		c.updatePeers(func(peers map[string]presence.State) {
			for _, p := range f.Peers {
				peers[p.ClientID] = p
			}
		})
	}
}

// Edit applies fn as one local transaction and sends the full local state
// to the relay without waiting for anything. While offline, or before the
// first sync of a connection, the change is kept and pushed after the next
// sync.
func (c *Client) Edit(fn func(tx *crdt.Txn) error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if err := c.doc.Transact(fn); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	ready := conn != nil && c.synced
	if !ready {
		c.pending = true
	}
	c.mu.Unlock()

	if ready {
		c.pushState(conn)
	}
	return nil
}

// SetText sets a text register through Edit.
func (c *Client) SetText(name, value string) error {
	return c.Edit(func(tx *crdt.Txn) error {
		return tx.SetText(name, value)
	})
}

// Text reads a text register from the local replica.
func (c *Client) Text(name string) string {
	return c.doc.Text(name)
}

// AddActivity appends an entry attributed to this client. It is refused
// while disconnected.
func (c *Client) AddActivity(typ activity.Type, resource string) error {
	if !c.IsOnline() {
		return ErrOffline
	}
	actor := activity.Actor{ID: c.opts.UserID, Name: c.opts.Name, Role: c.opts.Role}
	return c.Edit(func(tx *crdt.Txn) error {
		return activity.Append(tx, activity.NewEntry(actor, typ, resource))
	})
}

// Activities returns the replica's activity feed, oldest first.
func (c *Client) Activities() ([]activity.Entry, error) {
	return activity.Entries(c.doc)
}

// SetCursor publishes this client's cursor. nil clears it.
func (c *Client) SetCursor(pos *presence.Position) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	return c.write(conn, protocol.Cursor{
		UserID:   c.opts.UserID,
		Position: pos,
		User:     presence.User{Name: c.opts.Name, Color: c.opts.Color},
	})
}

// OnChange registers fn for every committed change to the replica, local or
// remote. It runs synchronously after the change is applied.
func (c *Client) OnChange(fn func(crdt.Event)) (cancel func()) {
	return c.doc.Observe(fn)
}

// OnPresence registers fn for every change to the peer map. fn receives a
// copy.
func (c *Client) OnPresence(fn func(map[string]presence.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = append(c.onPresence, fn)
}

// OnState registers fn for every state transition.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// Peers returns a copy of the known peers. A missing entry means unknown.
func (c *Client) Peers() map[string]presence.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyPeers(c.peers)
}

// Close stops the client for good. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		changed := c.setStateLocked(StateClosed)
		c.mu.Unlock()

		if conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			_ = conn.Close()
		}
		if changed {
			c.emitState(StateClosed)
		}
	})
	return nil
}

// dropped moves to RECONNECTING and forgets every peer.
func (c *Client) dropped() {
	c.mu.Lock()
	hadPeers := len(c.peers) > 0
	c.peers = make(map[string]presence.State)
	changed := c.setStateLocked(StateReconnecting)
	handlers := c.onPresence
	c.mu.Unlock()

	if changed {
		c.emitState(StateReconnecting)
	}
	if hadPeers {
		for _, fn := range handlers {
			fn(map[string]presence.State{})
		}
	}
}

func (c *Client) pushState(conn *websocket.Conn) {
	block, err := c.doc.EncodeFull()
	if err != nil {
		c.log.Error().Err(err).Msg("encode local state")
		return
	}
	if err := c.write(conn, protocol.Update{Block: block}); err != nil {
		c.mu.Lock()
		c.pending = true
		c.mu.Unlock()
		c.log.Debug().Err(err).Msg("update not sent, will retry after reconnect")
	}
}

func (c *Client) write(conn *websocket.Conn, f protocol.Frame) error {
	msg, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) updatePeers(fn func(map[string]presence.State)) {
	c.mu.Lock()
	fn(c.peers)
	snapshot := copyPeers(c.peers)
	handlers := c.onPresence
	c.mu.Unlock()

	for _, h := range handlers {
		h(copyPeers(snapshot))
	}
}

func (c *Client) setStateLocked(next State) bool {
	if c.state == next {
		return false
	}
	if !c.state.canTransitionTo(next) {
		c.log.Debug().Stringer("from", c.state).Stringer("to", next).Err(ErrInvalidTransition).Msg("ignoring transition")
		return false
	}
	c.state = next
	return true
}

func (c *Client) emitState(s State) {
	c.mu.Lock()
	handlers := c.onState
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func copyPeers(in map[string]presence.State) map[string]presence.State {
	out := make(map[string]presence.State, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
