package handler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime-sync/internal/activity"
	"realtime-sync/internal/crdt"
	"realtime-sync/internal/presence"
	"realtime-sync/internal/protocol"
)

// =============================================================================
// Room Hub - 방 단위 문서와 클라이언트 관리
// =============================================================================

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrClientNotFound = errors.New("client not in room")

	// Close reasons reported by Client.Err.
	ErrSlowConsumer = errors.New("client send queue full")
	ErrReplaced     = errors.New("replaced by a newer connection with the same id")
	ErrShutdown     = errors.New("relay shutting down")
)

// BroadcastMode decides what ApplyAndBroadcast sends to peers.
type BroadcastMode string

const (
	// BroadcastFull sends the full document state after every merge.
	BroadcastFull BroadcastMode = "full"
	// BroadcastDiff sends only the writes the merge added to the room document.
	BroadcastDiff BroadcastMode = "diff"
)

// RoomOptions 방 생성 옵션
type RoomOptions struct {
	BroadcastMode     BroadcastMode
	PresenceSnapshot  bool // 참가 시 기존 참가자 presence 전송
	CompressThreshold int
}

// RoomHub manages all rooms of this relay process.
type RoomHub struct {
	rooms map[string]*Room
	mu    sync.Mutex
	opts  RoomOptions
	log   zerolog.Logger
}

// Room holds one canonical document and the clients editing it. Every
// mutation of the document, the client list and the presence map happens
// under mu, which makes the room the serialization point for its frames.
type Room struct {
	ID        string
	CreatedAt time.Time

	opts     RoomOptions
	doc      *crdt.Document
	clients  []*Client // 참가 순서 유지
	presence *presence.Tracker
	mu       sync.Mutex
	log      zerolog.Logger
}

// Client is a connected peer as seen by its room. Frames for it are queued
// on a bounded channel drained by the connection's writer.
type Client struct {
	ID       string
	User     presence.User
	JoinedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewClient 클라이언트 핸들 생성
func NewClient(id string, user presence.User, buffer int) *Client {
	if buffer < 1 {
		buffer = 1
	}
	return &Client{
		ID:       id,
		User:     user,
		JoinedAt: time.Now(),
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send returns the queue of encoded frames for this client.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Done is closed when the room gives up on the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client was closed, nil for a normal leave.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close 클라이언트 종료 (여러 번 호출해도 안전)
func (c *Client) Close(reason error) {
	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)
	})
}

// enqueue never blocks. It fails when the client is closed or its queue is
// full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// NewRoomHub creates a new RoomHub instance
func NewRoomHub(opts RoomOptions, log zerolog.Logger) *RoomHub {
	if opts.BroadcastMode == "" {
		opts.BroadcastMode = BroadcastFull
	}
	return &RoomHub{
		rooms: make(map[string]*Room),
		opts:  opts,
		log:   log.With().Str("component", "room_hub").Logger(),
	}
}

// GetOrCreateRoom gets an existing room or creates a new one
func (h *RoomHub) GetOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.getOrCreateLocked(roomID)
}

func (h *RoomHub) getOrCreateLocked(roomID string) *Room {
	if room, exists := h.rooms[roomID]; exists {
		return room
	}

	room := &Room{
		ID:        roomID,
		CreatedAt: time.Now(),
		opts:      h.opts,
		doc:       crdt.New("relay:"+roomID, crdt.WithCompressThreshold(h.opts.CompressThreshold)),
		presence:  presence.NewTracker(),
		log:       h.log.With().Str("component", "room").Str("room", roomID).Logger(),
	}

	h.rooms[roomID] = room
	h.log.Info().Str("room", roomID).Msg("created room")

	return room
}

// Join gets or creates the room and joins the client in one step, so a
// concurrent ReleaseClient can never drop a room that is being joined.
func (h *RoomHub) Join(roomID string, c *Client) (*Room, []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.getOrCreateLocked(roomID)
	snapshot, err := room.Join(c)
	if err != nil {
		if room.Len() == 0 {
			delete(h.rooms, roomID)
		}
		return nil, nil, err
	}
	return room, snapshot, nil
}

// ReleaseClient removes the client from its room and drops the room once it
// is empty. The room's document goes with it. Releasing from a missing room
// does nothing.
func (h *RoomHub) ReleaseClient(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		return
	}

	room.Leave(c)

	if room.Len() == 0 {
		delete(h.rooms, roomID)
		h.log.Info().Str("room", roomID).Msg("removed empty room")
	}
}

// Room looks up an existing room.
func (h *RoomHub) Room(roomID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[roomID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room, nil
}

// RoomStats 방 통계
type RoomStats struct {
	ID        string    `json:"id"`
	Clients   int       `json:"clients"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats lists the live rooms sorted by id.
func (h *RoomHub) Stats() []RoomStats {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		stats = append(stats, RoomStats{ID: room.ID, Clients: room.Len(), CreatedAt: room.CreatedAt})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Shutdown closes every client. Their connection handlers release them and
// the rooms disappear as they empty.
func (h *RoomHub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		room.closeAll(ErrShutdown)
	}
}

// =============================================================================
// Room Methods
// =============================================================================

// Join registers the client with a null cursor and queues the snapshot for
// it, ahead of any later broadcast. It returns the snapshot it queued. A
// client whose id is already present replaces the older connection.
func (r *Room) Join(c *Client) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, err := r.doc.EncodeFull()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	syncFrame, err := protocol.Encode(protocol.Sync{Block: snapshot})
	if err != nil {
		return nil, err
	}

	if !c.enqueue(syncFrame) {
		c.Close(ErrSlowConsumer)
		return nil, ErrSlowConsumer
	}

	state := presence.State{ClientID: c.ID, User: c.User}
	if r.opts.PresenceSnapshot {
		peers, err := protocol.Encode(protocol.Presence{Peers: r.presence.Snapshot(c.ID)})
		if err != nil {
			return nil, err
		}
		if !c.enqueue(peers) {
			c.Close(ErrSlowConsumer)
			return nil, ErrSlowConsumer
		}
	}

	if i := r.indexOfID(c.ID); i >= 0 {
		old := r.clients[i]
		r.clients = append(r.clients[:i], r.clients[i+1:]...)
		old.Close(ErrReplaced)
		r.log.Info().Str("client", c.ID).Msg("replaced existing connection")
	}

	r.clients = append(r.clients, c)
	r.presence.Set(state)

	// 다른 참가자에게 새 참가자 알림 (커서 없음)
	if announce, err := protocol.Encode(protocol.CursorFrom(state)); err == nil {
		r.broadcastLocked(c.ID, announce)
	}

	r.log.Info().
		Str("client", c.ID).
		Int("clients", len(r.clients)).
		Int("snapshot_bytes", len(snapshot)).
		Msg("client joined")

	return snapshot, nil
}

// ApplyAndBroadcast merges block into the room document and sends an update
// to every other client in join order. A malformed block changes nothing
// and the crdt.DecodeError is returned. A sender handle that is no longer in
// the room (replaced or evicted) gets ErrClientNotFound and changes nothing.
func (r *Room) ApplyAndBroadcast(sender *Client, block []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(sender) < 0 {
		return fmt.Errorf("%w: %s", ErrClientNotFound, sender.ID)
	}
	senderID := sender.ID

	var before crdt.StateVector
	if r.opts.BroadcastMode == BroadcastDiff {
		before = r.doc.StateVector()
	}

	changed, err := r.doc.ApplyUpdate(block)
	if err != nil {
		return err
	}

	var payload []byte
	if r.opts.BroadcastMode == BroadcastDiff {
		payload, err = r.doc.EncodeDiffSince(before)
	} else {
		payload, err = r.doc.EncodeFull()
	}
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	msg, err := protocol.Encode(protocol.Update{Block: payload})
	if err != nil {
		return err
	}
	sent := r.broadcastLocked(senderID, msg)

	r.log.Debug().
		Str("client", senderID).
		Bool("changed", changed).
		Int("bytes", len(payload)).
		Int("recipients", sent).
		Msg("update applied")
	return nil
}

// Sync queues the current snapshot for a client that asked for it.
func (r *Room) Sync(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(c) < 0 {
		return fmt.Errorf("%w: %s", ErrClientNotFound, c.ID)
	}

	snapshot, err := r.doc.EncodeFull()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	msg, err := protocol.Encode(protocol.Sync{Block: snapshot})
	if err != nil {
		return err
	}

	if !c.enqueue(msg) {
		r.evictLocked(c, ErrSlowConsumer)
	}
	return nil
}

// UpdatePresence replaces the sender's presence and tells everyone else.
func (r *Room) UpdatePresence(sender *Client, cursor *presence.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(sender) < 0 {
		return fmt.Errorf("%w: %s", ErrClientNotFound, sender.ID)
	}

	state := presence.State{ClientID: sender.ID, Cursor: cursor, User: sender.User}
	r.presence.Set(state)

	msg, err := protocol.Encode(protocol.CursorFrom(state))
	if err != nil {
		return err
	}
	r.broadcastLocked(sender.ID, msg)
	return nil
}

// Leave removes exactly this client handle, drops its presence and sends a
// leave frame to the rest. A handle that was already replaced or removed is
// ignored, so a stale connection cannot remove its successor.
func (r *Room) Leave(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(c)
	if i < 0 {
		return false
	}
	r.clients = append(r.clients[:i], r.clients[i+1:]...)
	r.presence.Remove(c.ID)
	c.Close(nil)

	if msg, err := protocol.Encode(protocol.Leave{UserID: c.ID}); err == nil {
		r.broadcastLocked(c.ID, msg)
	}

	r.log.Info().
		Str("client", c.ID).
		Int("remaining", len(r.clients)).
		Dur("connected", time.Since(c.JoinedAt)).
		Msg("client left")
	return true
}

// Len 현재 참가자 수
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.clients)
}

// ClientIDs returns client ids in join order.
func (r *Room) ClientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(r.clients))
	for i, c := range r.clients {
		ids[i] = c.ID
	}
	return ids
}

// Presence returns the presence of every client, sorted by id.
func (r *Room) Presence() []presence.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.presence.Snapshot("")
}

// Snapshot encodes the current document.
func (r *Room) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.doc.EncodeFull()
}

// Activities decodes the room document's activity log, newest last.
func (r *Room) Activities() ([]activity.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return activity.Entries(r.doc)
}

// broadcastLocked queues msg for every client except senderID and returns
// how many accepted it. Clients that cannot keep up are evicted.
func (r *Room) broadcastLocked(senderID string, msg []byte) int {
	sent := 0
	var slow []*Client
	for _, c := range r.clients {
		// 보낸 사람에게는 되돌려 보내지 않음
		if c.ID == senderID {
			continue
		}
		if c.enqueue(msg) {
			sent++
		} else {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		r.evictLocked(c, ErrSlowConsumer)
	}
	return sent
}

// evictLocked closes a client that failed a send. It stays registered until
// its connection handler releases it, which also broadcasts the leave.
func (r *Room) evictLocked(c *Client, reason error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.Close(reason)
	r.log.Warn().Str("client", c.ID).Err(reason).Msg("evicting client")
}

func (r *Room) closeAll(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		c.Close(reason)
	}
}

func (r *Room) indexOf(c *Client) int {
	for i, existing := range r.clients {
		if existing == c {
			return i
		}
	}
	return -1
}

func (r *Room) indexOfID(id string) int {
	for i, existing := range r.clients {
		if existing.ID == id {
			return i
		}
	}
	return -1
}
