package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// UpdatesChannel pub/sub 채널 이름
const UpdatesChannel = "presence_updates"

// DefaultTTL 하트비트가 끊긴 뒤 항목이 사라지기까지의 시간
const DefaultTTL = 60 * time.Second

// ErrNotOnline is returned by UpdateHeartbeat when the entry has already
// expired or was never set.
var ErrNotOnline = errors.New("presence: user not online")

// EventType 디렉터리 이벤트 종류
type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Entry Redis에 저장될 접속 정보
type Entry struct {
	RoomID        string `json:"room_id"`
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	ServerID      string `json:"server_id"` // 어느 relay 프로세스에 붙어 있는지
}

// Event pub/sub 메시지
type Event struct {
	Type  EventType `json:"type"`
	Entry Entry     `json:"entry"`
}

// Directory records which users are connected to which room across relay
// processes. Entries expire unless refreshed by heartbeats. It is separate
// from the per-room Tracker and never touches the shared document.
type Directory struct {
	client   *redis.Client
	serverID string
	ttl      time.Duration
}

// DirectoryOptions Redis 연결 옵션
type DirectoryOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	ServerID string
}

// NewDirectory 생성자
func NewDirectory(opts DirectoryOptions) *Directory {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Directory{
		client:   rdb,
		serverID: opts.ServerID,
		ttl:      ttl,
	}
}

// ServerID returns the id this process stamps on its entries.
func (d *Directory) ServerID() string {
	return d.serverID
}

// keyEscaper percent-encodes the key separator and SCAN glob metacharacters,
// so a room id can neither match another room's keys nor act as a wildcard.
var keyEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	"\\", "%5C",
)

// Key 생성 유틸
func userKey(roomID, userID string) string {
	return fmt.Sprintf("presence:room:%s:user:%s", keyEscaper.Replace(roomID), keyEscaper.Replace(userID))
}

func roomPattern(roomID string) string {
	return fmt.Sprintf("presence:room:%s:user:*", keyEscaper.Replace(roomID))
}

// SetPresence 접속 등록 (Connect)
func (d *Directory) SetPresence(ctx context.Context, roomID, userID string, user User) error {
	entry := Entry{
		RoomID:        roomID,
		UserID:        userID,
		Name:          user.Name,
		Color:         user.Color,
		LastHeartbeat: time.Now().Unix(),
		ServerID:      d.serverID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := d.client.Set(ctx, userKey(roomID, userID), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("presence: set %s/%s: %w", roomID, userID, err)
	}
	return d.PublishPresence(ctx, Event{Type: EventJoined, Entry: entry})
}

// UpdateHeartbeat 생존 신고 (TTL 연장)
func (d *Directory) UpdateHeartbeat(ctx context.Context, roomID, userID string) error {
	ok, err := d.client.Expire(ctx, userKey(roomID, userID), d.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotOnline, roomID, userID)
	}
	return nil
}

// RemovePresence 접속 해제 (Disconnect)
func (d *Directory) RemovePresence(ctx context.Context, roomID, userID string) error {
	if err := d.client.Del(ctx, userKey(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("presence: remove %s/%s: %w", roomID, userID, err)
	}
	return d.PublishPresence(ctx, Event{
		Type:  EventLeft,
		Entry: Entry{RoomID: roomID, UserID: userID, ServerID: d.serverID},
	})
}

// GetPresence returns nil, nil when the user is offline.
func (d *Directory) GetPresence(ctx context.Context, roomID, userID string) (*Entry, error) {
	val, err := d.client.Get(ctx, userKey(roomID, userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetMultiPresence 여러 유저 상태 조회. Offline users are absent from the map.
func (d *Directory) GetMultiPresence(ctx context.Context, roomID string, userIDs []string) (map[string]*Entry, error) {
	if len(userIDs) == 0 {
		return map[string]*Entry{}, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = userKey(roomID, id)
	}
	return d.mget(ctx, keys)
}

// ListRoom returns every online entry in a room, sorted by user id.
func (d *Directory) ListRoom(ctx context.Context, roomID string) ([]*Entry, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, roomPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan room %s: %w", roomID, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	byKey, err := d.mget(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// mget MGET으로 한 번에 조회. Result keys are user ids.
func (d *Directory) mget(ctx context.Context, keys []string) (map[string]*Entry, error) {
	results, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*Entry)
	for i, result := range results {
		if result == nil {
			continue // 만료됨
		}
		strVal, ok := result.(string)
		if !ok {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(strVal), &entry); err == nil {
			entries[userIDFromKey(keys[i])] = &entry
		}
	}
	return entries, nil
}

func userIDFromKey(key string) string {
	if i := strings.LastIndex(key, ":user:"); i >= 0 {
		key = key[i+len(":user:"):]
	}
	if id, err := url.PathUnescape(key); err == nil {
		return id
	}
	return key
}

// PublishPresence 상태 변경 이벤트 발행
func (d *Directory) PublishPresence(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.client.Publish(ctx, UpdatesChannel, data).Err()
}

// SubscribePresence 상태 변경 이벤트 구독. Callers must Close the PubSub.
func (d *Directory) SubscribePresence(ctx context.Context) *redis.PubSub {
	return d.client.Subscribe(ctx, UpdatesChannel)
}

// DecodeEvent parses a message received from SubscribePresence.
func DecodeEvent(msg *redis.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return Event{}, fmt.Errorf("presence: decode event: %w", err)
	}
	return ev, nil
}

// Health Redis 연결 확인
func (d *Directory) Health(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *Directory) Close() error {
	return d.client.Close()
}
