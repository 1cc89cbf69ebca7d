package typing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RoomPrefix is the Redis key prefix for per-room typing hashes.
	RoomPrefix = "room:typing:"

	// IndexKey is the set of room ids that have typing state.
	IndexKey = "room:typing:index"
)

// ErrUnavailable wraps room store failures. The ingress redelivers events
// that fail with it.
var ErrUnavailable = errors.New("typing: room store unavailable")

// Entry is one participant's typing indicator.
type Entry struct {
	IsTyping bool
	Since    time.Time

	raw string // stored value, used for compare-and-clear
}

// State maps user id to typing entry for one room.
type State map[string]Entry

// encode renders an entry as "<0|1>:<unix millis>".
func encode(isTyping bool, since time.Time) string {
	flag := "0"
	if isTyping {
		flag = "1"
	}
	return flag + ":" + strconv.FormatInt(since.UnixMilli(), 10)
}

func decode(raw string) (Entry, error) {
	flag, ms, ok := strings.Cut(raw, ":")
	if !ok || (flag != "0" && flag != "1") {
		return Entry{}, fmt.Errorf("typing: malformed entry %q", raw)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("typing: malformed timestamp %q", raw)
	}
	return Entry{IsTyping: flag == "1", Since: time.UnixMilli(n), raw: raw}, nil
}

// Store keeps typing state in Redis:
//
//	Key:   room:typing:<room_id>   (hash)
//	Field: <user_id>
//	Value: "<0|1>:<unix millis>"
//
// Rooms are indexed in room:typing:index so a periodic sweep can find them.
type Store struct {
	rdb          *redis.Client
	clearScript  *redis.Script
	forgetScript *redis.Script
}

// NewStore creates a typing store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:          rdb,
		clearScript:  redis.NewScript(clearStaleLua),
		forgetScript: redis.NewScript(forgetRoomLua),
	}
}

// SetTyping records a participant's typing indicator.
func (s *Store) SetTyping(ctx context.Context, roomID, userID string, isTyping bool, at time.Time) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, RoomPrefix+roomID, userID, encode(isTyping, at))
	pipe.SAdd(ctx, IndexKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typing: set %s/%s: %w: %w", roomID, userID, ErrUnavailable, err)
	}
	return nil
}

// Load reads the typing state of a room. Malformed entries are skipped and
// counted in the returned int.
func (s *Store) Load(ctx context.Context, roomID string) (State, int, error) {
	result, err := s.rdb.HGetAll(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("typing: load %s: %w: %w", roomID, ErrUnavailable, err)
	}
	state := make(State, len(result))
	bad := 0
	for userID, raw := range result {
		e, err := decode(raw)
		if err != nil {
			bad++
			continue
		}
		state[userID] = e
	}
	return state, bad, nil
}

// Clear marks the given entries as not typing in one atomic update. An entry
// whose stored value changed since it was loaded is left alone. Returns the
// number of entries cleared.
func (s *Store) Clear(ctx context.Context, roomID string, stale State) (int, error) {
	if len(stale) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(stale)*3)
	for userID, e := range stale {
		raw := e.raw
		if raw == "" {
			raw = encode(e.IsTyping, e.Since)
		}
		args = append(args, userID, raw, encode(false, e.Since))
	}
	n, err := s.clearScript.Run(ctx, s.rdb, []string{RoomPrefix + roomID}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("typing: clear %s: %w: %w", roomID, ErrUnavailable, err)
	}
	return n, nil
}

// Rooms lists every room with recorded typing state.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := s.rdb.SMembers(ctx, IndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("typing: list rooms: %w: %w", ErrUnavailable, err)
	}
	return rooms, nil
}

// Forget drops a room from the index if its hash no longer exists.
func (s *Store) Forget(ctx context.Context, roomID string) error {
	if err := s.forgetScript.Run(ctx, s.rdb, []string{RoomPrefix + roomID, IndexKey}, roomID).Err(); err != nil {
		return fmt.Errorf("typing: forget %s: %w: %w", roomID, ErrUnavailable, err)
	}
	return nil
}

const forgetRoomLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`

// clearStaleLua takes (field, expected, replacement) triples and replaces
// each field only if it still holds expected.
const clearStaleLua = `
local cleared = 0
for i = 1, #ARGV, 3 do
    if redis.call('HGET', KEYS[1], ARGV[i]) == ARGV[i + 1] then
        redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 2])
        cleared = cleared + 1
    end
end
return cleared
`
