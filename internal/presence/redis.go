package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"parley/internal/models"
)

const onlineSetKey = "online_users"

// removeIfStale deletes the record and set membership only while the stored
// heartbeat is still at or before the cutoff.
//
// KEYS[1] connection key, KEYS[2] heartbeat key, KEYS[3] online set,
// KEYS[4] status key
// ARGV[1] cutoff in unix ms, ARGV[2] user id
var removeIfStale = redis.NewScript(`
local hb = redis.call('GET', KEYS[2])
if hb and tonumber(hb) > tonumber(ARGV[1]) then
	return 0
end
local removed = redis.call('DEL', KEYS[1], KEYS[2], KEYS[4]) + redis.call('SREM', KEYS[3], ARGV[2])
if removed > 0 then
	return 1
end
return 0
`)

// RedisStore layout: <prefix>presence:<uid>:socket, <prefix>presence:<uid>:heartbeat,
// <prefix>presence:<uid>:status, the <prefix>online_users set and one
// <prefix>room:<id>:users set per room.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisStore) connectionKey(userID string) string {
	return s.prefix + "presence:" + userID + ":socket"
}

func (s *RedisStore) heartbeatKey(userID string) string {
	return s.prefix + "presence:" + userID + ":heartbeat"
}

func (s *RedisStore) statusKey(userID string) string {
	return s.prefix + "presence:" + userID + ":status"
}

func (s *RedisStore) roomKey(roomID string) string {
	return s.prefix + "room:" + roomID + ":users"
}

func (s *RedisStore) onlineKey() string {
	return s.prefix + onlineSetKey
}

func (s *RedisStore) Upsert(ctx context.Context, rec models.PresenceRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.connectionKey(rec.UserID), rec.ConnectionID, 0)
		pipe.Set(ctx, s.heartbeatKey(rec.UserID), rec.LastHeartbeatAt.UnixMilli(), 0)
		pipe.Set(ctx, s.statusKey(rec.UserID), string(rec.Status), 0)
		pipe.SAdd(ctx, s.onlineKey(), rec.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert presence of %s: %w", rec.UserID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID string) (bool, error) {
	var del, srem *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.connectionKey(userID), s.heartbeatKey(userID), s.statusKey(userID))
		srem = pipe.SRem(ctx, s.onlineKey(), userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove presence of %s: %w", userID, err)
	}
	return del.Val()+srem.Val() > 0, nil
}

func (s *RedisStore) RemoveIfStale(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	keys := []string{s.connectionKey(userID), s.heartbeatKey(userID), s.onlineKey(), s.statusKey(userID)}
	n, err := removeIfStale.Run(ctx, s.rdb, keys, cutoff.UnixMilli(), userID).Int()
	if err != nil {
		return false, fmt.Errorf("sweep presence of %s: %w", userID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Touch(ctx context.Context, userID string, at time.Time) (bool, error) {
	ok, err := s.rdb.SetXX(ctx, s.heartbeatKey(userID), at.UnixMilli(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("heartbeat of %s: %w", userID, err)
	}
	return ok, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, userID string, status models.UserStatus) (bool, error) {
	ok, err := s.rdb.SetXX(ctx, s.statusKey(userID), string(status), 0).Result()
	if err != nil {
		return false, fmt.Errorf("set status of %s: %w", userID, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (models.PresenceRecord, bool, error) {
	vals, err := s.rdb.MGet(ctx, s.connectionKey(userID), s.heartbeatKey(userID), s.statusKey(userID)).Result()
	if err != nil {
		return models.PresenceRecord{}, false, fmt.Errorf("get presence of %s: %w", userID, err)
	}
	if vals[0] == nil && vals[1] == nil {
		return models.PresenceRecord{}, false, nil
	}
	return record(userID, vals[0], vals[1], vals[2]), true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.PresenceRecord, error) {
	members, err := s.rdb.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members)*3)
	for _, uid := range members {
		keys = append(keys, s.connectionKey(uid), s.heartbeatKey(uid), s.statusKey(uid))
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load presence records: %w", err)
	}

	out := make([]models.PresenceRecord, 0, len(members))
	for i, uid := range members {
		out = append(out, record(uid, vals[3*i], vals[3*i+1], vals[3*i+2]))
	}
	return out, nil
}

func record(userID string, conn, heartbeat, status any) models.PresenceRecord {
	rec := models.PresenceRecord{UserID: userID}
	if s, ok := conn.(string); ok {
		rec.ConnectionID = s
	}
	if s, ok := status.(string); ok {
		rec.Status = models.UserStatus(s)
	}
	if s, ok := heartbeat.(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			rec.LastHeartbeatAt = time.UnixMilli(ms)
		}
	}
	return rec
}

func (s *RedisStore) AddRoomMember(ctx context.Context, roomID, userID string) error {
	if err := s.rdb.SAdd(ctx, s.roomKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("add %s to room %s: %w", userID, roomID, err)
	}
	return nil
}

func (s *RedisStore) RemoveRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	n, err := s.rdb.SRem(ctx, s.roomKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s from room %s: %w", userID, roomID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of room %s: %w", roomID, err)
	}
	slices.Sort(members)
	return members, nil
}
