package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/karn-cyber/notion/backend/internal/collab"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

// 过期会话的清理：ZSet 里 score <= now 的成员连同 Hash 里的 presence 一起删掉
var purgeExpired = redis.NewScript(`
-- KEYS[1] = roomKey(roomID)     e.g. presence:room:{room:doc}
-- KEYS[2] = entriesKey(roomID)  e.g. presence:room:entries:{room:doc}
-- ARGV[1] = now (unix millis)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisPresence 房间 presence 在 Redis 里的镜像，给跨实例的只读查询用。
// 实时广播仍然走房间内存，这里只保证最终一致
type RedisPresence struct {
	rdb   redis.UniversalClient
	clock clockwork.Clock
	// ttl 心跳多久没刷新算离线，和 collab.presenceStaleAfter 一致
	ttl time.Duration
}

var _ collab.PresenceMirror = (*RedisPresence)(nil)

func NewRedisPresence(rdb redis.UniversalClient, clock clockwork.Clock, ttl time.Duration) *RedisPresence {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisPresence{rdb: rdb, clock: clock, ttl: ttl}
}

// keyTTL 整个房间的键兜底过期，实例崩溃时不会永久残留
func (p *RedisPresence) keyTTL() time.Duration { return 6 * p.ttl }

// Put 写入或刷新一个会话的 presence，score 是过期时间
func (p *RedisPresence) Put(ctx context.Context, roomID string, e presence.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	expireAt := p.clock.Now().Add(p.ttl).UnixMilli()

	pipe := p.rdb.TxPipeline()
	pipe.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: e.SessionID})
	pipe.HSet(ctx, entriesKey(roomID), e.SessionID, data)
	pipe.PExpire(ctx, roomKey(roomID), p.keyTTL())
	pipe.PExpire(ctx, entriesKey(roomID), p.keyTTL())
	pipe.SAdd(ctx, roomsKey(), roomID)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, roomID, sessionID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.ZRem(ctx, roomKey(roomID), sessionID)
	pipe.HDel(ctx, entriesKey(roomID), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Clear 房间回收时删除整个房间的镜像
func (p *RedisPresence) Clear(ctx context.Context, roomID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, roomKey(roomID), entriesKey(roomID))
	pipe.SRem(ctx, roomsKey(), roomID)
	_, err := pipe.Exec(ctx)
	return err
}

// List 先清理过期会话，再返回还活着的 presence（按 sessionId 排序）
func (p *RedisPresence) List(ctx context.Context, roomID string) ([]presence.Entry, error) {
	now := p.clock.Now().UnixMilli()
	keys := []string{roomKey(roomID), entriesKey(roomID)}
	if err := purgeExpired.Run(ctx, p.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("purge presence: %w", err)
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return []presence.Entry{}, nil
	}

	vals, err := p.rdb.HMGet(ctx, entriesKey(roomID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]presence.Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e presence.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode presence %s: %w", alive[i], err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Rooms 当前有 presence 镜像的房间
func (p *RedisPresence) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)
	return rooms, nil
}
