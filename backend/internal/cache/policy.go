package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/karn-cyber/notion/backend/internal/access"
)

const (
	BaseTTL          = 24 * time.Hour   // 基础过期时间
	Jitter           = 60 * time.Minute // 随机抖动范围
	NullTTL          = 5 * time.Minute  // 空值缓存过期时间
	EmptyCacheMarker = "-1"             // 空值标记
)

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// readCache hit=false 表示需要回源；空值标记返回 hit=true, found=false
func (c *MembershipCache) readCache(ctx context.Context, key string) (role access.Role, found, hit bool, err error) {
	res, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return access.RoleNone, false, false, nil
		}
		return access.RoleNone, false, false, err
	}
	if res == EmptyCacheMarker {
		return access.RoleNone, false, true, nil
	}
	role, err = access.ParseRole(res)
	if err != nil {
		// 缓存里的脏数据当作未命中
		return access.RoleNone, false, false, nil
	}
	return role, true, true, nil
}

// fillScript 回源期间没有写入（代数没变）才回填，否则丢弃这次结果
// KEYS[1] 缓存键 KEYS[2] 代数键；ARGV[1] 回源前读到的代数 ARGV[2] 值 ARGV[3] 过期毫秒
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// invalidateScript 代数 +1 并删除缓存，两步原子完成
// KEYS[1] 缓存键 KEYS[2] 代数键；ARGV[1] 代数键过期毫秒
var invalidateScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// genTTL 代数键要比任何一条缓存活得久
const genTTL = BaseTTL + 2*Jitter

func (c *MembershipCache) readGen(ctx context.Context, genKey string) (string, error) {
	gen, err := c.rdb.Get(ctx, genKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

// fillCache 返回 false 表示回源期间成员记录被改过，没有回填
func (c *MembershipCache) fillCache(ctx context.Context, key, genKey, gen, value string, ttl time.Duration) (bool, error) {
	n, err := fillScript.Run(ctx, c.rdb, []string{key, genKey}, gen, value, ttl.Milliseconds()).Int()
	return n == 1, err
}

type lookupResult struct {
	role  access.Role
	found bool
}

// 组合策略 (Singleflight + 代数校验回填)
func (c *MembershipCache) getWithProtection(
	ctx context.Context,
	key, genKey string,
	fetchDB func() (access.Role, bool, error),
) (access.Role, bool, error) {
	val, err, _ := c.sf.Do(key, func() (interface{}, error) {
		role, found, hit, err := c.readCache(ctx, key)
		if err != nil {
			// Redis 不可用时直接回源，不能因为缓存挂了就拒绝所有人
			c.logger.Warn("membership cache read failed", "key", key, "err", err)
		}
		if hit {
			return lookupResult{role, found}, nil
		}

		// 必须在回源之前读代数
		gen, genErr := c.readGen(ctx, genKey)
		role, found, err = fetchDB()
		if err != nil {
			return nil, err
		}
		res := lookupResult{role, found}
		if genErr != nil {
			c.logger.Warn("membership cache gen read failed, skip fill", "key", key, "err", genErr)
			return res, nil
		}

		// 填入真实值或者空值缓存，防止缓存穿透
		value, ttl := string(role), getRandomTTL()
		if !found {
			value, ttl = EmptyCacheMarker, NullTTL
		}
		filled, err := c.fillCache(ctx, key, genKey, gen, value, ttl)
		switch {
		case err != nil:
			c.logger.Warn("membership cache write failed", "key", key, "err", err)
		case !filled:
			c.logger.Debug("membership changed during lookup, fill skipped", "key", key)
		}
		return res, nil
	})
	if err != nil {
		return access.RoleNone, false, err
	}
	// 使用断言确保不会panic
	if v, ok := val.(lookupResult); ok {
		return v.role, v.found, nil
	}
	return access.RoleNone, false, errors.New("internal type error")
}
