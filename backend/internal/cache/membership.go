package cache

import (
	"context"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/karn-cyber/notion/backend/internal/access"
)

// MembershipCache 成员记录的读穿透缓存。只缓存 Lookup（加入房间的热路径），
// 写操作先写底层存储再删缓存，回填按代数校验
type MembershipCache struct {
	rdb    redis.UniversalClient
	next   access.MembershipStore
	sf     singleflight.Group
	logger *slog.Logger
}

// 确保 MembershipCache 实现了 access.MembershipStore 接口
var _ access.MembershipStore = (*MembershipCache)(nil)

func NewMembershipCache(rdb redis.UniversalClient, next access.MembershipStore, logger *slog.Logger) *MembershipCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MembershipCache{rdb: rdb, next: next, logger: logger.With("component", "cache.membership")}
}

func (c *MembershipCache) Lookup(ctx context.Context, roomID, member string) (access.Role, bool, error) {
	return c.getWithProtection(ctx, memberKey(roomID, member), memberGenKey(roomID, member), func() (access.Role, bool, error) {
		return c.next.Lookup(ctx, roomID, member)
	})
}

func (c *MembershipCache) Upsert(ctx context.Context, m access.Membership) error {
	if err := c.next.Upsert(ctx, m); err != nil {
		return err
	}
	c.invalidate(ctx, m.RoomID, m.MemberKey)
	return nil
}

func (c *MembershipCache) Delete(ctx context.Context, roomID, member string) error {
	if err := c.next.Delete(ctx, roomID, member); err != nil {
		return err
	}
	c.invalidate(ctx, roomID, member)
	return nil
}

func (c *MembershipCache) ListByMember(ctx context.Context, member string) ([]access.Membership, error) {
	return c.next.ListByMember(ctx, member)
}

func (c *MembershipCache) HasOwner(ctx context.Context, roomID string) (bool, error) {
	return c.next.HasOwner(ctx, roomID)
}

// invalidate 代数 +1 再删缓存，正在回源的查询不会把旧值写回去。删除失败只能等 TTL，记日志
func (c *MembershipCache) invalidate(ctx context.Context, roomID, member string) {
	key, genKey := memberKey(roomID, member), memberGenKey(roomID, member)
	c.sf.Forget(key)
	if err := invalidateScript.Run(ctx, c.rdb, []string{key, genKey}, genTTL.Milliseconds()).Err(); err != nil {
		c.logger.Warn("membership cache invalidate failed", "key", key, "err", err)
	}
}
