package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrNoIdentity     = errors.New("access: no identity")
	ErrNotOwner       = errors.New("access: only the room owner can manage members")
	ErrInvalidRole    = errors.New("access: role must be editor or viewer")
	ErrInvalidMember  = errors.New("access: empty member key")
	ErrOwnerImmutable = errors.New("access: owner membership cannot be changed")
	ErrAlreadyOwned   = errors.New("access: room already has an owner")
)

// Decision 鉴权结果。Status 对应加入房间时返回的 HTTP 状态码
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Role       Role       `json:"role,omitempty"`
	Capability Capability `json:"capability,omitempty"`
	Status     int        `json:"-"`
	Reason     string     `json:"reason,omitempty"`
	// Key 命中的规范 key
	Key string `json:"-"`
}

type Options struct {
	// LookupTimeout 单次鉴权查成员表的总超时
	LookupTimeout time.Duration
	// DevAllowUnlisted 没有成员记录的身份按 editor 放行，每次放行都会打审计日志
	DevAllowUnlisted bool
	Logger           *slog.Logger
	Clock            clockwork.Clock
}

type GateStats struct {
	Allowed            int64
	Denied             int64
	LookupFailures     int64
	IdentityMismatches int64
	DevGrants          int64
}

// Gate 房间鉴权。只读决策，除日志和计数外没有副作用；
// 成员管理（Grant/Revoke/ClaimOwnership）也放在这里，以复用同一套身份规范化规则
type Gate struct {
	store  MembershipStore
	opts   Options
	logger *slog.Logger

	claimMu sync.Mutex

	allowed    atomic.Int64
	denied     atomic.Int64
	failures   atomic.Int64
	mismatches atomic.Int64
	devGrants  atomic.Int64
}

func NewGate(store MembershipStore, opts Options) *Gate {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Gate{store: store, opts: opts, logger: opts.Logger.With("component", "access.gate")}
}

// Authorize 判断 id 能否加入 roomID 以及以什么角色加入
func (g *Gate) Authorize(ctx context.Context, id Identity, roomID string) Decision {
	if id.Empty() {
		g.denied.Add(1)
		return Decision{Status: http.StatusUnauthorized, Reason: "no identity"}
	}
	if roomID == "" {
		g.denied.Add(1)
		return Decision{Status: http.StatusForbidden, Reason: "no membership"}
	}

	role, key, err := g.resolve(ctx, id, roomID)
	if err != nil {
		// 查不到就拒绝，不做降级放行
		g.failures.Add(1)
		g.logger.Error("membership lookup failed", "room", roomID, "identity", id.PrimaryKey(), "err", err)
		return Decision{Status: http.StatusInternalServerError, Reason: "lookup failure"}
	}

	if role == RoleNone {
		if g.opts.DevAllowUnlisted {
			g.devGrants.Add(1)
			g.allowed.Add(1)
			g.logger.Warn("dev bypass granted editor to unlisted identity",
				"audit", true, "room", roomID, "identity", id.PrimaryKey())
			return Decision{
				Allowed:    true,
				Role:       RoleEditor,
				Capability: RoleEditor.Capability(),
				Status:     http.StatusOK,
				Reason:     "dev bypass",
				Key:        id.PrimaryKey(),
			}
		}
		g.denied.Add(1)
		return Decision{Status: http.StatusForbidden, Reason: "no membership"}
	}

	g.allowed.Add(1)
	return Decision{
		Allowed:    true,
		Role:       role,
		Capability: role.Capability(),
		Status:     http.StatusOK,
		Key:        key,
	}
}

// resolve 分别用每个规范 key 查询，不跨 key 空间比较。
// 两个 key 得到不同角色时记录告警，以邮箱 key 为准
func (g *Gate) resolve(ctx context.Context, id Identity, roomID string) (Role, string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.LookupTimeout)
	defer cancel()

	type hit struct {
		key  string
		role Role
	}
	var hits []hit
	for _, key := range id.Keys() {
		role, found, err := g.lookup(ctx, roomID, key)
		if err != nil {
			return RoleNone, "", fmt.Errorf("lookup %s: %w", key, err)
		}
		if found {
			hits = append(hits, hit{key, role})
		}
	}
	if len(hits) == 0 {
		return RoleNone, "", nil
	}
	if len(hits) > 1 && hits[0].role != hits[1].role {
		g.mismatches.Add(1)
		g.logger.Warn("identity keys resolve to different roles",
			"room", roomID,
			"primaryKey", hits[0].key, "primaryRole", hits[0].role,
			"secondaryKey", hits[1].key, "secondaryRole", hits[1].role)
	}
	return hits[0].role, hits[0].key, nil
}

// lookup 不依赖存储实现是否遵守 ctx，超时一到直接返回
func (g *Gate) lookup(ctx context.Context, roomID, key string) (Role, bool, error) {
	type result struct {
		role  Role
		found bool
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		role, found, err := g.store.Lookup(ctx, roomID, key)
		ch <- result{role, found, err}
	}()
	select {
	case r := <-ch:
		return r.role, r.found, r.err
	case <-ctx.Done():
		return RoleNone, false, ctx.Err()
	}
}

// Grant 房主给 invitee 授予 editor / viewer
func (g *Gate) Grant(ctx context.Context, granter Identity, roomID, invitee string, role Role) (Membership, error) {
	if role != RoleEditor && role != RoleViewer {
		return Membership{}, ErrInvalidRole
	}
	key, err := g.checkManage(ctx, granter, roomID, invitee)
	if err != nil {
		return Membership{}, err
	}
	m := Membership{
		RoomID:    roomID,
		MemberKey: key,
		Role:      role,
		GrantedBy: granter.PrimaryKey(),
		GrantedAt: g.opts.Clock.Now().UTC(),
	}
	if err := g.store.Upsert(ctx, m); err != nil {
		return Membership{}, fmt.Errorf("upsert membership: %w", err)
	}
	g.logger.Info("membership granted", "room", roomID, "member", key, "role", role, "by", m.GrantedBy)
	return m, nil
}

// Revoke 房主移除成员，房主本身不能被移除
func (g *Gate) Revoke(ctx context.Context, granter Identity, roomID, member string) error {
	key, err := g.checkManage(ctx, granter, roomID, member)
	if err != nil {
		return err
	}
	if err := g.store.Delete(ctx, roomID, key); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	g.logger.Info("membership revoked", "room", roomID, "member", key, "by", granter.PrimaryKey())
	return nil
}

func (g *Gate) checkManage(ctx context.Context, granter Identity, roomID, member string) (string, error) {
	if granter.Empty() {
		return "", ErrNoIdentity
	}
	key := NormalizeKey(member)
	if key == "" {
		return "", ErrInvalidMember
	}
	role, _, err := g.resolve(ctx, granter, roomID)
	if err != nil {
		return "", err
	}
	if role != RoleOwner {
		return "", ErrNotOwner
	}
	cur, found, err := g.lookup(ctx, roomID, key)
	if err != nil {
		return "", err
	}
	if found && cur == RoleOwner {
		return "", ErrOwnerImmutable
	}
	return key, nil
}

// ClaimOwnership 新建文档时把创建者登记为房主。
// 已经是房主时返回 false；房间已有其他房主时返回 ErrAlreadyOwned
func (g *Gate) ClaimOwnership(ctx context.Context, id Identity, roomID string) (bool, error) {
	if id.Empty() {
		return false, ErrNoIdentity
	}
	g.claimMu.Lock()
	defer g.claimMu.Unlock()

	owned, err := g.store.HasOwner(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	if owned {
		role, _, err := g.resolve(ctx, id, roomID)
		if err != nil {
			return false, err
		}
		if role == RoleOwner {
			return false, nil
		}
		return false, ErrAlreadyOwned
	}
	m := Membership{
		RoomID:    roomID,
		MemberKey: id.PrimaryKey(),
		Role:      RoleOwner,
		GrantedBy: id.PrimaryKey(),
		GrantedAt: g.opts.Clock.Now().UTC(),
	}
	if err := g.store.Upsert(ctx, m); err != nil {
		return false, fmt.Errorf("upsert owner: %w", err)
	}
	g.logger.Info("room ownership claimed", "room", roomID, "owner", m.MemberKey)
	return true, nil
}

// RoomsFor 列出身份可访问的房间。两个 key 都有记录时以邮箱 key 为准
func (g *Gate) RoomsFor(ctx context.Context, id Identity) ([]Membership, error) {
	if id.Empty() {
		return nil, ErrNoIdentity
	}
	byRoom := make(map[string]Membership)
	for _, key := range id.Keys() {
		list, err := g.store.ListByMember(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", key, err)
		}
		for _, m := range list {
			if _, seen := byRoom[m.RoomID]; seen {
				continue
			}
			byRoom[m.RoomID] = m
		}
	}
	out := make([]Membership, 0, len(byRoom))
	for _, m := range byRoom {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (g *Gate) Stats() GateStats {
	return GateStats{
		Allowed:            g.allowed.Load(),
		Denied:             g.denied.Load(),
		LookupFailures:     g.failures.Load(),
		IdentityMismatches: g.mismatches.Load(),
		DevGrants:          g.devGrants.Load(),
	}
}
