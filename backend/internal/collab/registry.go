package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

var (
	ErrRegistryClosed = errors.New("collab: registry closed")
	ErrNoRoom         = errors.New("collab: room not active")
)

// PersistRecord 持久化到文档存储的一条记录，roomId 即文档 id
type PersistRecord struct {
	RoomID    string          `json:"roomId"`
	Content   string          `json:"content"`
	Blocks    json.RawMessage `json:"blocks,omitempty"`
	Version   uint64          `json:"version"`
	Instance  string          `json:"instance,omitempty"` // 产生该版本的实例
	Timestamp time.Time       `json:"timestamp"`
}

// Loader 房间第一次加入时加载内容。found=false 表示新文档
type Loader interface {
	LoadDocument(ctx context.Context, roomID string) (rec PersistRecord, found bool, err error)
}

// Persister 提交之后的持久化调度。Forget 在房间回收刷盘之后调用，释放该房间的调度状态
type Persister interface {
	SchedulePersist(roomID string, s Storage, version uint64)
	Flush(ctx context.Context, roomID string) error
	Forget(roomID string)
}

// PresenceMirror presence 的跨实例镜像（Redis），只用于只读查询
type PresenceMirror interface {
	Put(ctx context.Context, roomID string, e presence.Entry) error
	Remove(ctx context.Context, roomID, sessionID string) error
	Clear(ctx context.Context, roomID string) error
}

// EventSink 房间事件出口（Kafka），不允许阻塞
type EventSink interface {
	Offer(evt RoomEvent) bool
}

type Options struct {
	// InstanceID 区分不同进程，跨实例广播时过滤自己发出的消息
	InstanceID string
	Clock      clockwork.Clock
	Logger     *slog.Logger

	Loader    Loader
	Persister Persister
	Mirror    PresenceMirror
	Events    EventSink
	Bus       Bus

	PresenceStaleAfter time.Duration
	PresenceThrottle   time.Duration
	TypingQuiet        time.Duration
	TeardownGrace      time.Duration

	PresenceQueue   int
	NoticeQueue     int
	MaxContentBytes int
}

func (o *Options) setDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = "local"
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Loader == nil {
		o.Loader = noopLoader{}
	}
	if o.Persister == nil {
		o.Persister = noopPersister{}
	}
	if o.Mirror == nil {
		o.Mirror = noopMirror{}
	}
	if o.Events == nil {
		o.Events = noopEvents{}
	}
	if o.Bus == nil {
		o.Bus = noopBus{}
	}
	if o.PresenceStaleAfter <= 0 {
		o.PresenceStaleAfter = 10 * time.Second
	}
	if o.PresenceThrottle <= 0 {
		o.PresenceThrottle = 50 * time.Millisecond
	}
	if o.TypingQuiet <= 0 {
		o.TypingQuiet = 1500 * time.Millisecond
	}
	if o.TeardownGrace < 0 {
		o.TeardownGrace = 0
	}
	if o.PresenceQueue <= 0 {
		o.PresenceQueue = 64
	}
	if o.NoticeQueue <= 0 {
		o.NoticeQueue = 16
	}
}

// RoomHandle 加入房间的结果
type RoomHandle struct {
	Room     *Room
	Session  *Session
	Snapshot Snapshot
	// Others 其他在线会话的 presence（已过滤过期的）
	Others []presence.Entry
}

// Registry 管理进程内所有活跃房间。房间之间互不加锁
type Registry struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(opts Options) *Registry {
	opts.setDefaults()
	return &Registry{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "collab.registry"),
		rooms:  make(map[string]*Room),
	}
}

// NewMailbox 按配置的队列大小创建会话缓冲
func (g *Registry) NewMailbox() *Mailbox {
	return NewMailbox(g.opts.PresenceQueue, g.opts.NoticeQueue)
}

// JoinRoom 房间不存在时创建并加载；加载失败则加入失败。
// 正在回收的房间要等刷盘结束，之后的新房间才能读到最终内容
func (g *Registry) JoinRoom(ctx context.Context, roomID string, s *Session) (*RoomHandle, error) {
	if roomID == "" {
		return nil, ErrNoRoom
	}
	for attempt := 0; attempt < 3; attempt++ {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		r, ok := g.rooms[roomID]
		if ok {
			if done := r.closing(); done != nil {
				g.mu.Unlock()
				select {
				case <-done:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
		} else {
			r = newRoom(g, roomID)
			g.rooms[roomID] = r
		}
		r.cancelTeardown()
		g.mu.Unlock()

		if err := r.ensureLoaded(ctx); err != nil {
			if errors.Is(err, ErrRoomClosed) {
				continue
			}
			g.discard(r)
			return nil, err
		}
		h, err := r.admit(s)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		return h, err
	}
	return nil, ErrRoomClosed
}

// discard 加载失败的空房间直接移除。不碰 loadMu，另一个加入者可能正持有它在加载
func (g *Registry) discard(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.mu.Lock()
	if len(r.sessions) > 0 || r.closed || r.loaded.Load() {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
	r.markReleased()
}

// LeaveRoom 移除会话；房间空了以后经过宽限期回收
func (g *Registry) LeaveRoom(roomID, sessionID string) {
	g.mu.Lock()
	r := g.rooms[roomID]
	g.mu.Unlock()
	if r == nil {
		return
	}
	if _, empty := r.remove(sessionID); empty {
		g.scheduleTeardown(r)
	}
}

// EvictMember 断开成员在本实例上角色已经不是 role 的会话，撤销时传 RoleNone。
// 先推送提示再移除，邮箱关闭后连接的写循环会发完提示并关闭连接
func (g *Registry) EvictMember(roomID, memberKey string, role access.Role) int {
	if memberKey == "" {
		return 0
	}
	g.mu.Lock()
	r := g.rooms[roomID]
	g.mu.Unlock()
	if r == nil {
		return 0
	}

	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.info.Role != role && s.owns(memberKey) {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	code := "role_changed"
	if role == access.RoleNone {
		code = "revoked"
	}
	n := 0
	for _, s := range victims {
		s.mailbox.PushNotice(Notice{Code: code, Message: "membership changed, reconnect to continue"})
		removed, empty := r.remove(s.ID())
		if removed == nil {
			continue
		}
		n++
		if empty {
			g.scheduleTeardown(r)
		}
	}
	if n > 0 {
		r.logger.Info("member sessions evicted", "member", memberKey, "role", role, "sessions", n)
	}
	return n
}

// Leave 会话主动离开
func (s *Session) Leave() {
	if r := s.Room(); r != nil {
		r.reg.LeaveRoom(r.id, s.ID())
	}
}

// closing 房间已关闭时返回回收完成的信号
func (r *Room) closing() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.released
	}
	return nil
}

func (r *Room) markReleased() {
	r.releaseOnce.Do(func() { close(r.released) })
}

func (r *Room) cancelTeardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownGen++
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
}

func (g *Registry) scheduleTeardown(r *Room) {
	r.mu.Lock()
	if len(r.sessions) > 0 || r.closed {
		r.mu.Unlock()
		return
	}
	r.teardownGen++
	gen := r.teardownGen
	if g.opts.TeardownGrace <= 0 {
		r.mu.Unlock()
		g.teardown(r, gen)
		return
	}
	r.teardownTimer = g.clock.AfterFunc(g.opts.TeardownGrace, func() { g.teardown(r, gen) })
	r.mu.Unlock()
}

// teardown gen 不一致说明宽限期内有人重新加入过。
// 刷盘完成前房间留在表里（已关闭），新的加入者会等它
func (g *Registry) teardown(r *Room, gen uint64) {
	r.mu.Lock()
	if gen != r.teardownGen || len(r.sessions) > 0 || r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.teardownTimer = nil
	r.closeStreamsLocked()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g.release(ctx, r)

	g.mu.Lock()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
	g.mu.Unlock()
	r.markReleased()
}

// release 等正在进行的提交结束后，刷盘、清理镜像、退订广播
func (g *Registry) release(ctx context.Context, r *Room) {
	if err := r.writeSem.Acquire(ctx); err == nil {
		_ = r.writeSem.Release()
	}
	if err := g.opts.Persister.Flush(ctx, r.id); err != nil {
		r.logger.Error("flush on teardown failed", "err", err)
	}
	g.opts.Persister.Forget(r.id)
	if err := g.opts.Mirror.Clear(ctx, r.id); err != nil {
		r.logger.Warn("clear presence mirror failed", "err", err)
	}
	r.mu.Lock()
	unsub := r.unsubBus
	r.unsubBus = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.logger.Info("room torn down")
}

// Observe 存储快照流；房间回收时关闭
func (g *Registry) Observe(roomID string) (<-chan Snapshot, func(), error) {
	r := g.Room(roomID)
	if r == nil {
		return nil, nil, ErrNoRoom
	}
	ch, cancel := r.observe()
	return ch, cancel, nil
}

// Subscribe presence 事件流；房间回收时关闭
func (g *Registry) Subscribe(roomID string) (<-chan PresenceEvent, func(), error) {
	r := g.Room(roomID)
	if r == nil {
		return nil, nil, ErrNoRoom
	}
	ch, cancel := r.subscribe()
	return ch, cancel, nil
}

func (g *Registry) Room(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[roomID]
}

// Rooms 活跃房间 id
func (g *Registry) Rooms() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close 回收所有房间。仍在房间里的会话的 mailbox 会被关闭
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.closed = true
		r.teardownGen++
		if r.teardownTimer != nil {
			r.teardownTimer.Stop()
			r.teardownTimer = nil
		}
		sessions := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			sessions = append(sessions, s)
		}
		r.sessions = make(map[string]*Session)
		r.closeStreamsLocked()
		r.mu.Unlock()
		for _, s := range sessions {
			s.detach()
		}
		g.release(ctx, r)
		r.markReleased()
	}
	return ctx.Err()
}

func (g *Registry) mirrorPut(roomID string, e presence.Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.opts.Mirror.Put(ctx, roomID, e); err != nil {
			g.logger.Debug("presence mirror put failed", "room", roomID, "err", err)
		}
	}()
}

func (g *Registry) mirrorRemove(roomID, sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.opts.Mirror.Remove(ctx, roomID, sessionID); err != nil {
			g.logger.Debug("presence mirror remove failed", "room", roomID, "err", err)
		}
	}()
}

type noopLoader struct{}

func (noopLoader) LoadDocument(context.Context, string) (PersistRecord, bool, error) {
	return PersistRecord{}, false, nil
}

type noopPersister struct{}

func (noopPersister) SchedulePersist(string, Storage, uint64) {}
func (noopPersister) Flush(context.Context, string) error     { return nil }
func (noopPersister) Forget(string)                           {}

type noopMirror struct{}

func (noopMirror) Put(context.Context, string, presence.Entry) error { return nil }
func (noopMirror) Remove(context.Context, string, string) error      { return nil }
func (noopMirror) Clear(context.Context, string) error               { return nil }

type noopEvents struct{}

func (noopEvents) Offer(RoomEvent) bool { return true }
