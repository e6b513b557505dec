package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/karn-cyber/notion/backend/internal/presence"
)

// RoomStats 房间级计数
type RoomStats struct {
	Commits   int64
	Conflicts int64 // 基于旧版本提交（按后写者覆盖处理）
	Rejected  int64
	Adopted   int64 // 采纳其他实例的提交
	Resent    int64 // 收到比本地旧的广播后重新发布本地状态
	Sessions  int
	Version   uint64
}

// Room 一个文档对应一个房间。存储的修改按提交顺序串行，每次提交版本号 +1。
// 多实例之间按 (version, stamp) 排序，较大的一方胜出
type Room struct {
	id     string
	reg    *Registry
	clock  clockwork.Clock
	logger *slog.Logger

	// writeSem 串行化所有存储修改（容量 1），等待时可以被 ctx 取消
	writeSem *SemaphoreControl

	// loadMu 只串行化加载本身；loaded 在持有 mu 时置位，其他路径直接读
	loadMu sync.Mutex
	loaded atomic.Bool

	// released 回收（刷盘）完成后关闭，等待中的加入者随后换新房间
	released    chan struct{}
	releaseOnce sync.Once

	mu          sync.Mutex
	sessions    map[string]*Session
	storage     Storage
	version     uint64
	stamp       string // 产生当前版本的实例
	origin      string // 产生当前版本的会话
	closed      bool
	observers   map[int]chan Snapshot
	subscribers map[int]chan PresenceEvent
	nextSubID   int
	unsubBus    func()

	teardownGen   uint64
	teardownTimer clockwork.Timer

	commits   atomic.Int64
	conflicts atomic.Int64
	rejected  atomic.Int64
	adopted   atomic.Int64
	resent    atomic.Int64
}

func newRoom(reg *Registry, id string) *Room {
	return &Room{
		id:          id,
		reg:         reg,
		clock:       reg.clock,
		logger:      reg.logger.With("room", id),
		writeSem:    NewSemaphoreControl(1),
		released:    make(chan struct{}),
		sessions:    make(map[string]*Session),
		observers:   make(map[int]chan Snapshot),
		subscribers: make(map[int]chan PresenceEvent),
	}
}

func (r *Room) ID() string { return r.id }

// ensureLoaded 第一次加入时从持久化层加载内容；失败后下一次加入会重试。
// 加载期间房间被回收则返回 ErrRoomClosed，由调用方换新房间
func (r *Room) ensureLoaded(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.loaded.Load() {
		return nil
	}
	rec, found, err := r.reg.opts.Loader.LoadDocument(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load room %s: %w", r.id, err)
	}
	unsub, err := r.reg.opts.Bus.Subscribe(r.id, r.adoptExternal)
	if err != nil {
		return fmt.Errorf("subscribe room %s: %w", r.id, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return ErrRoomClosed
	}
	if found {
		r.storage = Storage{Content: rec.Content, Blocks: rec.Blocks}.Clone()
		// 沿用持久化的版本号，重启后版本仍然单调
		r.version = rec.Version
		r.stamp = rec.Instance
	}
	r.unsubBus = unsub
	beacon := r.snapshotLocked("")
	r.loaded.Store(true)
	r.mu.Unlock()

	// 库里的内容可能落后于其他实例的内存状态，广播一次，较新的实例会重新发布
	if err := r.reg.opts.Bus.Publish(BusEnvelope{Instance: r.reg.opts.InstanceID, Snapshot: beacon}); err != nil {
		r.logger.Warn("bus publish failed", "version", beacon.Version, "err", err)
	}
	r.logger.Info("room loaded", "found", found, "version", rec.Version)
	return nil
}

// Snapshot 当前规范状态
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked("")
}

func (r *Room) snapshotLocked(origin string) Snapshot {
	return Snapshot{
		RoomID:      r.id,
		Version:     r.version,
		Storage:     r.storage.Clone(),
		Origin:      origin,
		Instance:    r.stamp,
		CommittedAt: r.clock.Now(),
	}
}

// Mutate 在规范状态上执行 mutator 并提交。
// 基于旧版本的提交照常应用（后写者覆盖），只记录冲突；
// ctx 在提交前被取消则放弃，不产生任何效果
func (r *Room) Mutate(ctx context.Context, sessionID string, baseVersion uint64, m Mutator) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if err := r.writeSem.Acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = r.writeSem.Release() }()

	r.mu.Lock()
	s, err := r.writerLocked(sessionID)
	cur := r.storage.Clone()
	r.mu.Unlock()
	if err != nil {
		r.rejected.Add(1)
		return Snapshot{}, err
	}

	next, err := m(cur)
	if err == nil {
		err = next.Validate(r.reg.opts.MaxContentBytes)
	}
	if err != nil {
		r.rejected.Add(1)
		r.logger.Warn("mutation rejected", "session", sessionID, "err", err)
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	if _, err := r.writerLocked(sessionID); err != nil {
		r.mu.Unlock()
		r.rejected.Add(1)
		return Snapshot{}, err
	}
	if baseVersion < r.version {
		r.conflicts.Add(1)
		r.logger.Debug("stale base version, last writer wins", "session", sessionID, "base", baseVersion, "current", r.version)
	}
	snap := r.commitLocked(next, sessionID)
	r.mu.Unlock()

	r.commits.Add(1)
	r.reg.opts.Persister.SchedulePersist(r.id, snap.Storage, snap.Version)
	if err := r.reg.opts.Bus.Publish(BusEnvelope{Instance: r.reg.opts.InstanceID, Snapshot: snap}); err != nil {
		r.logger.Warn("bus publish failed", "version", snap.Version, "err", err)
	}
	r.reg.opts.Events.Offer(r.reg.newEvent(EventStorageCommitted, r.id, s, snap))
	r.markTyping(s)
	return snap, nil
}

func (r *Room) writerLocked(sessionID string) (*Session, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionGone
	}
	if !s.Role().CanWrite() {
		return nil, ErrReadOnly
	}
	return s, nil
}

// commitLocked 版本 +1 并按提交顺序投递给所有会话（包括提交者）和观察者
func (r *Room) commitLocked(next Storage, origin string) Snapshot {
	return r.installLocked(next, r.version+1, r.reg.opts.InstanceID, origin)
}

func (r *Room) installLocked(next Storage, version uint64, stamp, origin string) Snapshot {
	r.version = version
	r.stamp = stamp
	r.origin = origin
	r.storage = next.Clone()
	snap := r.snapshotLocked(origin)
	for _, s := range r.sessions {
		s.mailbox.PushStorage(snap)
	}
	for _, ch := range r.observers {
		pushLatest(ch, snap)
	}
	return snap
}

// after (v1, s1) 是否排在 (v2, s2) 之后
func after(v1 uint64, s1 string, v2 uint64, s2 string) bool {
	return v1 > v2 || (v1 == v2 && s1 > s2)
}

// adoptExternal 处理其他实例发布的状态：更新的直接采纳（沿用对方的版本号，不再发布也不再持久化）；
// 更旧的说明对方落后，重新发布本地状态让它追上
func (r *Room) adoptExternal(env BusEnvelope) {
	if env.Instance == r.reg.opts.InstanceID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.writeSem.Acquire(ctx); err != nil {
		r.logger.Warn("adopt external commit timed out", "instance", env.Instance)
		return
	}
	defer func() { _ = r.writeSem.Release() }()

	remote := env.Snapshot
	if err := remote.Storage.Validate(r.reg.opts.MaxContentBytes); err != nil {
		r.logger.Warn("external commit rejected", "instance", env.Instance, "err", err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if after(remote.Version, remote.Instance, r.version, r.stamp) {
		r.installLocked(remote.Storage, remote.Version, remote.Instance, remote.Origin)
		r.mu.Unlock()
		r.adopted.Add(1)
		return
	}
	if remote.Version == r.version && remote.Instance == r.stamp {
		r.mu.Unlock()
		return
	}
	cur := r.snapshotLocked(r.origin)
	r.mu.Unlock()

	r.resent.Add(1)
	r.logger.Debug("peer is behind, resending", "instance", env.Instance, "peer_version", remote.Version, "version", cur.Version)
	if err := r.reg.opts.Bus.Publish(BusEnvelope{Instance: r.reg.opts.InstanceID, Snapshot: cur}); err != nil {
		r.logger.Warn("bus publish failed", "version", cur.Version, "err", err)
	}
}

func (r *Room) markTyping(s *Session) {
	if s == nil {
		return
	}
	if !s.Presence().IsTyping {
		typing := true
		_ = r.updatePresence(s, presence.Patch{IsTyping: &typing})
	}
	s.mu.Lock()
	tt := s.typing
	s.mu.Unlock()
	if tt != nil {
		tt.Touch()
	}
}

func (r *Room) updatePresence(s *Session, patch presence.Patch) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if _, ok := r.sessions[s.ID()]; !ok {
		r.mu.Unlock()
		return ErrSessionGone
	}
	s.mu.Lock()
	next := s.presence.Apply(patch, r.clock.Now())
	if next.Name == "" {
		next.Name = s.info.Name
	}
	if next.Color == "" {
		next.Color = presence.ColorFor(next.Name)
	}
	s.presence = next
	th := s.throttle
	s.mu.Unlock()
	r.mu.Unlock()

	if th == nil || th.Allow() {
		r.broadcastPresence(s)
	}
	return nil
}

// broadcastPresence 读取会话最新的 presence 发给其他会话；节流的补发也走这里
func (r *Room) broadcastPresence(s *Session) {
	r.mu.Lock()
	if r.closed || r.sessions[s.ID()] != s {
		r.mu.Unlock()
		return
	}
	ev := PresenceEvent{Kind: PresenceUpdated, RoomID: r.id, Entry: s.entry()}
	r.fanoutPresenceLocked(ev, s.ID())
	r.mu.Unlock()
	r.reg.mirrorPut(r.id, ev.Entry)
}

func (r *Room) fanoutPresenceLocked(ev PresenceEvent, exclude string) {
	for id, other := range r.sessions {
		if id == exclude {
			continue
		}
		if !other.mailbox.PushPresence(ev) {
			r.logger.Debug("presence frame dropped", "session", id)
		}
	}
	for _, ch := range r.subscribers {
		pushPresence(ch, ev)
	}
}

// admit 把会话加入房间并返回加入时的快照
func (r *Room) admit(s *Session) (*RoomHandle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	now := r.clock.Now()
	p := presence.Presence{Name: s.info.Name, Color: s.info.Color, LastSeen: now}
	if p.Color == "" {
		p.Color = presence.ColorFor(p.Name)
	}
	th := presence.NewThrottle(r.clock, r.reg.opts.PresenceThrottle, func() { r.broadcastPresence(s) })
	tt := presence.NewTypingTimer(r.clock, r.reg.opts.TypingQuiet, func() {
		idle := false
		_ = r.updatePresence(s, presence.Patch{IsTyping: &idle})
	})
	snap := r.snapshotLocked("")
	s.attach(r, snap, p, th, tt)
	others := r.activePresenceLocked(s.ID(), now)
	r.sessions[s.ID()] = s

	ev := PresenceEvent{Kind: PresenceUpdated, RoomID: r.id, Entry: s.entry()}
	r.fanoutPresenceLocked(ev, s.ID())
	r.mu.Unlock()

	r.reg.mirrorPut(r.id, ev.Entry)
	r.reg.opts.Events.Offer(r.reg.newEvent(EventSessionJoined, r.id, s, snap))
	r.logger.Info("session joined", "session", s.ID(), "user", s.info.UserKey, "role", s.info.Role)
	return &RoomHandle{Room: r, Session: s, Snapshot: snap, Others: others}, nil
}

// remove 移除会话并通知其他会话。返回房间是否已空
func (r *Room) remove(sessionID string) (removed *Session, empty bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		empty = len(r.sessions) == 0
		r.mu.Unlock()
		return nil, empty
	}
	delete(r.sessions, sessionID)
	ev := PresenceEvent{Kind: PresenceLeft, RoomID: r.id, Entry: s.entry()}
	r.fanoutPresenceLocked(ev, sessionID)
	empty = len(r.sessions) == 0
	snap := r.snapshotLocked("")
	r.mu.Unlock()

	s.detach()
	r.reg.mirrorRemove(r.id, sessionID)
	r.reg.opts.Events.Offer(r.reg.newEvent(EventSessionLeft, r.id, s, snap))
	r.logger.Info("session left", "session", sessionID, "empty", empty)
	return s, empty
}

// ActivePresence 在线协作者视图：排除 exclude 会话和已过期的 presence
func (r *Room) ActivePresence(exclude string) []presence.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activePresenceLocked(exclude, r.clock.Now())
}

func (r *Room) activePresenceLocked(exclude string, now time.Time) []presence.Entry {
	entries := make([]presence.Entry, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		entries = append(entries, s.entry())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SessionID < entries[j].SessionID })
	return presence.Active(entries, now, r.reg.opts.PresenceStaleAfter)
}

// observe 订阅存储快照，慢的观察者只保留最新一份
func (r *Room) observe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.observers[id] = ch
	pushLatest(ch, r.snapshotLocked(""))
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.observers[id]; ok {
			delete(r.observers, id)
			close(c)
		}
	}
}

func (r *Room) subscribe() (<-chan PresenceEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan PresenceEvent, r.reg.opts.PresenceQueue)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(c)
		}
	}
}

// closeStreamsLocked 房间回收时关闭所有订阅
func (r *Room) closeStreamsLocked() {
	for id, ch := range r.observers {
		delete(r.observers, id)
		close(ch)
	}
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
}

func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	n, v := len(r.sessions), r.version
	r.mu.Unlock()
	return RoomStats{
		Commits:   r.commits.Load(),
		Conflicts: r.conflicts.Load(),
		Rejected:  r.rejected.Load(),
		Adopted:   r.adopted.Load(),
		Resent:    r.resent.Load(),
		Sessions:  n,
		Version:   v,
	}
}

// pushLatest 调用方持有房间锁，是唯一的写者
func pushLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

func pushPresence(ch chan PresenceEvent, ev PresenceEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
