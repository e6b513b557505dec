package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/ot/delta"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

// SessionInfo 会话的身份信息，加入房间前由鉴权结果填充
type SessionInfo struct {
	ID      string      `json:"sessionId"`
	UserKey string      `json:"userId"`
	Name    string      `json:"name"`
	Color   string      `json:"color,omitempty"`
	Role    access.Role `json:"role"`
	// Keys 身份的全部规范 key（邮箱、账号），撤销成员时用来匹配
	Keys    []string    `json:"-"`
}

// Session 一个连接（浏览器标签页）在房间里的状态。重连会得到新的 Session
type Session struct {
	info    SessionInfo
	mailbox *Mailbox
	deliver func(Snapshot)

	mu       sync.Mutex
	room     *Room
	presence presence.Presence
	replica  *Replica
	throttle *presence.Throttle
	typing   *presence.TypingTimer

	left atomic.Bool
}

// NewSession deliver 在需要把规范状态写给客户端时被调用（调和结果为 applied）
func NewSession(info SessionInfo, mailbox *Mailbox, deliver func(Snapshot)) *Session {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if mailbox == nil {
		mailbox = NewMailbox(0, 0)
	}
	if deliver == nil {
		deliver = func(Snapshot) {}
	}
	return &Session{info: info, mailbox: mailbox, deliver: deliver}
}

func (s *Session) ID() string        { return s.info.ID }
func (s *Session) Info() SessionInfo { return s.info }
func (s *Session) Role() access.Role { return s.info.Role }
func (s *Session) Mailbox() *Mailbox { return s.mailbox }
func (s *Session) Left() bool        { return s.left.Load() }

func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Presence 当前 presence 的副本
func (s *Session) Presence() presence.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Clone()
}

func (s *Session) entry() presence.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return presence.Entry{SessionID: s.info.ID, UserID: s.info.UserKey, Presence: s.presence.Clone()}
}

// Replica 加入房间之后才有
func (s *Session) Replica() *Replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica
}

func (s *Session) joined() (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil || s.left.Load() {
		return nil, ErrSessionGone
	}
	return s.room, nil
}

// UpdatePresence 合并局部 presence，节流后广播给房间里其他会话
func (s *Session) UpdatePresence(patch presence.Patch) error {
	r, err := s.joined()
	if err != nil {
		return err
	}
	return r.updatePresence(s, patch)
}

// Heartbeat 只刷新 lastSeen
func (s *Session) Heartbeat() error {
	return s.UpdatePresence(presence.Patch{})
}

// Replace 客户端提交整份内容
func (s *Session) Replace(ctx context.Context, base uint64, next Storage) (Snapshot, error) {
	r, err := s.joined()
	if err != nil {
		return Snapshot{}, err
	}
	rep := s.Replica()
	release := rep.BeginEdit()
	defer release()

	rep.Track(next)
	snap, err := r.Mutate(ctx, s.info.ID, base, Replace(next))
	if err != nil {
		s.reject(r, err)
		return Snapshot{}, err
	}
	return snap, nil
}

// ApplyDelta 客户端提交 delta，房间在规范正文上应用
func (s *Session) ApplyDelta(ctx context.Context, base uint64, ops delta.Delta) (Snapshot, error) {
	r, err := s.joined()
	if err != nil {
		return Snapshot{}, err
	}
	rep := s.Replica()
	release := rep.BeginEdit()
	defer release()

	// 客户端那边已经在自己的副本上应用了这段 delta
	local := rep.Local()
	if content, err := ApplyDelta(local.Content, ops); err == nil {
		rep.Track(Storage{Content: content, Blocks: local.Blocks})
	}
	snap, err := r.Mutate(ctx, s.info.ID, base, DeltaMutator(ops))
	if err != nil {
		s.reject(r, err)
		return Snapshot{}, err
	}
	return snap, nil
}

// reject 提交失败：通知客户端，并把规范状态重新下发，丢掉客户端的本地修改
func (s *Session) reject(r *Room, err error) {
	code := "rejected"
	switch {
	case errors.Is(err, ErrMalformed):
		code = "malformed"
	case errors.Is(err, ErrTooLarge):
		code = "too_large"
	case errors.Is(err, ErrReadOnly):
		code = "read_only"
	case errors.Is(err, ErrSessionGone), errors.Is(err, ErrRoomClosed):
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "abandoned"
	}
	s.mailbox.PushNotice(Notice{Code: code, Message: err.Error()})
	if rep := s.Replica(); rep != nil {
		rep.Reset(r.Snapshot())
	}
}

// Reconcile 写循环拿到房间快照后调用
func (s *Session) Reconcile(snap Snapshot) ApplyResult {
	rep := s.Replica()
	if rep == nil {
		return ApplyStale
	}
	return rep.ApplyRemote(snap)
}

func (s *Session) attach(r *Room, snap Snapshot, p presence.Presence, th *presence.Throttle, tt *presence.TypingTimer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = r
	s.presence = p
	s.throttle = th
	s.typing = tt
	s.replica = NewReplica(snap, nil, s.deliver)
}

func (s *Session) detach() {
	s.left.Store(true)
	s.mu.Lock()
	th, tt := s.throttle, s.typing
	s.mu.Unlock()
	if th != nil {
		th.Stop()
	}
	if tt != nil {
		tt.Stop()
	}
	s.mailbox.Close()
}

// owns 会话是否属于成员 key
func (s *Session) owns(memberKey string) bool {
	if s.info.UserKey == memberKey {
		return true
	}
	for _, k := range s.info.Keys {
		if k == memberKey {
			return true
		}
	}
	return false
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s %s)", s.info.ID, s.info.UserKey)
}
