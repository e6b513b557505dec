package collab

import (
	"sync"
	"sync/atomic"

	"github.com/karn-cyber/notion/backend/internal/presence"
)

type PresenceEventKind string

const (
	PresenceUpdated PresenceEventKind = "update"
	PresenceLeft    PresenceEventKind = "left"
)

// PresenceEvent Subscribe 流里的一条消息
type PresenceEvent struct {
	Kind   PresenceEventKind `json:"kind"`
	RoomID string            `json:"roomId"`
	presence.Entry
}

// Notice 发给单个会话的提示（拒绝原因等）
type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outbound 一次 Drain 取出的全部待发送内容
type Outbound struct {
	Storage  *Snapshot
	Presence []PresenceEvent
	Notices  []Notice
}

func (o Outbound) Empty() bool {
	return o.Storage == nil && len(o.Presence) == 0 && len(o.Notices) == 0
}

// Mailbox 单个会话的发送缓冲。
// 存储快照只保留最新一份（中间版本可以跳过，最终一致）；
// presence 是有界队列，满了丢最旧的；任何写入都不阻塞房间
type Mailbox struct {
	mu       sync.Mutex
	storage  *Snapshot
	presence []PresenceEvent
	notices  []Notice
	closed   bool

	presenceCap int
	noticeCap   int

	ready chan struct{}
	done  chan struct{}

	dropped atomic.Int64
}

func NewMailbox(presenceCap, noticeCap int) *Mailbox {
	if presenceCap <= 0 {
		presenceCap = 64
	}
	if noticeCap <= 0 {
		noticeCap = 16
	}
	return &Mailbox{
		presenceCap: presenceCap,
		noticeCap:   noticeCap,
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (m *Mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// PushStorage 只有比缓冲里更新的版本才会替换
func (m *Mailbox) PushStorage(s Snapshot) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.storage == nil || s.Version > m.storage.Version {
		cp := s
		cp.Storage = s.Storage.Clone()
		m.storage = &cp
	}
	m.mu.Unlock()
	m.signal()
}

// PushPresence 返回 false 表示为了腾位置丢掉了一条旧消息
func (m *Mailbox) PushPresence(ev PresenceEvent) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	ok := true
	if len(m.presence) >= m.presenceCap {
		m.presence = m.presence[1:]
		m.dropped.Add(1)
		ok = false
	}
	ev.Presence = ev.Presence.Clone()
	m.presence = append(m.presence, ev)
	m.mu.Unlock()
	m.signal()
	return ok
}

func (m *Mailbox) PushNotice(n Notice) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if len(m.notices) >= m.noticeCap {
		m.notices = m.notices[1:]
		m.dropped.Add(1)
	}
	m.notices = append(m.notices, n)
	m.mu.Unlock()
	m.signal()
}

// Ready 有新内容时可读
func (m *Mailbox) Ready() <-chan struct{} { return m.ready }

// Done 会话离开房间后关闭
func (m *Mailbox) Done() <-chan struct{} { return m.done }

func (m *Mailbox) Drain() Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Outbound{Storage: m.storage, Presence: m.presence, Notices: m.notices}
	m.storage, m.presence, m.notices = nil, nil, nil
	return out
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Dropped 被丢弃的 presence / notice 条数
func (m *Mailbox) Dropped() int64 { return m.dropped.Load() }
