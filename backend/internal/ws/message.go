package ws

import (
	"encoding/json"

	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/collab"
	"github.com/karn-cyber/notion/backend/internal/ot/delta"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

// 客户端消息类型
const (
	TypePresence  = "presence"
	TypeHeartbeat = "heartbeat"
	TypeStorage   = "storage"
	TypeLeave     = "leave"
)

// 服务端消息类型
const (
	TypeJoined       = "joined"
	TypePresenceLeft = "presence_left"
	TypeStorageAck   = "storage_ack"
	TypeError        = "error"
)

// ClientMessage 客户端发来的所有消息共用一个结构，按 type 取字段
// {"type":"storage","baseVersion":3,"ops":[{"kind":"retain","count":5},{"kind":"insert","text":"!"}]}
type ClientMessage struct {
	Type string `json:"type"`
	// presence: 局部更新，没出现的字段保留旧值
	Presence *presence.Patch `json:"presence,omitempty"`
	// storage: 整份替换（content/blocks）或者 delta（ops），二选一
	BaseVersion uint64          `json:"baseVersion"`
	Content     *string         `json:"content,omitempty"`
	Blocks      json.RawMessage `json:"blocks,omitempty"`
	Ops         delta.Delta     `json:"ops,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现 OutboundMessage 接口
func (m ServerMessage) MessageType() string     { return m.Type }
func (m JoinedMessage) MessageType() string     { return m.Type }
func (m StorageMessage) MessageType() string    { return m.Type }
func (m StorageAckMessage) MessageType() string { return m.Type }
func (m PresenceMessage) MessageType() string   { return m.Type }

// ServerMessage 错误和提示
type ServerMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Content string `json:"content,omitempty"`
}

// JoinedMessage 加入成功后的第一条消息
type JoinedMessage struct {
	Type       string            `json:"type"` // 固定 "joined"
	Allowed    bool              `json:"allowed"`
	Role       access.Role       `json:"role"`
	Capability access.Capability `json:"capability"`
	SessionID  string            `json:"sessionId"`
	RoomID     string            `json:"roomId"`
	Version    uint64            `json:"version"`
	Storage    collab.Storage    `json:"storage"`
	Presence   []presence.Entry  `json:"presence"`
}

// StorageMessage 规范状态下发（其他人的提交，或者拒绝后回滚）
type StorageMessage struct {
	Type    string          `json:"type"` // 固定 "storage"
	RoomID  string          `json:"roomId"`
	Version uint64          `json:"version"`
	Content string          `json:"content"`
	Blocks  json.RawMessage `json:"blocks,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

// StorageAckMessage 自己的提交已经生效
type StorageAckMessage struct {
	Type        string `json:"type"` // 固定 "storage_ack"
	RoomID      string `json:"roomId"`
	BaseVersion uint64 `json:"baseVersion"`
	Version     uint64 `json:"version"`
}

// PresenceMessage 其他会话的 presence 变化；离开时 type 为 presence_left
type PresenceMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	presence.Entry
}

func storageMessage(snap collab.Snapshot) StorageMessage {
	return StorageMessage{
		Type:    TypeStorage,
		RoomID:  snap.RoomID,
		Version: snap.Version,
		Content: snap.Storage.Content,
		Blocks:  snap.Storage.Blocks,
		Origin:  snap.Origin,
	}
}

func presenceMessage(ev collab.PresenceEvent) PresenceMessage {
	typ := TypePresence
	if ev.Kind == collab.PresenceLeft {
		typ = TypePresenceLeft
	}
	return PresenceMessage{Type: typ, RoomID: ev.RoomID, Entry: ev.Entry}
}
