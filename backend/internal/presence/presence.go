package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor 光标坐标（相对编辑区）
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence 单个会话的临时状态，只在房间生命周期内存在，不落库
type Presence struct {
	Cursor   *Cursor   `json:"cursor"`
	Name     string    `json:"name,omitempty"`
	Color    string    `json:"color,omitempty"`
	IsTyping bool      `json:"isTyping"`
	LastSeen time.Time `json:"lastSeen"`
}

// Entry 广播给其他会话的 presence 消息体
type Entry struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Presence
}

// Patch 局部更新。Has* / 指针为 nil 表示该字段没有出现在更新里，
// 合并时必须沿用旧值，否则会把 name/color 冲掉
type Patch struct {
	HasCursor bool
	Cursor    *Cursor
	Name      *string
	Color     *string
	IsTyping  *bool
}

// UnmarshalJSON 按 key 是否出现来区分 "cursor": null（清空）和没传 cursor（保留）
func (p *Patch) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Patch{}
	if v, ok := raw["cursor"]; ok {
		p.HasCursor = true
		if !isNull(v) {
			var c Cursor
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("cursor: %w", err)
			}
			p.Cursor = &c
		}
	}
	if v, ok := raw["name"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("name: %w", err)
		}
		p.Name = &s
	}
	if v, ok := raw["color"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("color: %w", err)
		}
		p.Color = &s
	}
	if v, ok := raw["isTyping"]; ok && !isNull(v) {
		var t bool
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("isTyping: %w", err)
		}
		p.IsTyping = &t
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Empty 没有任何字段（心跳）
func (p Patch) Empty() bool {
	return !p.HasCursor && p.Name == nil && p.Color == nil && p.IsTyping == nil
}

// Apply 合并补丁并刷新 lastSeen。返回新值，不修改接收者
func (p Presence) Apply(patch Patch, now time.Time) Presence {
	next := p.Clone()
	if patch.HasCursor {
		if patch.Cursor == nil {
			next.Cursor = nil
		} else {
			c := *patch.Cursor
			next.Cursor = &c
		}
	}
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Color != nil {
		next.Color = *patch.Color
	}
	if patch.IsTyping != nil {
		next.IsTyping = *patch.IsTyping
	}
	next.LastSeen = now
	return next
}

// Clone 深拷贝 cursor，避免多个快照共用同一个指针
func (p Presence) Clone() Presence {
	out := p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	return out
}

// Stale lastSeen 超过窗口即视为离线，不管有没有收到 leave
func (p Presence) Stale(now time.Time, window time.Duration) bool {
	if p.LastSeen.IsZero() {
		return true
	}
	return now.Sub(p.LastSeen) > window
}

// Active 过滤掉过期的 presence，得到“在线协作者”视图
func Active(entries []Entry, now time.Time, window time.Duration) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Stale(now, window) {
			continue
		}
		out = append(out, e)
	}
	return out
}
