package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/karn-cyber/notion/backend/internal/ot/delta"
)

// Storage 房间的共享内容：正文 + 客户端自定义的块结构（对服务端不透明）
type Storage struct {
	Content string          `json:"content"`
	Blocks  json.RawMessage `json:"blocks,omitempty"`
}

func (s Storage) Clone() Storage {
	out := Storage{Content: s.Content}
	if s.Blocks != nil {
		out.Blocks = append(json.RawMessage(nil), s.Blocks...)
	}
	return out
}

// Equal 按序列化后的值比较
func (s Storage) Equal(o Storage) bool {
	return s.Content == o.Content && bytes.Equal(compactBlocks(s.Blocks), compactBlocks(o.Blocks))
}

// Validate maxBytes <= 0 表示不限制
func (s Storage) Validate(maxBytes int) error {
	if maxBytes > 0 && len(s.Content)+len(s.Blocks) > maxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(s.Content)+len(s.Blocks), maxBytes)
	}
	if len(s.Blocks) > 0 && !json.Valid(s.Blocks) {
		return fmt.Errorf("%w: blocks is not valid json", ErrMalformed)
	}
	return nil
}

func compactBlocks(b json.RawMessage) []byte {
	if len(b) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}

// MeaningfullyDifferent 远端快照与本地值是否“真的不同”：序列化结果不同，并且正文长度也不同。
// 长度相同的快照大概率是本地正在输入的回声，编辑中不覆盖
func MeaningfullyDifferent(a, b Storage) bool {
	if a.Equal(b) {
		return false
	}
	return len(a.Content) != len(b.Content)
}

// Snapshot 一次提交后的房间状态
type Snapshot struct {
	RoomID      string    `json:"roomId"`
	Version     uint64    `json:"version"`
	Storage     Storage   `json:"storage"`
	Origin      string    `json:"origin,omitempty"` // 提交该版本的会话
	Instance    string    `json:"instance,omitempty"`
	CommittedAt time.Time `json:"committedAt"`
}

// Mutator 基于当前规范状态计算新状态；返回错误时放弃本次修改
type Mutator func(cur Storage) (Storage, error)

// Replace 整体替换
func Replace(next Storage) Mutator {
	return func(Storage) (Storage, error) { return next.Clone(), nil }
}

// DeltaMutator 在当前正文上应用 delta，块结构不变
func DeltaMutator(ops delta.Delta) Mutator {
	return func(cur Storage) (Storage, error) {
		content, err := ApplyDelta(cur.Content, ops)
		if err != nil {
			return Storage{}, err
		}
		return Storage{Content: content, Blocks: cur.Blocks}, nil
	}
}
