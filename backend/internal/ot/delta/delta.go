package delta

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var ErrInvalidOp = errors.New("delta: invalid op")

// Op 单个编辑操作，位置按 rune 计数
type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// Delta 从文档开头顺序执行的一组操作
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// Validate 只检查操作本身是否合法，不检查是否越界（越界要结合文档长度）
func (d Delta) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("%w: empty delta", ErrInvalidOp)
	}
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d %s count=%d", ErrInvalidOp, i, op.Kind, op.Count)
			}
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d empty insert", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: op %d unknown kind %q", ErrInvalidOp, i, op.Kind)
		}
	}
	return nil
}

// BaseLen 应用该 delta 至少需要的文档长度
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindRetain || op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}
