package collab

import (
	"github.com/karn-cyber/notion/backend/internal/ot/delta"
)

// Buffer 房间正文的可编辑缓冲区
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

var _ Buffer = (*PieceTable)(nil)

/*
PieceTable 结构示例

初始正文 "Hello world"：
  original = "Hello world"，add = ""
  pieces   = [ (orig, 0, 11) ]

retain 5 + insert " collaborative" 之后：
  add    = " collaborative"
  pieces = [
    (orig, 0, 5),   // "Hello"
    (add,  0, 14),  // " collaborative"
    (orig, 5, 6),   // " world"
  ]

delete 只调整 piece 的 offset/length，不移动底层 rune。
*/
