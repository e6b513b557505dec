package collab

import (
	"fmt"
	"strings"

	"github.com/karn-cyber/notion/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

// PieceTable 房间正文的编辑缓冲区，delta 形式的存储消息在这里落到正文上
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.slice(p)))
	}
	return sb.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 先整体校验再修改；越界或非法操作时缓冲区保持不变
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if need, have := d.BaseLen(), pt.Len(); need > have {
		return fmt.Errorf("%w: delta spans %d runes, document has %d", ErrMalformed, need, have)
	}

	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(text)
	}
	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	out = append(out, np)
	if rest := cur.length - offset; rest > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset + offset, length: rest})
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(remain, cur.length-offset)

		// 整个 piece 都删掉，idx 不动
		if offset == 0 && take == cur.length {
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			remain -= take
			continue
		}

		// 拆成左右两段替换当前 piece
		var repl []piece
		if offset > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rightLen := cur.length - offset - take; rightLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		out := make([]piece, 0, len(pt.pieces)+1)
		out = append(out, pt.pieces[:idx]...)
		out = append(out, repl...)
		out = append(out, pt.pieces[idx+1:]...)
		pt.pieces = out

		// 只有删到 piece 末尾时 remain 才可能还有剩余，此时左段保留，从下一个 piece 开头继续
		remain -= take
		idx++
		offset = 0
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

// ApplyDelta 在 content 上应用 delta 得到新正文
func ApplyDelta(content string, d delta.Delta) (string, error) {
	var buf Buffer = NewPieceTable(content)
	if err := buf.Apply(d); err != nil {
		return "", err
	}
	return buf.String(), nil
}
