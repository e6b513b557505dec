package collab

import "errors"

var (
	// ErrMalformed 存储内容或 delta 不合法，房间状态不变
	ErrMalformed = errors.New("collab: malformed storage")
	// ErrTooLarge 正文超过 maxContentBytes
	ErrTooLarge = errors.New("collab: storage too large")
	// ErrReadOnly 只读成员（viewer）尝试修改
	ErrReadOnly = errors.New("collab: session is read-only")
	// ErrRoomClosed 房间已经被回收，需要重新加入
	ErrRoomClosed = errors.New("collab: room closed")
	// ErrSessionGone 会话已离开房间
	ErrSessionGone = errors.New("collab: session not in room")
)
