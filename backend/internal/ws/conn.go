package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/karn-cyber/notion/backend/internal/collab"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

// Conn 一个 websocket 连接对应一个 Session。
// 读循环处理客户端消息，写循环消费 Session 的 Mailbox
type Conn struct {
	ws     *websocket.Conn
	sess   *collab.Session
	roomID string
	m      *Manager
	logger *slog.Logger

	// gorilla/websocket 同一时间只允许一个写者
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, m *Manager, roomID string) *Conn {
	return &Conn{ws: ws, m: m, roomID: roomID, logger: m.logger}
}

// write 读循环（ack）、写循环和 deliver 回调都会调用
func (c *Conn) write(msg OutboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opts.WriteWait))
	return c.ws.WriteJSON(msg)
}

// deliver Replica 判定需要把规范状态写给客户端时调用
func (c *Conn) deliver(snap collab.Snapshot) {
	if err := c.write(storageMessage(snap)); err != nil {
		c.logger.Debug("deliver storage failed", "err", err)
	}
}

func (c *Conn) sendError(code, content string) {
	_ = c.write(ServerMessage{Type: TypeError, Code: code, Content: content})
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.m.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.m.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opts.PongWait))

		// 解析失败只回错误，不断开连接
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed", err.Error())
			continue
		}

		switch msg.Type {
		case TypePresence:
			patch := presence.Patch{}
			if msg.Presence != nil {
				patch = *msg.Presence
			}
			if err := c.sess.UpdatePresence(patch); err != nil {
				return
			}

		case TypeHeartbeat:
			if err := c.sess.Heartbeat(); err != nil {
				return
			}

		case TypeStorage:
			if !c.handleStorage(ctx, msg) {
				return
			}

		case TypeLeave:
			return

		default:
			// 忽略未知类型，回一条提示
			c.sendError("unknown_type", "Unknown message type "+msg.Type)
		}
	}
}

// handleStorage 返回 false 表示会话已经不在房间里，读循环应退出
func (c *Conn) handleStorage(ctx context.Context, msg ClientMessage) bool {
	submitCtx, cancel := context.WithTimeout(ctx, c.m.opts.SubmitTimeout)
	defer cancel()

	if err := c.m.sem.Acquire(submitCtx); err != nil {
		c.sendError("busy", err.Error())
		return true
	}
	defer func() { _ = c.m.sem.Release() }()

	var (
		snap collab.Snapshot
		err  error
	)
	if len(msg.Ops) > 0 {
		snap, err = c.sess.ApplyDelta(submitCtx, msg.BaseVersion, msg.Ops)
	} else {
		next := collab.Storage{Blocks: msg.Blocks}
		if msg.Content != nil {
			next.Content = *msg.Content
		}
		snap, err = c.sess.Replace(submitCtx, msg.BaseVersion, next)
	}
	if err != nil {
		// 拒绝原因已经通过 Mailbox 发给客户端
		return !errors.Is(err, collab.ErrSessionGone) && !errors.Is(err, collab.ErrRoomClosed)
	}
	_ = c.write(StorageAckMessage{
		Type:        TypeStorageAck,
		RoomID:      c.roomID,
		BaseVersion: msg.BaseVersion,
		Version:     snap.Version,
	})
	return true
}

// writeLoop 持续消费 Mailbox，直到会话离开或连接关闭
func (c *Conn) writeLoop(stop <-chan struct{}) {
	ping := time.NewTicker(c.m.opts.PingPeriod)
	defer ping.Stop()
	mb := c.sess.Mailbox()

	for {
		select {
		case <-stop:
			return
		case <-mb.Done():
			c.flush(mb.Drain())
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(c.m.opts.WriteWait))
			c.writeMu.Unlock()
			_ = c.ws.Close()
			return
		case <-mb.Ready():
			if !c.flush(mb.Drain()) {
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.m.opts.WriteWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// flush 顺序：提示、presence、最后是存储快照
func (c *Conn) flush(out collab.Outbound) bool {
	for _, n := range out.Notices {
		if err := c.write(ServerMessage{Type: TypeError, Code: n.Code, Content: n.Message}); err != nil {
			return false
		}
	}
	for _, ev := range out.Presence {
		if err := c.write(presenceMessage(ev)); err != nil {
			return false
		}
	}
	if out.Storage != nil {
		// applied 时 Replica 会回调 deliver；echo/stale/deferred 不需要下发
		res := c.sess.Reconcile(*out.Storage)
		c.logger.Debug("reconciled", "version", out.Storage.Version, "result", res.String())
	}
	return true
}
