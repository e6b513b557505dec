package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/collab"
	"github.com/karn-cyber/notion/backend/internal/httpapi/middleware"
	"github.com/karn-cyber/notion/backend/internal/presence"
)

// Authorizer 加入房间前的授权判断
type Authorizer interface {
	Authorize(ctx context.Context, id access.Identity, roomID string) access.Decision
}

type ManagerOptions struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64
	// SubmitTimeout 单次提交（排队 + 提交）的超时
	SubmitTimeout time.Duration
	// MaxInflightSubmits 整个实例同时处理的提交数
	MaxInflightSubmits int
	// AllowedOrigins 为空时只允许本地开发环境的来源。
	// 按 scheme + host 精确匹配，不带端口的项匹配任意端口
	AllowedOrigins []string
	Logger         *slog.Logger
}

func (o *ManagerOptions) setDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4 << 20
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 2 * time.Second
	}
	if o.MaxInflightSubmits <= 0 {
		o.MaxInflightSubmits = 256
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

type Manager struct {
	gate     Authorizer
	reg      *collab.Registry
	sem      *collab.SemaphoreControl
	upgrader websocket.Upgrader
	opts     ManagerOptions
	logger   *slog.Logger
}

func NewManager(gate Authorizer, reg *collab.Registry, opts ManagerOptions) *Manager {
	opts.setDefaults()
	m := &Manager{
		gate:   gate,
		reg:    reg,
		sem:    collab.NewSemaphoreControl(opts.MaxInflightSubmits),
		opts:   opts,
		logger: opts.Logger.With("component", "ws"),
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

// checkOrigin 一些环境不发送 Origin，或为 "null"
func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	return matchOrigin(origin, m.opts.AllowedOrigins)
}

func matchOrigin(origin string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		w, err := url.Parse(a)
		if err != nil || w.Scheme == "" || w.Host == "" {
			continue
		}
		if !strings.EqualFold(u.Scheme, w.Scheme) {
			continue
		}
		if w.Port() == "" {
			if strings.EqualFold(u.Hostname(), w.Hostname()) {
				return true
			}
			continue
		}
		if strings.EqualFold(u.Host, w.Host) {
			return true
		}
	}
	return false
}

// Connect GET /collab/ws?roomId=...
// 先授权再升级：401/403/500 以普通 HTTP 响应返回，升级之后第一条消息是 joined
func (m *Manager) Connect(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("roomId"))
	id := middleware.IdentityFrom(c)

	decision := m.gate.Authorize(c.Request.Context(), id, roomID)
	if !decision.Allowed {
		c.AbortWithStatusJSON(decision.Status, gin.H{
			"allowed": false,
			"code":    http.StatusText(decision.Status),
			"message": decision.Reason,
		})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer wsConn.Close()

	conn := newConn(wsConn, m, roomID)
	sess := collab.NewSession(collab.SessionInfo{
		UserKey: id.PrimaryKey(),
		Name:    id.DisplayName(),
		Color:   strings.TrimSpace(c.Query("color")),
		Role:    decision.Role,
		Keys:    id.Keys(),
	}, m.reg.NewMailbox(), conn.deliver)
	conn.sess = sess
	conn.logger = m.logger.With("room", roomID, "session", sess.ID())

	// 连接断开后 Request.Context 不一定会取消，单独管理
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := m.reg.JoinRoom(ctx, roomID, sess)
	if err != nil {
		conn.logger.Error("join room failed", "err", err)
		conn.sendError("join_failed", err.Error())
		return
	}
	defer sess.Leave()

	others := handle.Others
	if others == nil {
		others = []presence.Entry{}
	}
	if err := conn.write(JoinedMessage{
		Type:       TypeJoined,
		Allowed:    true,
		Role:       decision.Role,
		Capability: decision.Capability,
		SessionID:  sess.ID(),
		RoomID:     roomID,
		Version:    handle.Snapshot.Version,
		Storage:    handle.Snapshot.Storage,
		Presence:   others,
	}); err != nil {
		return
	}
	conn.logger.Info("session joined", "user", id.PrimaryKey(), "role", decision.Role)

	// 先启动写循环，确保后续进入 Mailbox 的消息可以被及时发送
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.writeLoop(stop)
	}()

	// 最后再进入读循环（阻塞至连接关闭）
	conn.readLoop(ctx)
	close(stop)
	<-done
	conn.logger.Info("session left")
}
