package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/karn-cyber/notion/backend/internal/access"
	"github.com/karn-cyber/notion/backend/internal/httpapi/middleware"
	"github.com/karn-cyber/notion/backend/internal/presence"
	"github.com/karn-cyber/notion/backend/internal/store"
)

// Gate 成员管理和授权
type Gate interface {
	Authorize(ctx context.Context, id access.Identity, roomID string) access.Decision
	Grant(ctx context.Context, granter access.Identity, roomID, invitee string, role access.Role) (access.Membership, error)
	Revoke(ctx context.Context, granter access.Identity, roomID, member string) error
	ClaimOwnership(ctx context.Context, id access.Identity, roomID string) (bool, error)
	RoomsFor(ctx context.Context, id access.Identity) ([]access.Membership, error)
}

// PresenceLister 跨实例的 presence 视图（Redis 镜像）
type PresenceLister interface {
	List(ctx context.Context, roomID string) ([]presence.Entry, error)
}

// Documents 文档记录和历史版本
type Documents interface {
	CreateDocument(ctx context.Context, roomID, ownerKey, title string) error
	ListSnapshots(ctx context.Context, roomID string, limit int) ([]store.SnapshotInfo, error)
}

// RoomLister 本实例的活跃房间。成员变更后断开角色已失效的会话
type RoomLister interface {
	Rooms() []string
	EvictMember(roomID, memberKey string, role access.Role) int
}

type RoomHandler struct {
	gate     Gate
	presence PresenceLister
	docs     Documents
	rooms    RoomLister
	logger   *slog.Logger
}

func NewRoomHandler(gate Gate, pl PresenceLister, docs Documents, rooms RoomLister, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RoomHandler{gate: gate, presence: pl, docs: docs, rooms: rooms, logger: logger.With("component", "httpapi")}
}

// Register 挂到 /collab 分组下，除 healthz 外都需要身份
func (h *RoomHandler) Register(g *gin.RouterGroup) {
	g.GET("/healthz", h.Healthz)

	authed := g.Group("", middleware.RequireIdentity())
	authed.POST("/rooms/:roomId/members", h.GrantMember)
	authed.DELETE("/rooms/:roomId/members/:member", h.RevokeMember)
	authed.POST("/rooms/:roomId/claim", h.Claim)
	authed.GET("/rooms/:roomId/presence", h.Presence)
	authed.GET("/rooms/:roomId/history", h.History)
	authed.GET("/me/rooms", h.MyRooms)
}

func (h *RoomHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"rooms":   len(h.rooms.Rooms()),
	})
}

type grantRequest struct {
	Member string `json:"member" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

func (h *RoomHandler) GrantMember(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		h.fail(c, access.ErrInvalidRole)
		return
	}
	roomID := c.Param("roomId")
	m, err := h.gate.Grant(c.Request.Context(), middleware.IdentityFrom(c), roomID, req.Member, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	// 已连接的会话还带着旧角色，断开后按新角色重连
	h.rooms.EvictMember(roomID, m.MemberKey, m.Role)
	c.JSON(http.StatusOK, m)
}

func (h *RoomHandler) RevokeMember(c *gin.Context) {
	roomID, member := c.Param("roomId"), c.Param("member")
	err := h.gate.Revoke(c.Request.Context(), middleware.IdentityFrom(c), roomID, member)
	if err != nil {
		h.fail(c, err)
		return
	}
	if n := h.rooms.EvictMember(roomID, access.NormalizeKey(member), access.RoleNone); n > 0 {
		h.logger.Info("revoked member disconnected", "room", roomID, "member", member, "sessions", n)
	}
	c.Status(http.StatusNoContent)
}

type claimRequest struct {
	Title string `json:"title"`
}

// Claim 新建文档：登记房主并写入文档记录
func (h *RoomHandler) Claim(c *gin.Context) {
	var req claimRequest
	// body 可以为空
	_ = c.ShouldBindJSON(&req)

	id := middleware.IdentityFrom(c)
	roomID := c.Param("roomId")
	claimed, err := h.gate.ClaimOwnership(c.Request.Context(), id, roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if claimed && h.docs != nil {
		if err := h.docs.CreateDocument(c.Request.Context(), roomID, id.PrimaryKey(), strings.TrimSpace(req.Title)); err != nil {
			h.logger.Error("create document failed", "room", roomID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "create document failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "claimed": claimed, "role": access.RoleOwner})
}

// authorized 查询类接口和加入房间用同一套授权
func (h *RoomHandler) authorized(c *gin.Context) (string, bool) {
	roomID := c.Param("roomId")
	d := h.gate.Authorize(c.Request.Context(), middleware.IdentityFrom(c), roomID)
	if !d.Allowed {
		c.JSON(d.Status, gin.H{"code": http.StatusText(d.Status), "message": d.Reason})
		return "", false
	}
	return roomID, true
}

func (h *RoomHandler) Presence(c *gin.Context) {
	roomID, ok := h.authorized(c)
	if !ok {
		return
	}
	entries, err := h.presence.List(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("list presence failed", "room", roomID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "list presence failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "presence": entries})
}

func (h *RoomHandler) History(c *gin.Context) {
	roomID, ok := h.authorized(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.docs.ListSnapshots(c.Request.Context(), roomID, limit)
	if err != nil {
		h.logger.Error("list history failed", "room", roomID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "list history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "snapshots": list})
}

func (h *RoomHandler) MyRooms(c *gin.Context) {
	list, err := h.gate.RoomsFor(c.Request.Context(), middleware.IdentityFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": list})
}

// fail 成员管理错误到 HTTP 状态码
func (h *RoomHandler) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, access.ErrNoIdentity):
		status, code = http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, access.ErrNotOwner):
		status, code = http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, access.ErrInvalidRole), errors.Is(err, access.ErrInvalidMember):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, access.ErrOwnerImmutable), errors.Is(err, access.ErrAlreadyOwned):
		status, code = http.StatusConflict, "CONFLICT"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"code": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
