package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/karn-cyber/notion/backend/internal/access"
)

const identityKey = "identity"

// TokenVerifier 校验 access token，返回身份
type TokenVerifier interface {
	VerifyAccess(token string) (access.Identity, error)
}

// Identify 解析 token 并把身份写进 gin.Context。
// 没带 token 不拦截，交给后面的授权判断（加入房间时由 Gate 返回 401）
func Identify(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从 Authorization 头中提取令牌
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.Next()
			return
		}

		id, err := verifier.VerifyAccess(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireIdentity REST 接口必须带身份
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IdentityFrom(c).Empty() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}
		c.Next()
	}
}

// IdentityFrom 取出 Identify 写入的身份，没有时返回空身份
func IdentityFrom(c *gin.Context) access.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return access.Identity{}
	}
	id, _ := v.(access.Identity)
	return id
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
