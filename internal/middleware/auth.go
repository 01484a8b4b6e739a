package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PasswordVerifier checks the admin password.
type PasswordVerifier interface {
	Verify(ctx context.Context, plain string) bool
}

// LoopbackOnly 仅允许本机访问
// Anything not coming from the loopback interface is refused, whatever
// credentials it carries.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.JSON(http.StatusForbidden, gin.H{
				"status":  "error",
				"message": "status API is only reachable from this device",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ReadOnly rejects every method except GET and HEAD.
func ReadOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Header("Allow", "GET, HEAD")
			c.JSON(http.StatusMethodNotAllowed, gin.H{
				"status":  "error",
				"message": "status API is read-only",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminPassword 管理员密码认证中间件
// 检查请求是否携带 "Authorization: Bearer <admin password>"
func AdminPassword(v PasswordVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "admin password required",
			})
			c.Abort()
			return
		}

		plain := strings.TrimPrefix(authHeader, "Bearer ")
		if plain == "" || plain == authHeader {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "malformed authorization header",
			})
			c.Abort()
			return
		}

		if !v.Verify(c.Request.Context(), plain) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"status":  "error",
				"message": "wrong admin password",
			})
			c.Abort()
			return
		}

		c.Set("admin", true)
		c.Next()
	}
}
