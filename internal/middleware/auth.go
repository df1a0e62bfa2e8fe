package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/service"
)

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	authService *service.AuthService
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(authService *service.AuthService) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// RequireAuth 需要认证的中间件
// 保护维护类接口：原始命令透传、日志删除、投币器开关。
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.extractToken(c)
		if token == "" {
			appErr := errors.New(errors.ErrTokenInvalid, "缺少认证令牌")
			c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, ""))
			c.Abort()
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			appErr, ok := err.(*errors.AppError)
			if !ok {
				appErr = errors.New(errors.ErrTokenInvalid)
			}
			c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, ""))
			c.Abort()
			return
		}

		// 将运维账号信息存入上下文
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Set("sessionID", claims.SessionID)

		c.Next()
	}
}

// extractToken 从请求中提取令牌
func (m *AuthMiddleware) extractToken(c *gin.Context) string {
	// 1. 从Authorization Header获取 (Bearer Token)
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.Split(bearerToken, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// 2. 从X-Access-Token Header获取
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// 3. 从Query参数获取（维护脚本用）
	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}

// GetUsername 从上下文获取账号名
func GetUsername(c *gin.Context) (string, bool) {
	if username, exists := c.Get("username"); exists {
		if name, ok := username.(string); ok {
			return name, true
		}
	}
	return "", false
}

// GetSessionID 从上下文获取会话ID
func GetSessionID(c *gin.Context) (string, bool) {
	if sessionID, exists := c.Get("sessionID"); exists {
		if id, ok := sessionID.(string); ok {
			return id, true
		}
	}
	return "", false
}
