package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/handlers"
)

const (
	AdminUsernameKey = "admin_username"
	AdminRoleKey     = "admin_role"
)

// AdminAuthMiddleware 管理员认证中间件
type AdminAuthMiddleware struct {
	tokens *handlers.AdminTokens
	logger logrus.FieldLogger
}

// NewAdminAuthMiddleware 创建管理员认证中间件
func NewAdminAuthMiddleware(tokens *handlers.AdminTokens, logger logrus.FieldLogger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		tokens: tokens,
		logger: logger,
	}
}

// RequireAdminAuth 要求管理员认证
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		fields := logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}

		authHeader := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			a.logger.WithFields(fields).Warn("Admin auth failed - missing or malformed Authorization header")
			handlers.RespondError(c, apperr.AuthFailed("Authentication required"))
			return
		}

		claims, err := a.tokens.Validate(tokenString)
		if err != nil {
			fields["error"] = err.Error()
			a.logger.WithFields(fields).Warn("Admin auth failed - invalid token")
			handlers.RespondError(c, apperr.AuthFailed("Invalid or expired token"))
			return
		}

		if claims.Role != handlers.AdminRole {
			fields["role"] = claims.Role
			a.logger.WithFields(fields).Warn("Admin auth failed - insufficient permissions")
			handlers.RespondError(c, apperr.AuthFailed("Insufficient permissions"))
			return
		}

		c.Set(AdminUsernameKey, claims.Username)
		c.Set(AdminRoleKey, claims.Role)
		c.Next()
	}
}
