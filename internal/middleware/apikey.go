package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"omnimail/backend/internal/service"
)

// APIKeyAuth API Key认证中间件
type APIKeyAuth struct {
	tenants *service.TenantService
}

// NewAPIKeyAuth 创建API Key认证中间件
func NewAPIKeyAuth(tenants *service.TenantService) *APIKeyAuth {
	return &APIKeyAuth{
		tenants: tenants,
	}
}

// RequireAPIKey 要求API Key认证
//
// 验证通过后把租户实体放入请求上下文，后续处理器用
// tenantID 做归属检查。
func (m *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			c.Abort()
			return
		}

		tenant, key, err := m.tenants.ValidateKey(apiKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			c.Abort()
			return
		}

		c.Set("tenantID", tenant.ID)
		c.Set("tenant", tenant)
		c.Set("apiKeyID", key.ID)

		c.Next()
	}
}

// TenantID 从请求上下文取出已认证的租户ID。
func TenantID(c *gin.Context) string {
	return c.GetString("tenantID")
}
