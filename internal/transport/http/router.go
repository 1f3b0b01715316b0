package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"omnimail/backend/internal/config"
	"omnimail/backend/internal/health"
	"omnimail/backend/internal/middleware"
	"omnimail/backend/internal/monitoring"
	"omnimail/backend/internal/service"
	"omnimail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	TenantService  *service.TenantService
	MailboxService *service.MailboxService
	MessageService *service.MessageService
	WebhookService *service.WebhookService
	TokenIssuer    *websocket.TokenIssuer
	WebSocketHub   *websocket.Hub
	HealthChecker  *health.HealthChecker
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	monitoringMW := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(monitoringMW.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 << 20)) // 管理 API 请求体上限 1MB
	router.Use(monitoringMW.HTTPMetrics())
	router.Use(monitoringMW.BusinessMetrics())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		mailboxes: deps.MailboxService,
		messages:  deps.MessageService,
		webhooks:  deps.WebhookService,
		tokens:    deps.TokenIssuer,
	}

	authHandler := NewAuthHandler(deps.TenantService)
	apiKeyAuth := middleware.NewAPIKeyAuth(deps.TenantService)

	// 健康检查与监控端点
	router.GET("/health", func(c *gin.Context) {
		if deps.HealthChecker != nil {
			c.JSON(200, deps.HealthChecker.CheckHealth())
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})
	if deps.HealthChecker != nil {
		// Kubernetes 探针端点
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint()))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Auth Routes ==========
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/register", authHandler.Register)
		}

		// ========== API Key Routes ==========
		apiKeyRoutes := v1.Group("/api-keys")
		apiKeyRoutes.Use(apiKeyAuth.RequireAPIKey())
		{
			apiKeyRoutes.POST("", authHandler.CreateAPIKey)
			apiKeyRoutes.GET("", authHandler.ListAPIKeys)
			apiKeyRoutes.DELETE("/:id", authHandler.RevokeAPIKey)
		}

		// ========== Mailbox Routes ==========
		mailboxRoutes := v1.Group("/mailboxes")
		mailboxRoutes.Use(apiKeyAuth.RequireAPIKey())
		{
			mailboxRoutes.POST("", handler.createMailbox)
			mailboxRoutes.GET("", handler.listMailboxes)
			mailboxRoutes.GET("/:id", handler.getMailbox)
			mailboxRoutes.PATCH("/:id", handler.updateMailbox)
			mailboxRoutes.DELETE("/:id", handler.deleteMailbox)

			// 邮件查询端点
			mailboxRoutes.GET("/:id/messages", handler.listMessages)
			mailboxRoutes.GET("/:id/messages/:messageId", handler.getMessage)
			mailboxRoutes.POST("/:id/messages/:messageId/read", handler.markMessageRead)

			// Webhook 投递记录
			mailboxRoutes.GET("/:id/deliveries", handler.listDeliveries)

			// WebSocket 流式令牌
			mailboxRoutes.POST("/:id/stream-token", handler.createStreamToken)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}
