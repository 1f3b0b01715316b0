package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"omnimail/backend/internal/config"
	"omnimail/backend/internal/health"
	"omnimail/backend/internal/ingest"
	"omnimail/backend/internal/logger"
	"omnimail/backend/internal/monitoring"
	"omnimail/backend/internal/pool"
	"omnimail/backend/internal/service"
	"omnimail/backend/internal/smtp"
	"omnimail/backend/internal/storage"
	"omnimail/backend/internal/storage/memory"
	"omnimail/backend/internal/storage/postgres"
	"omnimail/backend/internal/storage/redis"
	sqlstore "omnimail/backend/internal/storage/sql"
	httptransport "omnimail/backend/internal/transport/http"
	"omnimail/backend/internal/websocket"
)

// main 启动同时包含管理 API 与 SMTP 接收引擎的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     "",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting omnimail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	store, err := initializeStorage(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize storage: %v", err))
	}
	defer store.Close()

	// 初始化 Redis 目录缓存（可选）
	var cache *redis.Cache
	if cfg.Redis.Address != "" {
		cache, err = redis.NewCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("failed to connect redis, directory cache disabled", zap.Error(err))
			cache = nil
		} else {
			log.Info("directory cache enabled", zap.String("address", cfg.Redis.Address))
			defer cache.Close()
		}
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, cache, log)
	if s, ok := store.(*sqlstore.Store); ok {
		healthChecker.AddDatabaseCheck("database", s.DB())
	}

	// 初始化服务层
	tenantService := service.NewTenantService(store, store)
	mailboxService := service.NewMailboxService(store, cfg)
	messageService := service.NewMessageService(store, mailboxService)

	// 目录服务：接收引擎的地址解析入口，同时负责变更时的缓存失效
	directory := service.NewDirectory(store, cache, log)
	mailboxService.SetCacheInvalidator(directory)

	// Webhook 投递协程池
	workerPool := pool.NewWorkerPool(cfg.Webhook.Workers, cfg.Webhook.QueueSize)
	webhookService := service.NewWebhookService(store, cfg, workerPool, metrics, log)

	// WebSocket 流式推送
	tokenIssuer := websocket.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.StreamExpiry)
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, tokenIssuer, log)

	// 启用 Redis 时，WebSocket 通知经发布订阅桥跨实例广播；
	// 否则直接推送给本进程的 Hub
	var pushNotifier ingest.Notifier = wsHub
	var bridge *websocket.Bridge
	if cache != nil {
		bridge = websocket.NewBridge(cache, wsHub, log)
		pushNotifier = bridge
	}

	// 接收引擎：落库成功后同时推送 WebSocket 与 Webhook
	engine := ingest.NewEngine(
		directory,
		store,
		ingest.MultiNotifier{pushNotifier, webhookService},
		metrics,
		log,
	)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		TenantService:  tenantService,
		MailboxService: mailboxService,
		MessageService: messageService,
		WebhookService: webhookService,
		TokenIssuer:    tokenIssuer,
		WebSocketHub:   wsHub,
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器
	connLimiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxConnRate)
	smtpBackend := smtp.NewBackend(engine, connLimiter, metrics, log, cfg.SMTP.MaxMessageBytes)
	smtpServer := gosmtp.NewServer(smtpBackend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.SMTP.Domain
	smtpServer.AllowInsecureAuth = cfg.Log.Development
	smtpServer.ReadTimeout = 10 * time.Second
	smtpServer.WriteTimeout = 10 * time.Second
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	smtpServer.MaxRecipients = 50

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// Webhook 投递协程池
	workerPool.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 跨实例通知桥 goroutine
	if bridge != nil {
		group.Go(func() error {
			log.Info("starting notification bridge")
			bridge.Run(groupCtx)
			return nil
		})
	}

	// 定时重试失败的 Webhook 投递 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Webhook.RetryInterval)
		defer ticker.Stop()

		log.Info("starting webhook retry task", zap.Duration("interval", cfg.Webhook.RetryInterval))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("webhook retry task stopped")
				return nil
			case <-ticker.C:
				if err := webhookService.RetryPending(); err != nil {
					log.Error("failed to retry webhook deliveries", zap.Error(err))
				}
			}
		}
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择存储实现
//
// database.type 为空时使用内存存储（开发环境）；
// "mysql"/"postgres" 走 database/sql + GORM 存储；
// "pgx" 走 PostgreSQL 原生 pgx 连接池存储。
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Database.Type {
	case "":
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil

	case "mysql", "postgres":
		store, err := sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			return nil, err
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
		return store, nil

	case "pgx":
		store, err := postgres.NewStore(
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			return nil, err
		}
		log.Info("using database storage", zap.String("type", "pgx"))
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}
