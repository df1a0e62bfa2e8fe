package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/logger"
	"github.com/wfunc/paper-vendo/internal/middleware"
	"github.com/wfunc/paper-vendo/internal/service"
	ws "github.com/wfunc/paper-vendo/internal/websocket"
)

// Router API路由器
type Router struct {
	engine          *gin.Engine
	cfg             *config.Config
	db              *gorm.DB
	services        *service.Services
	hub             *ws.Hub
	machineHandler  *MachineHandler
	dispenseHandler *DispenseHandler
	logHandler      *LogHandler
	authHandler     *AuthHandler
	wsHandler       *WebSocketHandler
	authMiddleware  *middleware.AuthMiddleware
	log             *zap.Logger
}

// NewRouter 创建路由器
// 服务在外面装配好传进来，路由器只管挂路由。
func NewRouter(cfg *config.Config, db *gorm.DB, services *service.Services, hub *ws.Hub) *Router {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(requestLogMiddleware())

	router := &Router{
		engine:          engine,
		cfg:             cfg,
		db:              db,
		services:        services,
		hub:             hub,
		machineHandler:  NewMachineHandler(services.Machine),
		dispenseHandler: NewDispenseHandler(services.Dispenser, services.TransactionLog, hub),
		logHandler:      NewLogHandler(services.TransactionLog),
		authHandler:     NewAuthHandler(services.Auth),
		authMiddleware:  middleware.NewAuthMiddleware(services.Auth),
		log:             logger.GetModuleLogger("api"),
	}
	if hub != nil {
		router.wsHandler = NewWebSocketHandler(hub, &cfg.WebSocket)
	}

	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// OpenAPI文档
	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	requireAuth := r.authMiddleware.RequireAuth()

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		// 认证
		auth := v1.Group("/auth")
		{
			auth.POST("/login", r.authHandler.Login)
		}

		// 设备查询
		v1.GET("/status", r.machineHandler.GetStatus)
		v1.GET("/coins", r.machineHandler.GetCoins)
		v1.POST("/coins/reset", r.machineHandler.ResetCoins)
		v1.GET("/paper/:type", r.machineHandler.CheckPaper)

		// 出币出纸
		v1.POST("/change/:amount", r.dispenseHandler.DispenseChange)
		v1.POST("/hopper/:denomination/:count", r.dispenseHandler.DispenseHopper)
		v1.POST("/paper/:type/:count", r.dispenseHandler.DispensePaper)

		// 设备控制
		v1.POST("/stop", r.machineHandler.Stop)
		v1.POST("/reset", r.machineHandler.Reset)

		// 维护类接口需要认证
		v1.POST("/coinslot/:action", requireAuth, r.machineHandler.SetCoinslot)
		v1.POST("/command", requireAuth, r.machineHandler.RawCommand)

		// 交易日志
		r.logHandler.RegisterRoutes(v1, requireAuth)
	}

	// WebSocket状态推送
	if r.wsHandler != nil {
		path := r.cfg.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		r.engine.GET(path, r.wsHandler.StatusWebSocket)
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	// 检查数据库连接
	if r.db != nil {
		sqlDB, err := r.db.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"status":  "unhealthy",
				"message": "数据库连接失败",
			})
			return
		}
	}

	_, connected, _ := r.services.Machine.ConnectionState()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"message":   "服务运行正常",
		"device":    connected,
		"timestamp": time.Now().Unix(),
	})
}

// requestIDMiddleware 为每个请求生成请求ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestID", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// requestLogMiddleware 结构化请求日志
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.LogRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// Engine 获取Gin引擎（测试用）
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
