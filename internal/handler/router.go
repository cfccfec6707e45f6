package handler

import (
	"net/http"

	"cardbank/internal/config"
	"cardbank/internal/service"
	"cardbank/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(ledger *service.LedgerService, rdb redis.UniversalClient, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	sessions := session.NewStore(rdb, &cfg.Session)
	h := NewHandler(ledger, sessions, logger)
	auth := AuthMiddleware(sessions, ledger, logger)
	// 登录接口额外按 IP 限流，窗口内允许 login_limit 的 4 倍请求
	loginLimit := RateLimitMiddleware(rdb, "login", int64(cfg.Session.LoginLimit)*4, cfg.Session.LoginWindow, logger)

	api := r.Group("/api/v1")
	{
		api.POST("/cards", h.OpenAccount)

		api.POST("/session", loginLimit, h.Login)
		api.DELETE("/session", auth, h.Logout)

		card := api.Group("/card", auth)
		{
			card.GET("/balance", h.GetBalance)
			card.POST("/income", h.AddIncome)
			card.POST("/transfer", h.Transfer)
			card.DELETE("", h.CloseAccount)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
