package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cardbank/internal/service"
	"cardbank/internal/session"
	"cardbank/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	tokenKey        = "session_token"
	requestIDHeader = "X-Request-ID"
)

// RequestIDMiddleware 透传或生成请求 ID
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(response.RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware 请求日志
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}

		c.Next()

		logger.Info("HTTP",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("request_id", c.GetString(response.RequestIDKey)),
		)
	}
}

// RecoveryMiddleware 防止 panic 导致服务崩溃
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("PANIC",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(response.RequestIDKey)),
				)
				response.Abort(c, http.StatusInternalServerError, response.CodeServerError, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware 解析 Bearer token，从账本重新读取卡片
// 卡片已被销毁时同时清除会话
func AuthMiddleware(sessions *session.Store, ledger *service.LedgerService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "Please log into account first!")
			return
		}

		ctx := c.Request.Context()
		number, err := sessions.Resolve(ctx, token)
		if err != nil {
			if !errors.Is(err, session.ErrSessionNotFound) {
				logger.Error("解析会话失败", zap.Error(err))
			}
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "Please log into account first!")
			return
		}

		card, err := ledger.Lookup(ctx, number)
		if err != nil {
			if errors.Is(err, service.ErrCardNotFound) {
				_ = sessions.Delete(ctx, token)
			} else {
				logger.Error("读取会话卡片失败", zap.Error(err))
			}
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "Please log into account first!")
			return
		}

		c.Set(tokenKey, token)
		c.Set(cardKey, card)
		c.Next()
	}
}

// RateLimitMiddleware 按客户端 IP 的固定窗口限流（INCR + EXPIRE）
// Redis 故障时放行
func RateLimitMiddleware(rdb redis.UniversalClient, name string, limit int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := fmt.Sprintf("cardbank:ratelimit:%s:%s", name, c.ClientIP())

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			logger.Error("限流计数失败", zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(ctx, key, window)
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		if count > limit {
			ttl, _ := rdb.TTL(ctx, key).Result()
			logger.Warn("触发限流", zap.String("ip", c.ClientIP()), zap.String("name", name), zap.Int64("count", count))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			response.Abort(c, http.StatusTooManyRequests, response.CodeTooMany, "Too many requests. Please try again later!")
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limit-count, 10))
		c.Next()
	}
}
