package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardbank/internal/config"
	"cardbank/internal/handler"
	"cardbank/internal/infrastructure/cache"
	"cardbank/internal/infrastructure/database"
	"cardbank/internal/infrastructure/lock"
	"cardbank/internal/infrastructure/mq"
	"cardbank/internal/job"
	"cardbank/internal/service"
	"cardbank/pkg/logger"
	"cardbank/pkg/luhn"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "config/config.yaml", "配置文件路径")
	pflag.Parse()

	// .env 可选，仅用于本地开发
	_ = godotenv.Load()

	cfg, err := config.Load(viper.New(), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, db, err := database.OpenStore(&cfg.Database, log)
	if err != nil {
		log.Fatal("初始化存储失败", zap.Error(err))
	}
	defer database.Close(db)

	redisClient, err := cache.InitRedis(ctx, &cfg.Redis, log)
	if err != nil {
		log.Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer redisClient.Close()

	gen, err := luhn.NewGenerator(cfg.Ledger.IssuerPrefix, nil)
	if err != nil {
		log.Fatal("初始化卡号生成器失败", zap.Error(err))
	}

	ledger := service.NewLedgerService(store, gen, cfg, log).
		WithLocker(lock.NewRedisLocker(redisClient, &cfg.Lock, log))

	// 事件经 outbox 投递，需要 SQL 存储
	if cfg.Kafka.Enabled && db != nil {
		producer, err := mq.InitKafka(&cfg.Kafka, log)
		if err != nil {
			log.Fatal("初始化 Kafka 失败", zap.Error(err))
		}
		defer producer.Close()

		outboxSender := job.NewOutboxSender(db, producer, cfg, log)
		go outboxSender.Start(ctx)
	}

	router := handler.SetupRouter(ledger, redisClient, cfg, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 先停后台任务，再等待在途请求
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服务关闭异常", zap.Error(err))
	}

	log.Info("服务已关闭")
}
