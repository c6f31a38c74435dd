package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/JordanDonguy/aria/internal/api"
	"github.com/JordanDonguy/aria/internal/auth"
	"github.com/JordanDonguy/aria/internal/config"
	"github.com/JordanDonguy/aria/internal/mistral"
	"github.com/JordanDonguy/aria/internal/quota"
	"github.com/JordanDonguy/aria/internal/ratelimit"
	"github.com/JordanDonguy/aria/internal/redis"
	"github.com/JordanDonguy/aria/internal/service/assistant"
	"github.com/JordanDonguy/aria/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfgPath := os.Getenv("ARIA_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	dbType := os.Getenv("ARIA_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		logger.Fatal("create redis client", zap.Error(err))
	}
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := ratelimit.New()
	limiter.StartSweeper(ctx)

	ai := mistral.NewClient(cfg.Mistral)
	if !ai.Configured() {
		logger.Warn("MISTRAL_API_KEY not set; chat routes will refuse requests")
	}

	handlers := api.NewHandler(
		assistant.NewService(db, rdb),
		auth.NewService(db, 24*time.Hour),
		ai,
		limiter,
		quota.New(rdb, cfg.Limits.DailyQuota),
		cfg.Limits,
		logger,
	)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	logger.Info("listening", zap.String("addr", addr), zap.String("db", dbType))
	if err := router.Run(addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
