package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashwinyue/kbhub/internal/config"
	"github.com/ashwinyue/kbhub/internal/handler"
	"github.com/ashwinyue/kbhub/internal/repository"
	"github.com/ashwinyue/kbhub/internal/router"
	"github.com/ashwinyue/kbhub/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 设置 Gin 模式
	gin.SetMode(cfg.Server.Mode)

	// 数据根目录单实例锁
	if err := os.MkdirAll(cfg.Data.Root, 0755); err != nil {
		log.Fatalf("Failed to create data root: %v", err)
	}
	lock := flock.New(filepath.Join(cfg.Data.Root, ".kbhub.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("Failed to acquire data root lock: %v", err)
	}
	if !locked {
		log.Fatalf("Data root %s is owned by another kbhub instance", cfg.Data.Root)
	}
	defer lock.Unlock()

	// 初始化存储
	store, err := repository.NewStore(cfg.Data.Root)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()
	repos := repository.NewRepositories(store)

	log.Printf("Data root: %s", cfg.Data.Root)

	// Redis 可选，用于向量缓存
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// 初始化各层
	services, err := service.NewServices(repos, cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to init services: %v", err)
	}
	handlers := handler.NewHandlers(services)

	// 启动自愈：修复中断写入、重建缺失索引
	if err := services.Knowledge.Startup(context.Background()); err != nil {
		log.Fatalf("Startup recovery failed: %v", err)
	}

	// 初始化路由
	r := router.SetupRouter(handlers)

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 启动服务器
	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// 与 HTTP 服务并行拉起启用的 MCP 服务器，不等待后端就绪
	go services.MCP.StartupEnabled()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// 先停子进程再停 HTTP
	services.MCP.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
