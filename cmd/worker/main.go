package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rag-core/internal/app"
	"rag-core/internal/app/worker"
	"rag-core/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认 configs/config.yaml）")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Queue.Type == "" {
		// 单机部署没有队列时处理在 API 进程内联完成
		log.Fatalf("worker 需要 queue.type（memory 仅限单进程调试，生产用 postgres）")
	}

	ctx := context.Background()
	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	application, err := worker.NewApp(bootstrap)
	if err != nil {
		log.Fatalf("创建 Worker 应用失败: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("启动 Worker 失败: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭 Worker 失败: %v", err)
	}
	log.Println("Worker 已关闭")
}
