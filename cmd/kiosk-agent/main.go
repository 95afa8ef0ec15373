package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"kiosk-agent/internal/config"
	"kiosk-agent/internal/content"
	"kiosk-agent/internal/database"
	"kiosk-agent/internal/localstore"
	"kiosk-agent/internal/logger"
	"kiosk-agent/internal/realtime"
	"kiosk-agent/internal/redisclient"
	"kiosk-agent/internal/registrar"
	"kiosk-agent/internal/repository"
	"kiosk-agent/internal/service"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const version = "0.3.0"

func main() {
	// 1. 加载配置（.env 可选）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志（boot_id 贯穿本次进程生命周期的全部日志）
	bootID := uuid.NewString()
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, bootID)
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	log.Info("Kiosk agent starting",
		zap.String("version", version),
	)

	// 3. 打开本地状态库
	store, err := localstore.Open(cfg.Agent.StatePath)
	if err != nil {
		log.Fatal("Failed to open local state",
			zap.Error(err),
		)
	}
	defer store.Close()

	// 4. 连接屏幕目录数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to screen directory",
			zap.Error(err),
		)
	}
	defer db.Close()

	// 5. 连接推送通道 Redis
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to redis",
			zap.Error(err),
		)
	}
	defer redisClient.Close()

	// 6. 组装各层
	screens := repository.NewScreenRepository(db, log)
	subscriber := realtime.NewSubscriber(redisClient, log)
	defer subscriber.Close()

	display := service.NewFileDisplay(cfg.Agent.StatusFile, log)
	controller := service.NewExecController(cfg.Agent.NavigateCommand, log)

	var prober service.RouteProber
	if cfg.Agent.ContentBaseURL != "" && cfg.Agent.ProbeTimeout > 0 {
		prober = content.NewProber(cfg.Agent.ContentBaseURL,
			time.Duration(cfg.Agent.ProbeTimeout)*time.Second, log)
	}

	agent := service.New(screens, store, subscriber, display, controller, prober, log, service.Options{
		Hostname:            hostname(cfg),
		UserAgent:           userAgent(),
		HeartbeatInterval:   time.Duration(cfg.Agent.HeartbeatInterval) * time.Second,
		HealthInterval:      time.Duration(cfg.Agent.HealthInterval) * time.Second,
		DisconnectThreshold: time.Duration(cfg.Agent.DisconnectThreshold) * time.Second,
		RegisterMaxAttempts: cfg.Agent.RegisterMaxAttempts,
		RegisterRetryDelay:  time.Duration(cfg.Agent.RegisterRetryDelay) * time.Second,
	})

	// 7. 运行（在 goroutine 中，支持优雅关闭）
	agentErrChan := make(chan error, 1)
	go func() {
		agentErrChan <- agent.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
		<-agentErrChan
	case err := <-agentErrChan:
		if errors.Is(err, registrar.ErrRetriesExhausted) {
			// 注册失败：停在注册界面明确报告，等运营处理，不无声退出
			log.Error("Registration failed, staying on registering screen",
				zap.Error(err),
			)
			<-sigChan
		} else if err != nil {
			log.Fatal("Agent error",
				zap.Error(err),
			)
		}
	}

	log.Info("Kiosk agent stopped")
}

// hostname 生效主机名：配置显式指定优先，否则取系统主机名
func hostname(cfg *config.Config) string {
	if cfg.Agent.Hostname != "" {
		return cfg.Agent.Hostname
	}
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

// userAgent 诊断字符串（运营端排障用）
func userAgent() string {
	return fmt.Sprintf("kiosk-agent/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}
