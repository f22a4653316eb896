package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fedipay/internal/config"
	"fedipay/internal/federation"
	"fedipay/internal/handler"
	"fedipay/internal/infrastructure/cache"
	"fedipay/internal/infrastructure/database"
	"fedipay/internal/infrastructure/mq"
	"fedipay/internal/job"
	"fedipay/internal/nostrauth"
	"fedipay/internal/notifier"
	"fedipay/internal/repository"
	"fedipay/internal/service"
	"fedipay/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 联邦拨号器：real 走网关守护进程，fake 用内存假联邦做本地联调
	var dialer federation.Dialer
	switch cfg.Federation.Mode {
	case "fake":
		dialer = federation.NewFakeDialer().Dial
		log.Println("联邦模式: fake（内存假联邦，仅限本地联调）")
	default:
		dialer = federation.DialGateway(cfg.Federation.GatewayURL, cfg.Federation.APIKey)
	}
	registry := federation.NewRegistry(dialer, redisClient)

	// 持久层
	userRepo := repository.NewUserRepository(db)
	invoiceRepo := repository.NewInvoiceRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	// zap receipt 签名器，不配私钥就不发 receipt
	var zaps *notifier.ZapPublisher
	zapPubkey := ""
	if cfg.Nostr.SecretKey != "" {
		var err error
		zaps, err = notifier.NewZapPublisher(cfg.Nostr.SecretKey, cfg.Nostr.Relays)
		if err != nil {
			log.Fatalf("初始化 zap 签名器失败: %v", err)
		}
		zapPubkey = zaps.Pubkey()
	}

	// 业务服务
	registerService := service.NewRegisterService(userRepo, registry)
	invoiceService := service.NewInvoiceService(
		invoiceRepo,
		userRepo,
		alertRepo,
		registry,
		notifier.NewKafkaNotifier(cfg.Kafka.Topic.PaymentNotify),
		zaps,
		cfg.Lnurl.InvoiceExpirySeconds,
	)
	verifier := nostrauth.NewVerifier(redisClient)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动恢复：重连在途收款的联邦订阅
	go func() {
		if err := invoiceService.RecoverPending(ctx); err != nil {
			log.Printf("启动恢复失败: %v", err)
		}
	}()

	// 启动后台任务
	alertSender := job.NewAlertSender(db, cfg)
	go alertSender.Start(ctx)

	expiryChecker := job.NewInvoiceExpiryChecker(db)
	go expiryChecker.Start(ctx)

	// 设置路由
	h := handler.NewHandler(registerService, invoiceService, verifier, cfg, zapPubkey)
	router := handler.SetupRouter(h, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务和在途 watcher
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
