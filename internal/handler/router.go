package handler

import (
	"fedipay/internal/config"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware(&cfg.Server))

	// 账户相关
	r.GET("/check-username/:username", h.CheckUsername)
	r.GET("/check-pubkey/:pubkey", h.CheckPubkey)
	r.POST("/register", h.Register)

	// 签名事件控制端点
	r.POST("/check-registration", h.CheckRegistration)
	r.POST("/change-federation", h.ChangeFederation)
	r.POST("/disable-zaps", h.DisableZaps)

	// 协议发现
	wellKnown := r.Group("/.well-known")
	{
		wellKnown.GET("/nostr.json", h.WellKnownNip05)
		wellKnown.GET("/lnurlp/:username", h.WellKnownLnurlp)
	}

	// LNURL-pay 回调与验证
	lnurlp := r.Group("/lnurlp")
	{
		lnurlp.GET("/:username/callback", h.LnurlCallback)
		lnurlp.GET("/:username/verify/:operationId", h.LnurlVerify)
	}

	// 健康检查
	r.GET("/health-check", h.HealthCheck)

	return r
}
