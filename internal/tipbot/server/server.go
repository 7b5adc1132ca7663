// Package server bot 前端和管理后台的 http 接口
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"tipbot.com/internal/tipbot/campaign"
	"tipbot.com/internal/tipbot/scanner"
	"tipbot.com/internal/tipbot/service"
	"tipbot.com/pkg/middleware"
	"tipbot.com/pkg/ratelimit"
)

type Options struct {
	Service    string
	AdminToken string
	APIToken   string
	RateLimit  float64 // 每个 ip 每秒
	Burst      int
	Cooldown   time.Duration // 打赏、下雨、发红包的指令冷却
}

type Services struct {
	Users     *service.UserService
	Ledger    *service.Ledger
	Directory *service.Directory
	Transfer  *service.TransferService
	Withdraw  *service.WithdrawService
	Campaigns *campaign.Service
	Monitor   *scanner.Monitor
	Stats     *service.StatsService
}

// NewRouter ctx 结束时限流表的清理协程退出
func NewRouter(ctx context.Context, opt Options, svc Services) *gin.Engine {
	if opt.Service == "" {
		opt.Service = "tipbot-service"
	}
	if opt.RateLimit <= 0 {
		opt.RateLimit = 50
	}
	if opt.Burst <= 0 {
		opt.Burst = 100
	}
	if opt.Cooldown <= 0 {
		opt.Cooldown = 30 * time.Second
	}

	// 限流
	limits := ratelimit.NewStore(rate.Limit(opt.RateLimit), opt.Burst, 10*time.Minute)
	limits.StartJanitor(ctx, time.Minute)
	cooldowns := ratelimit.NewCooldown(opt.Cooldown)
	cooldowns.StartJanitor(ctx, time.Minute)

	r := gin.New()
	// 监控，顺带挂上 /metrics
	p := ginprom.NewPrometheus("tipbot")
	p.Use(r)
	r.Use(
		otelgin.Middleware(opt.Service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(opt.Service, limits, middleware.ByChat),
	)
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	h := &handler{svc: svc, cooldowns: cooldowns, service: opt.Service}

	api := r.Group("/api/v1", middleware.BearerToken(opt.APIToken))
	{
		api.POST("/users/touch", h.touch)
		api.GET("/users/:id/balances", h.balances)
		api.GET("/users/:id/addresses", h.addresses)
		api.GET("/users/:id/addresses/:coin", h.address)
		api.GET("/users/:id/transactions", h.transactions)
		api.POST("/tips", h.tip)
		api.POST("/rains", h.rain)
		api.POST("/distributions", h.distribute)
		api.POST("/withdrawals", h.withdraw)
		api.POST("/campaigns", h.createCampaign)
		api.GET("/campaigns/:id", h.getCampaign)
		api.POST("/campaigns/:id/join", h.joinCampaign)
	}

	admin := r.Group("/admin", middleware.BearerToken(opt.AdminToken))
	{
		admin.POST("/coins/:coin/resync", h.resync)
		admin.GET("/coins/status", h.syncStatus)
		admin.POST("/users/:id/coins/:coin/refresh", h.refresh)
		admin.GET("/stats", h.stats)
		admin.POST("/campaigns/:id/complete", h.completeCampaign)
		admin.POST("/campaigns/:id/cancel", h.cancelCampaign)
	}
	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Minute, // 提现要等节点签名广播
		MaxHeaderBytes: 1 << 20,
	}
}
